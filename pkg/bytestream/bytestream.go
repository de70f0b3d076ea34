// Package bytestream provides the chunked, lazily-produced byte sequence
// abstraction pkg/snapshot streams trace JSON through, grounded on
// TraceSnapshots.java's SpansByteStream / MergedStackTreeByteStream:
// neither a running trace's spans nor its merged stack tree are ever
// fully materialized into one buffer, since a trace can still be
// receiving writes while a snapshot of it is being serialized.
package bytestream

// ByteStream is a pull-based source of byte chunks. Each call to Next
// returns at least one byte until the stream is exhausted, at which point
// Done reports true and further Next calls return nil. Concatenating every
// chunk in order reproduces exactly one complete document: a ByteStream
// never yields a chunk that spans a document boundary, so multiple
// documents are represented as independent ByteStreams, not as one stream
// with embedded boundaries.
type ByteStream interface {
	// Next produces the next chunk, or nil once Done is true.
	Next() []byte
	// Done reports whether the stream is exhausted.
	Done() bool
}

// Func adapts a single pull function into a ByteStream, useful for
// streams whose chunking logic is simplest to express as a closure with
// captured state (see pkg/snapshot's span and merged-stack-tree streams).
type Func struct {
	next func() ([]byte, bool) // returns (chunk, done)
	done bool
}

// NewFunc wraps next into a ByteStream. next returns the next chunk and
// whether the stream is now exhausted (the final real chunk may set
// done=true in the same call, or an empty final call may do so).
func NewFunc(next func() ([]byte, bool)) *Func {
	return &Func{next: next}
}

// Next implements ByteStream.
func (f *Func) Next() []byte {
	if f.done {
		return nil
	}
	chunk, done := f.next()
	f.done = done
	return chunk
}

// Done implements ByteStream.
func (f *Func) Done() bool { return f.done }

// ReadAll drains a ByteStream into one slice. Intended for tests and small
// documents; production callers should prefer streaming Next() directly
// to an io.Writer so an in-flight trace's snapshot never needs to be held
// in memory all at once.
func ReadAll(s ByteStream) []byte {
	var out []byte
	for !s.Done() {
		if chunk := s.Next(); chunk != nil {
			out = append(out, chunk...)
		}
	}
	return out
}

// Concat chains ByteStreams so their chunks appear as one continuous
// sequence, in order. Used to assemble a full snapshot JSON document out
// of independently-chunked sub-documents (metrics, spans, merged stack
// tree) without ever holding more than one sub-document's remaining
// chunks in memory.
type Concat struct {
	streams []ByteStream
	idx     int
}

// NewConcat returns a ByteStream that yields every chunk of streams[0], then
// streams[1], and so on.
func NewConcat(streams ...ByteStream) *Concat {
	return &Concat{streams: streams}
}

// Next implements ByteStream.
func (c *Concat) Next() []byte {
	for c.idx < len(c.streams) {
		s := c.streams[c.idx]
		if s.Done() {
			c.idx++
			continue
		}
		chunk := s.Next()
		if chunk != nil {
			return chunk
		}
		if s.Done() {
			c.idx++
		}
	}
	return nil
}

// Done implements ByteStream.
func (c *Concat) Done() bool {
	for _, s := range c.streams {
		if !s.Done() {
			return false
		}
	}
	return true
}
