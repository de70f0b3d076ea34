package snapshot

import (
	"encoding/json"

	"github.com/parabinda/glowroot/pkg/bytestream"
)

// literal wraps a fixed byte slice as a one-shot ByteStream, used to
// stitch the hand-written document skeleton around the streamed spans
// and merged-stack-tree sections.
type literal struct {
	b    []byte
	done bool
}

func newLiteral(s string) *literal { return &literal{b: []byte(s)} }

func (l *literal) Next() []byte {
	if l.done {
		return nil
	}
	l.done = true
	return l.b
}

func (l *literal) Done() bool { return l.done }

// Encode renders snap as the full JSON document of spec.md §6, as a
// ByteStream: summary fields plus, when IncludeDetail is true, the
// streaming spans array, the stack-trace dedup map, and the streaming
// merged stack tree. No single returned chunk ever crosses a document
// boundary, and the concatenation of every chunk is the complete,
// well-formed JSON document.
func Encode(snap *TraceSnapshot) bytestream.ByteStream {
	head := summaryHead(snap)
	streams := []bytestream.ByteStream{newLiteral(head)}

	if snap.includeDetail {
		stacks := NewStackTraces()
		spansHead := `,"spans":`
		spansStream := NewSpansByteStream(snap.trace.RootSpan(), snap.captureTick, stacks)
		streams = append(streams, newLiteral(spansHead), spansStream)

		streams = append(streams, newLiteral(",\"stackTraces\":"), &lazyStackTraces{stacks: stacks})

		if root := snap.trace.MergedStackTree().RootNode(); root != nil {
			treeStream := NewMergedStackTreeByteStream(root)
			streams = append(streams, newLiteral(",\"mergedStackTree\":"), treeStream)
		}
	}

	streams = append(streams, newLiteral("}"))
	return bytestream.NewConcat(streams...)
}

// lazyStackTraces defers marshaling the hash->frames map until the spans
// stream ahead of it in the Concat has actually been drained, since the
// map is only complete once every span has been visited.
type lazyStackTraces struct {
	stacks *StackTraces
	done   bool
}

func (l *lazyStackTraces) Next() []byte {
	if l.done {
		return nil
	}
	l.done = true
	b, _ := json.Marshal(l.stacks.ByHash())
	return b
}

func (l *lazyStackTraces) Done() bool { return l.done }

func summaryHead(snap *TraceSnapshot) string {
	type head struct {
		ID          string      `json:"id"`
		Start       int64       `json:"start"`
		Stuck       bool        `json:"stuck"`
		Error       bool        `json:"error"`
		Duration    int64       `json:"duration"`
		Completed   bool        `json:"completed"`
		Description string      `json:"description"`
		Username    string      `json:"username,omitempty"`
		Attributes  []Attribute `json:"attributes,omitempty"`
		Metrics     []Metric    `json:"metrics,omitempty"`
	}
	h := head{
		ID:          snap.ID,
		Start:       snap.Start,
		Stuck:       snap.Stuck,
		Error:       snap.Error,
		Duration:    snap.Duration,
		Completed:   snap.Completed,
		Description: snap.Description,
		Attributes:  snap.Attributes,
		Metrics:     snap.Metrics,
	}
	if snap.HasUsername {
		h.Username = snap.Username
	}
	b, _ := json.Marshal(h)
	// drop the closing '}' so later sections can be appended; callers add
	// the final '}' back once every section has been streamed.
	return string(b[:len(b)-1])
}
