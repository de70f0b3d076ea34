package snapshot

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"

	"github.com/parabinda/glowroot/pkg/bytestream"
	"github.com/parabinda/glowroot/pkg/span"
)

// targetChunkSize mirrors TraceSnapshots.java's TARGET_CHUNK_SIZE: the
// encoder accumulates output and flushes a chunk once it reaches roughly
// this many bytes, rather than flushing per span.
const targetChunkSize = 8192

// StackTraces accumulates the hash -> frames-JSON mapping a span stream
// produces as it deduplicates per-span captured stacks, so the caller can
// emit it once alongside the snapshot per spec.md §4.6.
type StackTraces struct {
	byHash map[string]json.RawMessage
}

// NewStackTraces returns an empty dedup table.
func NewStackTraces() *StackTraces { return &StackTraces{byHash: make(map[string]json.RawMessage)} }

// ByHash exposes the accumulated hash -> frames-JSON entries.
func (s *StackTraces) ByHash() map[string]json.RawMessage { return s.byHash }

func (s *StackTraces) put(frames []string) string {
	raw, _ := json.Marshal(frames)
	sum := sha1.Sum(raw)
	hash := hex.EncodeToString(sum[:])
	if _, ok := s.byHash[hash]; !ok {
		s.byHash[hash] = json.RawMessage(raw)
	}
	return hash
}

// spanFields is the wire shape of one emitted span, field order matching
// spec.md §6 exactly.
type spanFields struct {
	Offset         int64           `json:"offset"`
	Duration       int64           `json:"duration"`
	Active         bool            `json:"active,omitempty"`
	Index          int             `json:"index"`
	ParentIndex    int             `json:"parentIndex"`
	Level          int             `json:"level"`
	Description    string          `json:"description"`
	Error          bool            `json:"error,omitempty"`
	ContextMap     json.RawMessage `json:"contextMap,omitempty"`
	StackTraceHash string          `json:"stackTraceHash,omitempty"`
}

// NewSpansByteStream returns a ByteStream emitting the JSON array of spans
// described by spec.md §4.6: spans starting after captureTick are
// skipped, durations are capture-tick normalized, and any span carrying a
// captured stack trace is emitted by SHA-1 hash reference into stacks.
func NewSpansByteStream(rs *span.RootSpan, captureTick int64, stacks *StackTraces) bytestream.ByteStream {
	spans := rs.Spans()
	idx := 0
	wroteAny := false
	buf := make([]byte, 0, targetChunkSize+256)
	buf = append(buf, '[')

	return bytestream.NewFunc(func() ([]byte, bool) {
		for idx < len(spans) {
			s := spans[idx]
			idx++
			if s.StartTick > captureTick {
				continue
			}

			var duration int64
			active := false
			if end := s.EndTick(); end != 0 && end <= captureTick {
				duration = end - s.StartTick
			} else {
				duration = captureTick - s.StartTick
				active = true
			}

			fields := spanFields{
				Offset:      s.Offset(),
				Duration:    duration,
				Active:      active,
				Index:       s.Index,
				ParentIndex: s.ParentIndex,
				Level:       s.Level,
				Description: s.MessageSupplier.Get().Text,
				Error:       s.Error(),
			}
			if ctx := s.MessageSupplier.Get().ContextMap; ctx != nil {
				fields.ContextMap, _ = json.Marshal(ctx)
			}
			if len(s.StackTraceElements) > 0 {
				fields.StackTraceHash = stacks.put(s.StackTraceElements)
			}

			encoded, _ := json.Marshal(fields)
			if wroteAny {
				buf = append(buf, ',')
			}
			wroteAny = true
			buf = append(buf, encoded...)

			if len(buf) >= targetChunkSize {
				chunk := buf
				buf = make([]byte, 0, targetChunkSize+256)
				return chunk, false
			}
		}
		buf = append(buf, ']')
		return buf, true
	})
}
