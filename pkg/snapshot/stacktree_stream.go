package snapshot

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/parabinda/glowroot/pkg/bytestream"
	"github.com/parabinda/glowroot/pkg/stacktree"
)

// metricMarkerPattern extracts the encoded metric name plugins weave into
// an advice method's name, per spec.md §4.5.
var metricMarkerPattern = regexp.MustCompile(`^.*\$informant\$metric\$(.*)\$[0-9]+$`)

func metricMarkerFor(f stacktree.Frame) string {
	m := metricMarkerPattern.FindStringSubmatch(f.Function)
	if m == nil {
		return ""
	}
	return strings.ReplaceAll(m[1], "$", " ")
}

// tokenKind identifies one step of the explicit work-list driving
// iterative (non-recursive) pre-order emission, mirroring
// MergedStackTreeByteStream's JsonWriterOp sentinels: a node to expand, or
// one of the closing/bookkeeping steps that would otherwise happen on
// return from a recursive call.
type tokenKind int

const (
	tokNode tokenKind = iota
	tokComma
	tokEndArray
	tokEndObject
	tokPopMetricName
)

type token struct {
	kind tokenKind
	node *stacktree.Node
}

// mergedStackTreeEncoder holds the mutable state threaded through the
// work-list: the metric-name stack (successive duplicates filtered) and
// the pending work items.
type mergedStackTreeEncoder struct {
	work        []token
	metricNames []string
}

func (e *mergedStackTreeEncoder) push(tokens ...token) {
	for i := len(tokens) - 1; i >= 0; i-- {
		e.work = append(e.work, tokens[i])
	}
}

func (e *mergedStackTreeEncoder) pop() (token, bool) {
	if len(e.work) == 0 {
		return token{}, false
	}
	last := len(e.work) - 1
	t := e.work[last]
	e.work = e.work[:last]
	return t, true
}

// NewMergedStackTreeByteStream streams root as the JSON node object
// described in spec.md §6/§4.6. A synthetic root is rendered with
// stackTraceElement "<multiple root nodes>". Returns nil if root is nil
// (no sample has ever been recorded).
func NewMergedStackTreeByteStream(root *stacktree.Node) bytestream.ByteStream {
	if root == nil {
		return nil
	}
	enc := &mergedStackTreeEncoder{}
	enc.push(token{kind: tokNode, node: root})

	buf := make([]byte, 0, targetChunkSize+256)

	return bytestream.NewFunc(func() ([]byte, bool) {
		for {
			t, ok := enc.pop()
			if !ok {
				chunk := buf
				return chunk, true
			}
			enc.apply(t, &buf)
			if len(buf) >= targetChunkSize {
				chunk := buf
				buf = make([]byte, 0, targetChunkSize+256)
				return chunk, len(enc.work) == 0
			}
		}
	})
}

func (e *mergedStackTreeEncoder) apply(t token, buf *[]byte) {
	switch t.kind {
	case tokComma:
		*buf = append(*buf, ',')
	case tokEndArray:
		*buf = append(*buf, ']')
	case tokEndObject:
		*buf = append(*buf, '}')
	case tokPopMetricName:
		e.metricNames = e.metricNames[:len(e.metricNames)-1]
	case tokNode:
		e.writeNode(t.node, buf)
	}
}

func (e *mergedStackTreeEncoder) writeNode(n *stacktree.Node, buf *[]byte) {
	elem := "<multiple root nodes>"
	if !n.IsSyntheticRoot() {
		elem = n.Frame().String()
	}
	*buf = append(*buf, '{')
	*buf = append(*buf, `"stackTraceElement":`...)
	*buf = append(*buf, marshalField(elem)...)
	*buf = append(*buf, `,"sampleCount":`...)
	*buf = append(*buf, marshalField(n.SampleCount())...)

	marker := ""
	if !n.IsSyntheticRoot() {
		marker = metricMarkerFor(n.Frame())
	}
	pushedMarker := false
	if marker != "" && (len(e.metricNames) == 0 || e.metricNames[len(e.metricNames)-1] != marker) {
		e.metricNames = append(e.metricNames, marker)
		pushedMarker = true
	}

	if n.IsLeaf() {
		*buf = append(*buf, `,"leafThreadState":`...)
		*buf = append(*buf, marshalField(n.LeafThreadState())...)
		if len(e.metricNames) > 0 {
			*buf = append(*buf, `,"metricNames":`...)
			names, _ := json.Marshal(e.metricNames)
			*buf = append(*buf, names...)
		}
	}

	children := n.Children()
	if len(children) == 0 {
		*buf = append(*buf, '}')
		if pushedMarker {
			e.metricNames = e.metricNames[:len(e.metricNames)-1]
		}
		return
	}

	*buf = append(*buf, `,"childNodes":[`...)

	closing := []token{{kind: tokEndArray}, {kind: tokEndObject}}
	if pushedMarker {
		closing = append(closing, token{kind: tokPopMetricName})
	}

	childTokens := make([]token, 0, len(children)*2)
	for i, c := range children {
		if i > 0 {
			childTokens = append(childTokens, token{kind: tokComma})
		}
		childTokens = append(childTokens, token{kind: tokNode, node: c})
	}

	e.push(append(childTokens, closing...)...)
}
