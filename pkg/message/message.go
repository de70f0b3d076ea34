// Package message provides the deferred span-payload producers used by
// spans, traces, and error reporting. Message text and the username
// supplier are evaluated lazily, only when a snapshot is actually taken, so
// the hot path of pushing and popping spans never pays formatting cost.
package message

import "fmt"

// ContextMap is arbitrary metadata attached to a Message, serialized
// alongside a span's description when a snapshot is taken.
type ContextMap map[string]interface{}

// Message is the realized payload of a span: display text plus an optional
// context map.
type Message struct {
	Text       string
	ContextMap ContextMap
}

// Supplier defers production of a Message until it is actually needed.
// Plugins implement this to avoid formatting strings on every pushSpan call
// when most spans are never inspected.
type Supplier func() Message

// FromText returns a Supplier that always produces the same fixed text with
// no context map.
func FromText(text string) Supplier {
	return func() Message { return Message{Text: text} }
}

// FromTemplate returns a Supplier that formats text lazily with fmt.Sprintf
// semantics, deferring the cost of formatting until Get is called.
func FromTemplate(format string, args ...interface{}) Supplier {
	return func() Message { return Message{Text: fmt.Sprintf(format, args...)} }
}

// WithContext returns a Supplier producing the given text and context map.
func WithContext(text string, ctx ContextMap) Supplier {
	return func() Message { return Message{Text: text, ContextMap: ctx} }
}

// Get realizes the Message. A nil Supplier yields the empty Message, which
// callers that may hold dummy spans rely on.
func (s Supplier) Get() Message {
	if s == nil {
		return Message{}
	}
	return s()
}

// StringSupplier defers production of a plain string, used for the
// username and for error messages where no context map is needed.
type StringSupplier func() string

// Get realizes the string. A nil StringSupplier yields "".
func (s StringSupplier) Get() string {
	if s == nil {
		return ""
	}
	return s()
}

// OfInstance returns a StringSupplier that always yields the same value,
// mirroring Suppliers.ofInstance from the original plugin API.
func OfInstance(value string) StringSupplier {
	return func() string { return value }
}
