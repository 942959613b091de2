package eventstream

import "strings"

// FramingPolicy selects how an encoded value is laid out on the wire
// when it contains newlines. Both policies produce a single
// "field: value" record for values without newlines.
type FramingPolicy int

const (
	// LineReframing splits the value on "\n" and emits one
	// "field: <line>" record per line. Data messages are terminated
	// with one blank line, which is what makes the client dispatch
	// the buffered event.
	LineReframing FramingPolicy = iota

	// EmbeddedContinuation keeps the value as a single write.
	// "\r\n" and "\r" are normalized to "\n" and every remaining
	// newline is re-prefixed inline with "field: ". SendData under
	// this policy appends an extra newline to the payload before
	// framing so that every data message carries a continuation
	// boundary.
	EmbeddedContinuation
)

const (
	fieldComment = ""
	fieldEvent   = "event"
	fieldData    = "data"
	fieldID      = "id"
	fieldRetry   = "retry"
)

// frame serializes one field/value record according to the policy. An
// empty field name produces a comment record (": value"), which never
// triggers the data blank-line rule.
func frame(policy FramingPolicy, field, value string) string {
	if policy == EmbeddedContinuation {
		return frameContinuation(field, value)
	}
	return frameLines(field, value)
}

func frameLines(field, value string) string {
	var b strings.Builder
	for _, line := range strings.Split(value, "\n") {
		b.WriteString(field)
		b.WriteString(": ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if field == fieldData {
		// Blank line dispatches the event on the client side.
		b.WriteByte('\n')
	}
	return b.String()
}

func frameContinuation(field, value string) string {
	value = strings.ReplaceAll(value, "\r\n", "\n")
	value = strings.ReplaceAll(value, "\r", "\n")
	value = strings.ReplaceAll(value, "\n", "\n"+field+": ")
	return field + ": " + value + "\n"
}
