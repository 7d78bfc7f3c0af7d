package envelope

import "fmt"

// The ingestion error taxonomy is deliberately flat: tagged types the
// controller classifies with errors.As, not a hierarchy. Each carries a
// Name() used in the DLQ error envelope.

// ParseError means the raw bytes were not valid JSON. Redelivery cannot
// help, so the controller dead-letters and acks.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse envelope: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }
func (e *ParseError) Name() string  { return "ParseError" }

// ValidationError means the envelope decoded but a semantically required
// field could not be resolved from any known layout.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s %s", e.Field, e.Reason)
}
func (e *ValidationError) Name() string { return "ValidationError" }

// UnknownProcessorTypeError means the envelope named no processor tag, or
// named one that is not registered.
type UnknownProcessorTypeError struct {
	Tag string
}

func (e *UnknownProcessorTypeError) Error() string {
	if e.Tag == "" {
		return "no processor type in envelope"
	}
	return fmt.Sprintf("unknown processor type %q", e.Tag)
}
func (e *UnknownProcessorTypeError) Name() string { return "UnknownProcessorTypeError" }
