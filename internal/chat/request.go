// Package chat defines the chat request accepted by the relay and the
// validation applied to raw request bodies.
package chat

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageChars is the maximum message length, counted in characters.
	MaxMessageChars = 2000

	// MaxContextTurns is the number of prior turns forwarded to the worker.
	MaxContextTurns = 20
)

// Request is a validated chat request. Context entries are forwarded to the
// worker as-is.
type Request struct {
	Message string            `json:"message"`
	Context []json.RawMessage `json:"context"`
}

// Code identifies why a request body was rejected.
type Code string

const (
	CodeInvalidJSON    Code = "invalid_json"
	CodeMissingMessage Code = "missing_message"
	CodeMessageTooLong Code = "message_too_long"
)

// ValidationError is returned by Validate for a rejected body.
type ValidationError struct {
	Code Code
	// Message is safe to show to the client.
	Message string
	// Preview is what gets written to the audit log for this rejection.
	Preview string
}

func (e *ValidationError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Validate parses and bounds-checks a raw request body. Checks run in a fixed
// order and stop at the first failure.
func Validate(raw []byte) (Request, *ValidationError) {
	if !json.Valid(raw) {
		return Request{}, &ValidationError{
			Code:    CodeInvalidJSON,
			Message: "Invalid JSON payload",
			Preview: string(raw),
		}
	}

	// A valid document that is not an object carries no fields.
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(raw, &fields)

	var message string
	if v, ok := fields["message"]; ok {
		_ = json.Unmarshal(v, &message)
	}
	message = strings.TrimSpace(message)

	if message == "" {
		return Request{}, &ValidationError{
			Code:    CodeMissingMessage,
			Message: "Message is required",
			Preview: message,
		}
	}

	if utf8.RuneCountInString(message) > MaxMessageChars {
		return Request{}, &ValidationError{
			Code:    CodeMessageTooLong,
			Message: "Message too long",
			Preview: message,
		}
	}

	return Request{
		Message: message,
		Context: boundContext(fields["context"]),
	}, nil
}

func boundContext(raw json.RawMessage) []json.RawMessage {
	turns := []json.RawMessage{}
	if len(raw) > 0 {
		var parsed []json.RawMessage
		if err := json.Unmarshal(raw, &parsed); err == nil && parsed != nil {
			turns = parsed
		}
	}
	if len(turns) > MaxContextTurns {
		turns = turns[len(turns)-MaxContextTurns:]
	}
	return turns
}

// Payload returns the JSON document written to the worker's stdin.
func (r Request) Payload() ([]byte, error) {
	if r.Context == nil {
		r.Context = []json.RawMessage{}
	}
	return json.Marshal(r)
}
