package envelope

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FieldError describes a single validation failure (spec §4.4: "a
// structured list of field paths and reasons").
type FieldError struct {
	Path   string
	Reason string
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s: %s", f.Path, f.Reason)
}

// ValidationError aggregates every FieldError found on one envelope.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "envelope validation failed: " + strings.Join(parts, "; ")
}

// Validate performs structural and semantic validation of an inbound
// envelope (spec §4.4). Validation is rejecting, never coercing.
func Validate(e Envelope) error {
	var fields []FieldError

	if !isUUID(e.MessageID) {
		fields = append(fields, FieldError{"messageId", "must be a UUID"})
	}
	if !isVersion(e.Version) {
		fields = append(fields, FieldError{"version", "must match <major>.<minor>"})
	}
	if _, ok := knownTypes[e.Type]; !ok {
		fields = append(fields, FieldError{"type", "unknown envelope type"})
	}
	if e.Source.ClientID == "" {
		fields = append(fields, FieldError{"source.clientId", "required"})
	}
	if e.Source.SessionID == "" {
		fields = append(fields, FieldError{"source.sessionId", "required"})
	}
	if e.Timestamp < 0 {
		fields = append(fields, FieldError{"timestamp", "must be non-negative"})
	}
	if e.Priority < 0 || e.Priority > 10 {
		fields = append(fields, FieldError{"priority", "must be in range 0..10"})
	}
	if e.Payload == nil {
		fields = append(fields, FieldError{"payload", "required (may be empty object)"})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func isVersion(s string) bool {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
