// Package validation checks inbound sync and emergency requests before they
// reach the operation log or the dispatch queue.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/reliefsync/internal/types"
)

const (
	MaxIDLength      = 128
	MaxMessageLength = 1000
	MaxChangesBytes  = 64 * 1024
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateIdentifier checks an opaque ID: non-empty, bounded, printable.
func ValidateIdentifier(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if err := ValidateMaxLength(field, value, MaxIDLength); err != nil {
		return err
	}
	if !utf8.ValidString(value) || strings.ContainsAny(value, "\x00\r\n") {
		return &ValidationError{Field: field, Message: "contains invalid characters"}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID.
func ValidateULID(field, value string) *ValidationError {
	if _, err := ulid.ParseStrict(value); err != nil {
		return &ValidationError{Field: field, Message: "must be a valid ULID"}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidatePhone accepts E.164-style numbers: an optional leading +, then
// 3 to 15 digits. Spaces, dashes and parentheses are ignored.
func ValidatePhone(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	digits := 0
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return &ValidationError{Field: field, Message: "must be a phone number"}
		}
	}
	if digits < 3 || digits > 15 {
		return &ValidationError{Field: field, Message: "must have between 3 and 15 digits"}
	}
	return nil
}

var (
	entityTypes = []string{
		string(types.EntityReliefCenter),
		string(types.EntityNotification),
		string(types.EntityUser),
	}
	actions = []string{
		string(types.ActionCreate),
		string(types.ActionUpdate),
		string(types.ActionDelete),
	}
)

// ValidateOfflineSync checks every update in an offline sync submission.
// maxUpdates <= 0 disables the count check.
func ValidateOfflineSync(req *types.OfflineSyncRequest, maxUpdates int) []ValidationError {
	var c Collector
	if len(req.OfflineUpdates) == 0 {
		c.Add(&ValidationError{Field: "offline_updates", Message: "must contain at least one update"})
		return c.Errors()
	}
	if maxUpdates > 0 && len(req.OfflineUpdates) > maxUpdates {
		c.Add(&ValidationError{
			Field:   "offline_updates",
			Message: fmt.Sprintf("exceeds maximum of %d updates", maxUpdates),
		})
		return c.Errors()
	}

	for i, u := range req.OfflineUpdates {
		prefix := fmt.Sprintf("offline_updates[%d].", i)
		c.Add(ValidateEnum(prefix+"entity_type", string(u.EntityType), entityTypes))
		c.Add(ValidateIdentifier(prefix+"entity_id", u.EntityID))
		c.Add(ValidateEnum(prefix+"action", string(u.Action), actions))
		c.Add(validateChanges(prefix+"changes", u.Action, u.Changes))
	}
	return c.Errors()
}

func validateChanges(field string, action types.Action, changes json.RawMessage) *ValidationError {
	if len(changes) > MaxChangesBytes {
		return &ValidationError{Field: field, Message: fmt.Sprintf("exceeds maximum size of %d bytes", MaxChangesBytes)}
	}
	trimmed := strings.TrimSpace(string(changes))
	if trimmed == "" || trimmed == "null" {
		if action == types.ActionDelete {
			return nil
		}
		return &ValidationError{Field: field, Message: "is required"}
	}
	if !strings.HasPrefix(trimmed, "{") || !json.Valid(changes) {
		return &ValidationError{Field: field, Message: "must be a JSON object"}
	}
	return nil
}

// ValidateCallRequest checks an emergency call request.
func ValidateCallRequest(req *types.CallRequest) []ValidationError {
	var c Collector
	c.Add(ValidatePhone("contact_phone", req.ContactPhone))
	c.Add(ValidateRequired("message", req.Message))
	c.Add(ValidateMaxLength("message", req.Message, MaxMessageLength))
	if req.Location != nil {
		if req.Location.Lat < -90 || req.Location.Lat > 90 {
			c.Add(&ValidationError{Field: "location.lat", Message: "must be between -90 and 90"})
		}
		if req.Location.Lng < -180 || req.Location.Lng > 180 {
			c.Add(&ValidationError{Field: "location.lng", Message: "must be between -180 and 180"})
		}
	}
	return c.Errors()
}
