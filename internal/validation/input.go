// Package validation holds input checks for user-entered values and the
// adapter around the remote rule engine.
package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hyperengineering/fieldkit/internal/types"
)

// Input limits.
const (
	MaxValueLength      = 50000
	MaxCommentLength    = 50000
	MaxIdentifierLength = 64
)

// ErrInvalidInput is wrapped by every InputError.
var ErrInvalidInput = errors.New("invalid input")

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// InputError carries all failures of one input.
type InputError struct {
	Errors []ValidationError
}

func (e *InputError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.Field+" "+ve.Message)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidInput, strings.Join(msgs, "; "))
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

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

// Err returns an *InputError when errors were collected, nil otherwise.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	return &InputError{Errors: c.errors}
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
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

// ValidateIdentifier returns an error unless value is a usable metadata id:
// non-empty, bounded, without whitespace or path separators.
func ValidateIdentifier(field, value string) *ValidationError {
	if value == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if len(value) > MaxIdentifierLength {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", MaxIdentifierLength),
		}
	}
	for _, r := range value {
		if r == '/' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return &ValidationError{Field: field, Message: "must not contain whitespace or '/'"}
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
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

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
		}
	}
	return nil
}

// ValidateValueType checks a non-empty value against a data element's
// declared type. Unknown and text types accept anything.
func ValidateValueType(field, value string, vt types.ValueType) *ValidationError {
	if value == "" {
		return nil
	}
	switch vt {
	case types.ValueTypeNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return &ValidationError{Field: field, Message: "must be a number"}
		}
	case types.ValueTypeInteger:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return &ValidationError{Field: field, Message: "must be an integer"}
		}
	case types.ValueTypeIntegerPositive:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive integer"}
		}
	case types.ValueTypeBoolean:
		if value != "true" && value != "false" {
			return &ValidationError{Field: field, Message: "must be true or false"}
		}
	}
	return nil
}

// ValidateInstanceKey checks every component of an instance key.
func ValidateInstanceKey(key types.InstanceKey) error {
	var c Collector
	c.Add(ValidateIdentifier("program_id", key.ProgramID))
	c.Add(ValidateIdentifier("period", key.Period))
	c.Add(ValidateIdentifier("org_unit_id", key.OrgUnitID))
	c.Add(ValidateIdentifier("attribute_option_combo_id", key.AttributeOptionComboID))
	return c.Err()
}

// ValidateDraftInput checks a value and comment entered for a field. vt is
// the element's declared type, or "" when the shape is not known.
func ValidateDraftInput(key types.FieldKey, value, comment *string, vt types.ValueType) error {
	var c Collector
	c.Add(ValidateIdentifier("program_id", key.Instance.ProgramID))
	c.Add(ValidateIdentifier("period", key.Instance.Period))
	c.Add(ValidateIdentifier("org_unit_id", key.Instance.OrgUnitID))
	c.Add(ValidateIdentifier("attribute_option_combo_id", key.Instance.AttributeOptionComboID))
	c.Add(ValidateIdentifier("data_element_id", key.DataElementID))
	c.Add(ValidateIdentifier("category_option_combo_id", key.CategoryOptionComboID))
	if value != nil {
		c.Add(ValidateUTF8("value", *value))
		c.Add(ValidateNoNullBytes("value", *value))
		c.Add(ValidateMaxLength("value", *value, MaxValueLength))
		c.Add(ValidateValueType("value", *value, vt))
	}
	if comment != nil {
		c.Add(ValidateUTF8("comment", *comment))
		c.Add(ValidateNoNullBytes("comment", *comment))
		c.Add(ValidateMaxLength("comment", *comment, MaxCommentLength))
	}
	return c.Err()
}
