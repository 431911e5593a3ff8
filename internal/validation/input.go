// input.go checks request fields before anything is sent to the registry: registry
// identifiers, amounts, enum members and required values.
package validation

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/samber/lo"
)

// MinIdentifierLength is the shortest organization id the registry issues
const MinIdentifierLength = 32

// ErrInvalidInput matches every *Errors value. Use errors.Is(err, validation.ErrInvalidInput).
var ErrInvalidInput = errors.New("invalid input")

// FieldError is one rejected field
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Errors collects every rejected field of one request
type Errors []FieldError

func (e Errors) Error() string {
	parts := lo.Map(e, func(fe FieldError, _ int) string {
		return fe.Field + " " + fe.Reason
	})
	return "invalid input: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrInvalidInput) true
func (e Errors) Is(target error) bool {
	return target == ErrInvalidInput
}

// Checker accumulates field errors. The zero value is ready to use.
type Checker struct {
	errs Errors
}

// Fail records a rejected field
func (c *Checker) Fail(field, format string, args ...interface{}) *Checker {
	c.errs = append(c.errs, FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
	return c
}

// Required rejects empty or whitespace-only values
func (c *Checker) Required(field, value string) *Checker {
	if strings.TrimSpace(value) == "" {
		c.Fail(field, "is required")
	}
	return c
}

// Identifier rejects registry ids shorter than MinIdentifierLength
func (c *Checker) Identifier(field, value string) *Checker {
	if len(strings.TrimSpace(value)) < MinIdentifierLength {
		c.Fail(field, "must be at least %d characters", MinIdentifierLength)
	}
	return c
}

// PositiveAmount rejects zero, negative and NaN amounts
func (c *Checker) PositiveAmount(field string, value float64) *Checker {
	if !(value > 0) {
		c.Fail(field, "must be greater than 0")
	}
	return c
}

// Email rejects values that are not a single bare address
func (c *Checker) Email(field, value string) *Checker {
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value {
		c.Fail(field, "must be a valid email address")
	}
	return c
}

// Err returns the collected errors, or nil
func (c *Checker) Err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

// OneOf rejects values outside allowed
func OneOf[T comparable](c *Checker, field string, value T, allowed []T) *Checker {
	if !lo.Contains(allowed, value) {
		c.Fail(field, "must be one of %v", allowed)
	}
	return c
}
