package protection

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig marks protection settings rejected at construction time.
	ErrInvalidConfig = errors.New("protection: invalid configuration")
	// ErrSequenceViolation is returned when a sample timestamp does not advance.
	ErrSequenceViolation = errors.New("protection: non-monotonic sample timestamp")
	// ErrNotFound indicates a missing trip event record.
	ErrNotFound = errors.New("protection: not found")

	errNilFunction = errors.New("protection: nil function")
)

// ConfigError describes a rejected protection setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("protection: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

func invalid(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}
