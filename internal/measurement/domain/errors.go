package measurement

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig marks configuration values rejected at construction time.
var ErrInvalidConfig = errors.New("measurement: invalid configuration")

// ConfigError describes a rejected configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("measurement: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

func invalid(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}
