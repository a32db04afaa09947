package validation

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ConfigValidator validates configuration values fluently and collects every
// failure instead of stopping at the first.
type ConfigValidator struct {
	errors []error
	name   string
}

// NewConfigValidator creates a validator whose messages are prefixed with configName.
func NewConfigValidator(configName string) *ConfigValidator {
	return &ConfigValidator{name: configName}
}

func (cv *ConfigValidator) fail(field, format string, args ...any) *ConfigValidator {
	cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %s", cv.name, field, fmt.Sprintf(format, args...)))
	return cv
}

// Required validates that a string field is not empty.
func (cv *ConfigValidator) Required(field, value string) *ConfigValidator {
	if value == "" {
		return cv.fail(field, "required field is empty")
	}
	return cv
}

// Identifier validates node, group and endpoint names.
func (cv *ConfigValidator) Identifier(field, value string) *ConfigValidator {
	if value == "" {
		return cv.fail(field, "required field is empty")
	}
	if !identifierPattern.MatchString(value) {
		return cv.fail(field, "%q is not a valid identifier", value)
	}
	return cv
}

// HostPort validates a host:port address.
func (cv *ConfigValidator) HostPort(field, value string) *ConfigValidator {
	if _, port, err := net.SplitHostPort(value); err != nil {
		return cv.fail(field, "%q is not host:port: %v", value, err)
	} else if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return cv.fail(field, "port %q out of range", port)
	}
	return cv
}

// RangeInt validates that an int field is within [min, max].
func (cv *ConfigValidator) RangeInt(field string, value, min, max int) *ConfigValidator {
	if value < min || value > max {
		return cv.fail(field, "value %d is outside range [%d, %d]", value, min, max)
	}
	return cv
}

// Positive validates that an int field is > 0.
func (cv *ConfigValidator) Positive(field string, value int) *ConfigValidator {
	if value <= 0 {
		return cv.fail(field, "value %d must be positive", value)
	}
	return cv
}

// PositiveInt64 validates that an int64 field is > 0.
func (cv *ConfigValidator) PositiveInt64(field string, value int64) *ConfigValidator {
	if value <= 0 {
		return cv.fail(field, "value %d must be positive", value)
	}
	return cv
}

// MinDuration validates that a duration is at least min.
func (cv *ConfigValidator) MinDuration(field string, value, min time.Duration) *ConfigValidator {
	if value < min {
		return cv.fail(field, "duration %v is below minimum %v", value, min)
	}
	return cv
}

// Before validates that a is strictly shorter than b.
func (cv *ConfigValidator) Before(field string, a, b time.Duration, bName string) *ConfigValidator {
	if a >= b {
		return cv.fail(field, "%v must be shorter than %s (%v)", a, bName, b)
	}
	return cv
}

// OneOf validates that a string field is one of the allowed values.
func (cv *ConfigValidator) OneOf(field, value string, allowed ...string) *ConfigValidator {
	for _, a := range allowed {
		if value == a {
			return cv
		}
	}
	return cv.fail(field, "value %q must be one of %v", value, allowed)
}

// Unique validates that no value repeats.
func (cv *ConfigValidator) Unique(field string, values []string) *ConfigValidator {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			cv.fail(field, "duplicate value %q", v)
			continue
		}
		seen[v] = struct{}{}
	}
	return cv
}

// Custom applies an arbitrary check.
func (cv *ConfigValidator) Custom(field string, fn func() error) *ConfigValidator {
	if err := fn(); err != nil {
		cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %w", cv.name, field, err))
	}
	return cv
}

// When applies validations only if condition holds.
func (cv *ConfigValidator) When(condition bool, validations func(*ConfigValidator)) *ConfigValidator {
	if condition {
		validations(cv)
	}
	return cv
}

// Nested runs validations under a sub-prefix, e.g. "cluster.groups[0]".
func (cv *ConfigValidator) Nested(name string, validations func(*ConfigValidator)) *ConfigValidator {
	sub := &ConfigValidator{name: cv.name + "." + name}
	validations(sub)
	cv.errors = append(cv.errors, sub.errors...)
	return cv
}

// Errors returns all collected errors.
func (cv *ConfigValidator) Errors() []error {
	return cv.errors
}

// Validate returns nil or every collected error joined.
func (cv *ConfigValidator) Validate() error {
	return errors.Join(cv.errors...)
}

// DefaultOrInt returns value when positive, otherwise def.
func DefaultOrInt(value, def int) int {
	if value <= 0 {
		return def
	}
	return value
}

// DefaultOrInt64 returns value when positive, otherwise def.
func DefaultOrInt64(value, def int64) int64 {
	if value <= 0 {
		return def
	}
	return value
}

// DefaultOrDuration returns value when positive, otherwise def.
func DefaultOrDuration(value, def time.Duration) time.Duration {
	if value <= 0 {
		return def
	}
	return value
}

// DefaultOr returns value unless it is the zero value.
func DefaultOr[T comparable](value, def T) T {
	var zero T
	if value == zero {
		return def
	}
	return value
}
