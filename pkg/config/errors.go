package config

import (
	stderrors "errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigError locates a problem in the YAML document. Section is the
// top-level key and Option the key below it. Either may be empty when the
// problem is not tied to one key.
type ConfigError struct {
	Section string
	Option  string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Option != "":
		return fmt.Sprintf("Option '%s' in section '%s': %s", e.Option, e.Section, e.Message)
	case e.Section != "":
		return fmt.Sprintf("Section '%s': %s", e.Section, e.Message)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// Key returns the dotted path of the offending key, e.g. "channels.force_sensor".
func (e *ConfigError) Key() string {
	return strings.Trim(e.Section+"."+e.Option, ".")
}

func keyError(section, option, format string, args ...any) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: fmt.Sprintf(format, args...)}
}

// NewConfigError reports message against section and option.
func NewConfigError(section, option, message string) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: message}
}

// WrapError attaches a key to err.
func WrapError(section, option string, err error) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: err.Error(), Cause: err}
}

// decodeError flattens a YAML decode failure. Type errors carry one line per
// bad key and are joined so every problem shows in a single message.
func decodeError(err error) *ConfigError {
	var te *yaml.TypeError
	if stderrors.As(err, &te) {
		return &ConfigError{Message: "yaml: " + strings.Join(te.Errors, "; "), Cause: err}
	}
	return WrapError("", "", err)
}

func ErrMissingOption(section, option string) *ConfigError {
	return keyError(section, option, "must be specified")
}

// ErrInvalidValue reports a value of the wrong shape, such as a channel
// declared with the wrong kind.
func ErrInvalidValue(section, option, value, expected string) *ConfigError {
	return keyError(section, option, "got %q, want %s", value, expected)
}

func ErrOutOfRange(section, option string, value float64, constraint string) *ConfigError {
	return keyError(section, option, "%v %s", value, constraint)
}

func ErrInvalidChoice(section, option, value string, choices []string) *ConfigError {
	return keyError(section, option, "%q is not one of %s", value, strings.Join(choices, ", "))
}
