package adapter

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrUnauthenticated = errors.New("no usable credential")
	ErrMessageTooLong  = errors.New("message too long")
	ErrNotReady        = errors.New("no live transport")
	ErrUnsupported     = errors.New("operation not supported by this platform")
	ErrEmptyMessage    = errors.New("message is empty")
)

// ConfigError marks failures the host must fix before retrying: missing
// credentials, unresolved chatroom or live chat ids, bad catalog keys.
// Adapters never schedule automatic retries for them.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Configf builds a ConfigError.
func Configf(op, format string, args ...any) error {
	return &ConfigError{Op: op, Err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether err (or anything it wraps) is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// CheckSend applies the validation shared by all adapters, in the order the
// host sees them: credential, length, transport.
func CheckSend(text string, limit int, hasCredential, ready bool) error {
	if !hasCredential {
		return ErrUnauthenticated
	}
	if text == "" {
		return ErrEmptyMessage
	}
	if limit > 0 && utf8.RuneCountInString(text) > limit {
		return fmt.Errorf("%w: %d > %d characters", ErrMessageTooLong, utf8.RuneCountInString(text), limit)
	}
	if !ready {
		return ErrNotReady
	}
	return nil
}
