package models

import (
	"errors"
	"fmt"
)

var (
	ErrConfig              = errors.New("config error")
	ErrAuth                = errors.New("authentication failed")
	ErrRateLimit           = errors.New("rate limited")
	ErrNetworkTimeout      = errors.New("network timeout")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinimumSize    = errors.New("below minimum order size")
	ErrInvalidSymbol       = errors.New("invalid symbol")
	ErrUnknownExchange     = errors.New("unknown exchange")
	ErrExchange            = errors.New("exchange rejected request")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInternalInvariant   = errors.New("internal invariant violated")
)

// ConfigError is returned before any state is mutated.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %s", e.Reason)
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// NewConfigError builds a ConfigError.
func NewConfigError(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExchangeError carries the raw exchange response alongside its classified kind.
type ExchangeError struct {
	Kind     error
	Exchange string
	Code     int64
	Message  string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s: %v (code=%d, msg=%s)", e.Exchange, e.Kind, e.Code, e.Message)
}

func (e *ExchangeError) Unwrap() error { return e.Kind }

// InvariantError means local and remote state can no longer be reconciled safely.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string { return "internal invariant violated: " + e.Message }

func (e *InvariantError) Unwrap() error { return ErrInternalInvariant }

// NewInvariantError builds an InvariantError.
func NewInvariantError(format string, args ...interface{}) error {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// IsTransient reports errors that are retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrNetworkTimeout)
}

// IsBusinessRejection reports errors that deactivate the offending level.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrBelowMinimumSize) ||
		errors.Is(err, ErrExchange)
}

// IsFatal reports errors that drive the bot to ERROR.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrInternalInvariant)
}
