// Package errs provides structured error types shared across the connector.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a venue error category. The retry policy keys off it.
type Code string

const (
	// CodeGatewayTransient indicates a Cloudflare-style gateway failure (HTTP 5xx/10xx).
	CodeGatewayTransient Code = "gateway_transient"
	// CodeCancelOnly indicates the venue is in a market-wide cancel-only window.
	CodeCancelOnly Code = "cancel_only"
	// CodeAuthNonce indicates the request was rejected for an invalid API nonce.
	CodeAuthNonce Code = "auth_nonce"
	// CodeValidation indicates invalid input supplied by the caller.
	CodeValidation Code = "invalid_request"
	// CodeOrderNotFound indicates the referenced order does not exist at the venue.
	CodeOrderNotFound Code = "order_not_found"
	// CodeExchange indicates an application-level venue failure with no better class.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a transport failure before a venue response arrived.
	CodeNetwork Code = "network"
)

// E captures structured error information produced across the connector.
type E struct {
	Venue       string
	Code        Code
	HTTP        int
	Path        string
	RawMsg      string
	Message     string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue: strings.TrimSpace(venue),
		Code:  code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithPath records the venue endpoint path the failure came from.
func WithPath(path string) Option {
	trimmed := strings.TrimSpace(path)
	return func(e *E) {
		e.Path = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// Transient reports whether the error belongs to a retryable category.
func (e *E) Transient() bool {
	if e == nil {
		return false
	}
	return e.Code == CodeGatewayTransient || e.Code == CodeCancelOnly
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the classification code from err, or an empty code
// when err does not carry an envelope.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the provided classification code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
