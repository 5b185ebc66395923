package grant

import (
	"errors"
	"fmt"
	"strings"
)

// Token endpoint error codes (RFC 6749 §5.2, RFC 8628 §3.5, CIBA §11).
const (
	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
	CodeExpiredToken         = "expired_token"
	CodeAccessDenied         = "access_denied"

	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidScope         = "invalid_scope"
	CodeTransactionFailed    = "transaction_failed"

	// CodeTransportError labels Error states caused by repeated transport
	// or decoding failures rather than a server error code.
	CodeTransportError = "transport_error"
)

// terminalCodes end a poll loop immediately. Unrecognized codes are retried
// like transport failures.
var terminalCodes = map[string]struct{}{
	CodeInvalidRequest:       {},
	CodeInvalidClient:        {},
	CodeInvalidGrant:         {},
	CodeUnauthorizedClient:   {},
	CodeUnsupportedGrantType: {},
	CodeInvalidScope:         {},
	CodeTransactionFailed:    {},
}

var (
	ErrNoDeadline       = errors.New("grant: poll requires an expiry deadline")
	ErrSessionCancelled = errors.New("grant: session cancelled")
	ErrSessionNotFound  = errors.New("grant: session not found")
	ErrNotPollMode      = errors.New("grant: delivery mode does not use polling")
)

// ProtocolError is an OAuth error response from a token or initiation endpoint.
type ProtocolError struct {
	Code        string
	Description string
	// Interval is the server-suggested polling interval in seconds, 0 if absent.
	Interval int
	Status   int
}

func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return "grant: " + e.Code
	}
	return fmt.Sprintf("grant: %s: %s", e.Code, e.Description)
}

// FieldError names one offending initiation parameter.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// InitiationError is returned before any network call when grant parameters
// are inconsistent.
type InitiationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *InitiationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "grant: invalid initiation: " + strings.Join(parts, "; ")
}

// Has reports whether field is among the offending fields.
func (e *InitiationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

type fieldErrors []FieldError

func (fe *fieldErrors) add(reason string, fields ...string) {
	for _, f := range fields {
		*fe = append(*fe, FieldError{Field: f, Reason: reason})
	}
}

func (fe fieldErrors) err() error {
	if len(fe) == 0 {
		return nil
	}
	return &InitiationError{Fields: fe}
}
