package oidckit

import (
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the decoded ID token payload. Values are only meaningful
// once the signature over them has been verified.
type TokenClaims struct {
	Issuer          string           `json:"iss"`
	Audience        jwt.ClaimStrings `json:"aud"`
	Subject         string           `json:"sub"`
	ExpiresAt       *jwt.NumericDate `json:"exp,omitempty"`
	IssuedAt        *jwt.NumericDate `json:"iat,omitempty"`
	Nonce           string           `json:"nonce,omitempty"`
	AuthorizedParty string           `json:"azp,omitempty"`
}

// ErrorCode names a blocking validation failure.
type ErrorCode string

const (
	ErrCodeMalformedToken   ErrorCode = "malformed_token"
	ErrCodeKidMissing       ErrorCode = "kid_missing"
	ErrCodeKeyNotFound      ErrorCode = "key_not_found"
	ErrCodeKeyUnreachable   ErrorCode = "key_unreachable"
	ErrCodeKeySetMalformed  ErrorCode = "key_set_malformed"
	ErrCodeSignatureInvalid ErrorCode = "signature_invalid"
	ErrCodeIssuerMismatch   ErrorCode = "issuer_mismatch"
	ErrCodeAudienceMismatch ErrorCode = "audience_mismatch"
	ErrCodeExpired          ErrorCode = "expired"
	ErrCodeNonceMismatch    ErrorCode = "nonce_mismatch"
)

// WarningCode names an advisory finding that does not affect validity.
type WarningCode string

const (
	WarnIssuedInFuture    WarningCode = "issued_at_in_future"
	WarnIssuedAtMalformed WarningCode = "issued_at_malformed"
	WarnAzpMissing        WarningCode = "azp_missing"
	WarnAzpMismatch       WarningCode = "azp_mismatch"
)

type ValidationError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type ValidationWarning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// Checks records the result of each discrete validation step.
type Checks struct {
	SignatureVerified    bool `json:"signature_verified"`
	IssuerValid          bool `json:"issuer_valid"`
	AudienceValid        bool `json:"audience_valid"`
	NotExpired           bool `json:"not_expired"`
	IssuedAtValid        bool `json:"issued_at_valid"`
	NonceValid           bool `json:"nonce_valid"`
	AuthorizedPartyValid bool `json:"authorized_party_valid"`
}

// ValidationOutcome is the full result of validating one ID token.
// Valid is true iff Errors is empty.
type ValidationOutcome struct {
	Valid    bool                `json:"valid"`
	Checks   Checks              `json:"checks"`
	KeyID    string              `json:"kid,omitempty"`
	Claims   *TokenClaims        `json:"claims,omitempty"`
	Errors   []ValidationError   `json:"errors"`
	Warnings []ValidationWarning `json:"warnings"`
}

func (o *ValidationOutcome) fail(code ErrorCode, msg string) {
	o.Errors = append(o.Errors, ValidationError{Code: code, Message: msg})
}

func (o *ValidationOutcome) warn(code WarningCode, msg string) {
	o.Warnings = append(o.Warnings, ValidationWarning{Code: code, Message: msg})
}

func (o *ValidationOutcome) finish() *ValidationOutcome {
	o.Valid = len(o.Errors) == 0
	return o
}

// HasError reports whether the outcome carries the given error code.
func (o *ValidationOutcome) HasError(code ErrorCode) bool {
	for _, e := range o.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// HasWarning reports whether the outcome carries the given warning code.
func (o *ValidationOutcome) HasWarning(code WarningCode) bool {
	for _, w := range o.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// Claims is a minimal set of user identity fields extracted from a validated ID token.
type Claims struct {
	Subject    string
	Issuer     string
	Audience   []string
	ExpiresAt  time.Time
	RawIDToken string
}
