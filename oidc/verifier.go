package oidckit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/sirupsen/logrus"
)

// DefaultIssuedAtSkew is how far in the future iat may be before a warning is raised.
const DefaultIssuedAtSkew = 60 * time.Second

// DefaultAlgorithms are the JWS algorithms accepted for ID tokens.
var DefaultAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}

// KeyResolver looks up the verification key for a token.
type KeyResolver interface {
	Resolve(ctx context.Context, issuer, jwksURI, kid string) (SigningKey, error)
}

// TokenValidator verifies ID token signatures and OIDC claims. It holds no
// per-call state and is safe for concurrent use.
type TokenValidator struct {
	resolver KeyResolver
	now      func() time.Time
	iatSkew  time.Duration
	algs     map[string]struct{}
	log      logrus.FieldLogger
}

// ValidatorOpt configures a TokenValidator.
type ValidatorOpt func(*TokenValidator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ValidatorOpt {
	return func(v *TokenValidator) { v.now = now }
}

// WithIssuedAtSkew overrides DefaultIssuedAtSkew.
func WithIssuedAtSkew(d time.Duration) ValidatorOpt {
	return func(v *TokenValidator) { v.iatSkew = d }
}

// WithAlgorithms restricts accepted signing algorithms. "none" is never accepted.
func WithAlgorithms(algs ...string) ValidatorOpt {
	return func(v *TokenValidator) {
		v.algs = make(map[string]struct{}, len(algs))
		for _, a := range algs {
			v.algs[a] = struct{}{}
		}
	}
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(l logrus.FieldLogger) ValidatorOpt {
	return func(v *TokenValidator) { v.log = l }
}

func NewTokenValidator(resolver KeyResolver, opts ...ValidatorOpt) *TokenValidator {
	v := &TokenValidator{
		resolver: resolver,
		now:      time.Now,
		iatSkew:  DefaultIssuedAtSkew,
		log:      logrus.StandardLogger(),
	}
	WithAlgorithms(DefaultAlgorithms...)(v)
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type expectations struct {
	nonce   string
	jwksURI string
}

// ValidateOpt supplies optional expectations for a single Validate call.
type ValidateOpt func(*expectations)

// WithNonce requires the token's nonce claim to equal nonce.
func WithNonce(nonce string) ValidateOpt {
	return func(e *expectations) { e.nonce = nonce }
}

// WithJWKSURI sets the key set location instead of deriving it from the issuer.
func WithJWKSURI(uri string) ValidateOpt {
	return func(e *expectations) { e.jwksURI = uri }
}

// Validate checks rawToken against the expected issuer and audience (client id).
// The signature is verified before any claim is examined; a failure there ends
// validation. Claim checks are independent so every problem is reported.
func (v *TokenValidator) Validate(ctx context.Context, rawToken, issuer, audience string, opts ...ValidateOpt) *ValidationOutcome {
	var exp expectations
	for _, opt := range opts {
		opt(&exp)
	}
	out := &ValidationOutcome{Errors: []ValidationError{}, Warnings: []ValidationWarning{}}
	log := v.log.WithField("issuer", issuer)

	seg, ok := splitToken(rawToken)
	if !ok {
		out.fail(ErrCodeMalformedToken, "token must be three base64url segments with JSON object header and payload")
		return out.finish()
	}
	kid, ok := stringMember(seg.header, "kid")
	if !ok || kid == "" {
		out.fail(ErrCodeKidMissing, "token header has no string kid")
		return out.finish()
	}
	out.KeyID = kid
	alg, _ := stringMember(seg.header, "alg")
	log = log.WithField("kid", kid)

	jwksURI := exp.jwksURI
	if jwksURI == "" {
		jwksURI = JWKSURIFor(issuer)
	}
	key, err := v.resolver.Resolve(ctx, issuer, jwksURI, kid)
	if err != nil {
		log.WithError(err).Debug("signing key resolution failed")
		code := resolveErrorCode(err)
		out.fail(code, resolveMessages[code])
		return out.finish()
	}

	if err := v.verifySignature(rawToken, alg, key); err != nil {
		log.WithError(err).Debug("signature verification failed")
		out.fail(ErrCodeSignatureInvalid, signatureReason(err))
		return out.finish()
	}
	out.Checks.SignatureVerified = true

	claims := decodeClaims(seg.payload)
	out.Claims = &claims.TokenClaims
	v.checkClaims(out, claims, issuer, audience, exp.nonce)
	return out.finish()
}

type segments struct {
	header  map[string]json.RawMessage
	payload map[string]json.RawMessage
}

// splitToken decodes the header and payload of a compact JWS without
// interpreting any member, so a badly typed claim cannot hide the others.
func splitToken(raw string) (segments, bool) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return segments{}, false
	}
	var seg segments
	if !decodeObject(parts[0], &seg.header) || !decodeObject(parts[1], &seg.payload) {
		return segments{}, false
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return segments{}, false
	}
	return seg, true
}

func decodeObject(part string, dst *map[string]json.RawMessage) bool {
	b, err := base64.RawURLEncoding.DecodeString(part)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, dst) == nil && *dst != nil
}

// stringMember reports false when name is absent, null or not a string.
func stringMember(m map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := m[name]
	if !ok {
		return "", false
	}
	var s *string
	if json.Unmarshal(raw, &s) != nil || s == nil {
		return "", false
	}
	return *s, true
}

// decodedClaims records which present claims had the wrong JSON type.
type decodedClaims struct {
	TokenClaims
	badIss, badAud, badExp, badIat, badNonce, badAzp bool
}

func decodeClaims(p map[string]json.RawMessage) decodedClaims {
	var d decodedClaims
	member := func(name string, dst any) bool {
		raw, ok := p[name]
		if !ok {
			return true
		}
		return json.Unmarshal(raw, dst) == nil
	}
	str := func(name string, dst *string) bool {
		if _, present := p[name]; !present {
			return true
		}
		s, ok := stringMember(p, name)
		*dst = s
		return ok
	}
	d.badIss = !str("iss", &d.Issuer)
	d.badAud = !member("aud", &d.Audience)
	d.badExp = !member("exp", &d.ExpiresAt)
	d.badIat = !member("iat", &d.IssuedAt)
	d.badNonce = !str("nonce", &d.Nonce)
	d.badAzp = !str("azp", &d.AuthorizedParty)
	str("sub", &d.Subject)
	if d.badAud {
		d.Audience = nil
	}
	if d.badExp {
		d.ExpiresAt = nil
	}
	if d.badIat {
		d.IssuedAt = nil
	}
	return d
}

var resolveMessages = map[ErrorCode]string{
	ErrCodeKeyNotFound:     "issuer key set has no key with the token's kid",
	ErrCodeKeyUnreachable:  "issuer key set could not be fetched",
	ErrCodeKeySetMalformed: "issuer key set is not a valid JWKS document",
}

var (
	errUnsigned       = errors.New("unsigned tokens are not accepted")
	errAlgNotAccepted = errors.New("token algorithm is not accepted")
	errAlgMismatch    = errors.New("token algorithm does not match the key algorithm")
	errKeyUnusable    = errors.New("verification key is unusable")
	errBadSignature   = errors.New("signature does not verify against the resolved key")
)

// signatureReason returns the fixed outcome message for a verification failure.
func signatureReason(err error) string {
	for _, e := range []error{errUnsigned, errAlgNotAccepted, errAlgMismatch, errKeyUnusable} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return errBadSignature.Error()
}

func (v *TokenValidator) verifySignature(rawToken, alg string, key SigningKey) error {
	if alg == "" || alg == jwa.NoSignature.String() {
		return errUnsigned
	}
	if _, ok := v.algs[alg]; !ok {
		return fmt.Errorf("%w: %s", errAlgNotAccepted, alg)
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return fmt.Errorf("%w: token %s, key %s", errAlgMismatch, alg, key.Algorithm)
	}
	pub, err := key.PublicKey()
	if err != nil {
		return fmt.Errorf("%w: %w", errKeyUnusable, err)
	}
	if _, err := jws.Verify([]byte(rawToken), jws.WithKey(jwa.SignatureAlgorithm(alg), pub)); err != nil {
		return fmt.Errorf("%w: %w", errBadSignature, err)
	}
	return nil
}

func (v *TokenValidator) checkClaims(out *ValidationOutcome, c decodedClaims, issuer, audience, nonce string) {
	now := v.now()

	switch {
	case c.badIss:
		out.fail(ErrCodeIssuerMismatch, "iss claim is not a string")
	case c.Issuer == issuer:
		out.Checks.IssuerValid = true
	default:
		out.fail(ErrCodeIssuerMismatch, fmt.Sprintf("iss %q does not match expected issuer %q", c.Issuer, issuer))
	}

	switch {
	case c.badAud:
		out.fail(ErrCodeAudienceMismatch, "aud claim is not a string or array of strings")
	case containsString(c.Audience, audience):
		out.Checks.AudienceValid = true
	default:
		out.fail(ErrCodeAudienceMismatch, fmt.Sprintf("aud %v does not contain %q", []string(c.Audience), audience))
	}

	switch {
	case c.badExp:
		out.fail(ErrCodeExpired, "exp claim is not a number")
	case c.ExpiresAt == nil:
		out.fail(ErrCodeExpired, "exp claim is missing")
	case !c.ExpiresAt.Time.After(now):
		out.fail(ErrCodeExpired, fmt.Sprintf("token expired at %s", c.ExpiresAt.Time.UTC().Format(time.RFC3339)))
	default:
		out.Checks.NotExpired = true
	}

	out.Checks.IssuedAtValid = true
	switch {
	case c.badIat:
		out.Checks.IssuedAtValid = false
		out.warn(WarnIssuedAtMalformed, "iat claim is not a number")
	case c.IssuedAt != nil && c.IssuedAt.Time.After(now.Add(v.iatSkew)):
		out.Checks.IssuedAtValid = false
		out.warn(WarnIssuedInFuture, fmt.Sprintf("iat is %s in the future", c.IssuedAt.Time.Sub(now).Round(time.Second)))
	}

	switch {
	case nonce == "":
		out.Checks.NonceValid = true
	case !c.badNonce && c.Nonce == nonce:
		out.Checks.NonceValid = true
	default:
		out.fail(ErrCodeNonceMismatch, "nonce claim does not match the expected nonce")
	}

	out.Checks.AuthorizedPartyValid = true
	if len(c.Audience) > 1 {
		switch {
		case c.badAzp:
			out.Checks.AuthorizedPartyValid = false
			out.warn(WarnAzpMismatch, "azp claim is not a string")
		case c.AuthorizedParty == "":
			out.Checks.AuthorizedPartyValid = false
			out.warn(WarnAzpMissing, "multi-audience token has no azp claim")
		case c.AuthorizedParty != audience:
			out.Checks.AuthorizedPartyValid = false
			out.warn(WarnAzpMismatch, fmt.Sprintf("azp %q is not %q", c.AuthorizedParty, audience))
		}
	}
}

func resolveErrorCode(err error) ErrorCode {
	var re *ResolveError
	if errors.As(err, &re) {
		switch re.Kind {
		case ResolveKeyNotFound:
			return ErrCodeKeyNotFound
		case ResolveMalformed:
			return ErrCodeKeySetMalformed
		}
	}
	return ErrCodeKeyUnreachable
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
