// Package tokens issues and verifies the bridge's own signed tokens. Access
// and refresh tokens are HS256 JWTs whose subject is the opaque reference ID
// into the upstream token store; the refresh token's jti is additionally
// recorded on the upstream token record, so deleting or rotating that record
// revokes the token even while its signature still verifies.
package tokens

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token use values carried in the token_use claim. Verification enforces
// them so an access token can never be replayed at the refresh grant and
// vice versa.
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

// Default lifetimes, overridable via Options.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
	DefaultLeeway     = 5 * time.Second
)

// minSigningKeyLength guards against weak HS256 keys (RFC 7518 Section 3.2
// requires keys at least as long as the hash output).
const minSigningKeyLength = 32

// ErrTokenInvalid covers every verification failure: bad signature, expiry,
// malformed claims, or wrong token use. Deliberately generic so callers
// return a single authentication-required response.
var ErrTokenInvalid = errors.New("token invalid")

// Claims is the verified content of a bridge token.
type Claims struct {
	// ReferenceID is the subject: the key into the upstream token store.
	ReferenceID string

	// Scopes are the granted scopes carried by the token.
	Scopes []string

	// JTI is the token's unique identifier. For refresh tokens it is the
	// stable lookup key recorded on the upstream token record.
	JTI string

	// Use is UseAccess or UseRefresh.
	Use string

	// ExpiresAt is the token expiry.
	ExpiresAt time.Time
}

type bridgeClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope,omitempty"`
	TokenUse string `json:"token_use"`
}

// Options configures an Issuer.
type Options struct {
	// Issuer is the iss claim, normally the bridge's base URL.
	Issuer string

	// AccessTTL and RefreshTTL override the default lifetimes.
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Leeway is the clock-skew grace applied during verification.
	Leeway time.Duration
}

// Issuer creates and validates bridge tokens. The signing key must remain
// stable across restarts or outstanding refresh tokens stop verifying.
type Issuer struct {
	key        []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	parser     *jwt.Parser
	now        func() time.Time
}

// NewIssuer creates an issuer from an operator-supplied signing key.
func NewIssuer(signingKey []byte, opts Options) (*Issuer, error) {
	if len(signingKey) < minSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", minSigningKeyLength, len(signingKey))
	}

	accessTTL := opts.AccessTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := opts.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}

	return &Issuer{
		key:        signingKey,
		issuer:     opts.Issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		parser:     jwt.NewParser(parserOpts...),
		now:        time.Now,
	}, nil
}

// IssueAccess mints a short-lived access token bound to a reference ID.
// Returns the signed token and its expiry.
func (i *Issuer) IssueAccess(referenceID string, scopes []string) (string, time.Time, error) {
	return i.issue(referenceID, scopes, UseAccess, i.accessTTL)
}

// IssueRefresh mints a refresh token with a fresh jti. The caller records
// the jti on the upstream token record before handing the token out.
func (i *Issuer) IssueRefresh(referenceID string, scopes []string) (token, jti string, err error) {
	jti = uuid.NewString()
	token, _, err = i.issueWithJTI(referenceID, scopes, UseRefresh, i.refreshTTL, jti)
	return token, jti, err
}

func (i *Issuer) issue(referenceID string, scopes []string, use string, ttl time.Duration) (string, time.Time, error) {
	return i.issueWithJTI(referenceID, scopes, use, ttl, uuid.NewString())
}

func (i *Issuer) issueWithJTI(referenceID string, scopes []string, use string, ttl time.Duration, jti string) (string, time.Time, error) {
	if referenceID == "" {
		return "", time.Time{}, fmt.Errorf("reference ID is required")
	}

	now := i.now()
	expiry := now.Add(ttl)

	claims := bridgeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   referenceID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		Scope:    strings.Join(scopes, " "),
		TokenUse: use,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiry, nil
}

// Verify checks a token's signature, expiry, and issuer, and returns its
// claims. Any failure is reported as ErrTokenInvalid; the underlying cause
// is wrapped for logging but must not be shown to clients.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	var claims bridgeClaims
	_, err := i.parser.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return i.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing subject or jti", ErrTokenInvalid)
	}
	if claims.TokenUse != UseAccess && claims.TokenUse != UseRefresh {
		return nil, fmt.Errorf("%w: unknown token_use %q", ErrTokenInvalid, claims.TokenUse)
	}

	var scopes []string
	if claims.Scope != "" {
		scopes = strings.Fields(claims.Scope)
	}

	return &Claims{
		ReferenceID: claims.Subject,
		Scopes:      scopes,
		JTI:         claims.ID,
		Use:         claims.TokenUse,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// VerifyUse verifies a token and additionally requires the given token use.
func (i *Issuer) VerifyUse(tokenString, use string) (*Claims, error) {
	claims, err := i.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Use != use {
		return nil, fmt.Errorf("%w: token_use %q, want %q", ErrTokenInvalid, claims.Use, use)
	}
	return claims, nil
}
