// Package storage defines the interfaces for persisting the bridge's state:
// client registrations, in-flight authorization transactions, proxy
// authorization codes, and upstream token records. Backends include an
// in-memory store for single-process deployments and a Valkey store for
// multi-process deployments where the upstream callback can land on a
// different process than the one that started the flow.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage backends. Callers match with errors.Is.
var (
	// ErrClientNotFound indicates the client ID is not registered.
	// Intentionally generic to prevent client enumeration.
	ErrClientNotFound = errors.New("client not found")

	// ErrTransactionNotFound indicates no transaction exists for the ID.
	// A late or duplicate upstream callback surfaces as this error.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionExpired indicates the transaction outlived its TTL
	// before the upstream callback arrived.
	ErrTransactionExpired = errors.New("transaction expired")

	// ErrCodeNotFound indicates no authorization code exists for the value.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExpired indicates the authorization code outlived its TTL.
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrCodeAlreadyUsed indicates a replay: the code was already redeemed.
	// ConsumeAuthorizationCode returns the original record alongside this
	// error so the caller can revoke the associated token material.
	ErrCodeAlreadyUsed = errors.New("authorization code already used")

	// ErrIPLimitExceeded indicates the source IP is at its registration
	// quota.
	ErrIPLimitExceeded = errors.New("client registration limit reached")

	// ErrTokenRecordNotFound indicates no upstream token record exists for
	// the reference ID. Deleting the record is how revocation works.
	ErrTokenRecordNotFound = errors.New("upstream token record not found")

	// ErrVersionConflict indicates a conditional update lost a race against
	// a concurrent refresh. The loser should re-read the record.
	ErrVersionConflict = errors.New("upstream token record version conflict")
)

// Client is a registered logical client of the bridge. Every client shares
// the operator's single upstream credential; what the registry really
// remembers is the set of redirect URIs declared by each client. Records are
// immutable except for growing the redirect URI set under explicit operator
// action, and are never deleted automatically.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	TokenEndpointAuthMethod string
	RedirectURIs            []string
	ClientName              string
	Scopes                  []string
	CreatedAt               time.Time
}

// Transaction records an in-flight authorization request awaiting the
// upstream callback. The ID doubles as the state parameter sent upstream;
// the client's own state is stored opaquely and returned unchanged at
// callback time. The proxy-side PKCE verifier never leaves the bridge.
type Transaction struct {
	ID                        string
	ClientID                  string
	ClientState               string
	ClientRedirectURI         string
	ClientCodeChallenge       string
	ClientCodeChallengeMethod string
	Scope                     string
	ProxyCodeVerifier         string
	ProxyCodeChallenge        string
	CreatedAt                 time.Time
	ExpiresAt                 time.Time
}

// AuthorizationCode is a short-lived, single-use code minted by the bridge at
// callback time. It binds the upstream token record (via ReferenceID) to the
// client's original PKCE challenge and redirect URI. When the bridge forwards
// the client's PKCE pair upstream, the upstream exchange cannot happen until
// the client's verifier arrives at the token endpoint; UpstreamCode carries
// the not-yet-exchanged upstream code for that case and ReferenceID stays
// empty until the exchange completes.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	ReferenceID         string
	UpstreamCode        string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// UpstreamTokenRecord holds the upstream provider's token material and the
// identity that completed the exchange, keyed by an opaque reference ID.
// Backends encrypt AccessToken and RefreshToken at rest when an encryptor is
// configured. RefreshJTI is the jti of the currently valid proxy refresh
// token; rotating the proxy refresh token overwrites it, which is what
// invalidates the prior token. Version supports conditional updates so
// concurrent refreshes for the same reference ID resolve to one winner.
type UpstreamTokenRecord struct {
	ReferenceID  string
	AccessToken  string
	RefreshToken string // empty if the upstream did not issue one
	TokenType    string
	Expiry       time.Time // upstream access token expiry, zero if unknown
	Scope        string
	Subject      string // upstream subject identifier, passed through unchanged
	Email        string
	RefreshJTI   string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ClientStore manages client registrations. Registrations must survive
// restarts.
type ClientStore interface {
	// SaveClient persists a new client registration.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID, or ErrClientNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// AddRedirectURIs grows a client's declared redirect URI set. This is
	// the only mutation the registry supports, reserved for explicit
	// operator action. Duplicate URIs are ignored.
	AddRedirectURIs(ctx context.Context, clientID string, uris []string) error

	// ValidateClientSecret checks a confidential client's secret against
	// the stored hash. Returns ErrClientNotFound for unknown clients.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// CheckIPLimit rejects registration when an IP already holds
	// maxClientsPerIP registrations. A limit of zero disables the check.
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error

	// TrackClientIP records a successful registration against an IP for
	// CheckIPLimit accounting. Best effort; failures are logged, not
	// returned.
	TrackClientIP(ctx context.Context, ip string)
}

// TransactionStore manages in-flight authorization transactions. The store
// enforces TTL expiry independent of caller polling.
type TransactionStore interface {
	// SaveTransaction persists a transaction until consumed or expired.
	SaveTransaction(ctx context.Context, txn *Transaction) error

	// ConsumeTransaction atomically retrieves and deletes a transaction.
	// At most one concurrent caller succeeds; the rest observe
	// ErrTransactionNotFound. Expired transactions return
	// ErrTransactionExpired.
	ConsumeTransaction(ctx context.Context, id string) (*Transaction, error)
}

// CodeStore manages proxy authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode persists a freshly minted code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically checks that a code is unused and
	// marks it used. Exactly one concurrent redemption succeeds. A replay
	// returns the original record together with ErrCodeAlreadyUsed so the
	// caller can revoke the associated reference ID.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code record.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore is the upstream token store, keyed by reference ID. Records
// must survive restarts.
type TokenStore interface {
	// PutUpstreamToken stores a new record. The record's Version is set by
	// the store.
	PutUpstreamToken(ctx context.Context, rec *UpstreamTokenRecord) error

	// GetUpstreamToken retrieves a record, or ErrTokenRecordNotFound.
	GetUpstreamToken(ctx context.Context, referenceID string) (*UpstreamTokenRecord, error)

	// UpdateUpstreamToken replaces a record if and only if the stored
	// version matches rec.Version; on success the stored version is
	// incremented. A concurrent writer observes ErrVersionConflict and
	// should re-read. This is the serialization point for refreshes.
	UpdateUpstreamToken(ctx context.Context, rec *UpstreamTokenRecord) error

	// DeleteUpstreamToken removes a record. Deleting is how revocation
	// works: signed refresh tokens that still verify stop resolving.
	DeleteUpstreamToken(ctx context.Context, referenceID string) error
}
