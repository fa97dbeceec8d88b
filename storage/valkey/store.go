// Package valkey provides a Valkey-backed implementation of every storage
// interface. It is the backend for multi-process deployments: the upstream
// callback can land on any process, so transactions, codes, clients, and
// upstream token records all live server-side. Security-critical consume
// operations run as Lua scripts so they stay atomic across processes.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-bridge/security"
	"github.com/giantswarm/oauth-bridge/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "bridge:"

	// clientIPTrackingTTL bounds how long registration counters per IP live.
	clientIPTrackingTTL = 24 * time.Hour

	// connectionVerifyTimeout is the timeout for the initial ping.
	connectionVerifyTimeout = 5 * time.Second

	// idLogLength is how many characters of an identifier appear in logs.
	idLogLength = 8
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional authentication password.
	Password string

	// DB is the optional database number.
	DB int

	// KeyPrefix is the prefix for all keys (default "bridge:").
	KeyPrefix string

	// TLS is the optional TLS configuration.
	TLS *tls.Config

	// Logger is the optional structured logger.
	Logger *slog.Logger
}

// Store is the Valkey-backed implementation of ClientStore,
// TransactionStore, CodeStore, and TokenStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	encryptorMu sync.RWMutex
	encryptor   *security.Encryptor
}

var (
	_ storage.ClientStore      = (*Store)(nil)
	_ storage.TransactionStore = (*Store)(nil)
	_ storage.CodeStore        = (*Store)(nil)
	_ storage.TokenStore       = (*Store)(nil)
)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the client connection.
func (s *Store) Close() {
	s.client.Close()
}

// SetEncryptor enables encryption at rest for upstream token material.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

func (s *Store) clientIPKey(ip string) string {
	return fmt.Sprintf("%sclient:ip:%s", s.prefix, ip)
}

func (s *Store) txnKey(id string) string {
	return fmt.Sprintf("%stxn:%s", s.prefix, id)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

func (s *Store) recordKey(referenceID string) string {
	return fmt.Sprintf("%srecord:%s", s.prefix, referenceID)
}

// ============================================================
// Shared helpers
// ============================================================

// isNilError reports whether an error is the Valkey nil reply.
func isNilError(err error) bool {
	return err != nil && valkeygo.IsValkeyNil(err)
}

// calculateTTL converts an absolute expiry into a TTL from now.
func calculateTTL(expiresAt time.Time) time.Duration {
	return time.Until(expiresAt)
}

func safeTruncate(v string, maxLen int) string {
	if len(v) <= maxLen {
		return v
	}
	return v[:maxLen]
}

// ============================================================
// Lua scripts
// ============================================================
//
// Consume operations must be atomic across processes: exactly one caller
// may win a transaction or an authorization code, and refresh updates must
// not clobber each other. Lua scripts give Valkey-side atomicity without
// client-side locks.

// luaConsumeCode atomically checks that an authorization code is unused and
// marks it used, keeping the record (and its TTL) so replays stay
// detectable until expiry.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns the original JSON on success, "NOT_FOUND", "EXPIRED", or
// "ALREADY_USED:<json>" (original data for defensive revocation).
const luaConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaUpdateRecord performs a conditional write on an upstream token record:
// the stored version must match ARGV[1] or the update is rejected. This is
// the cross-process serialization point for concurrent refreshes.
//
// KEYS[1] = record key
// ARGV[1] = expected version
// ARGV[2] = replacement JSON (already carrying the incremented version)
//
// Returns "OK", "NOT_FOUND", or "CONFLICT".
const luaUpdateRecord = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local rec = cjson.decode(data)
if tostring(rec.version) ~= ARGV[1] then
    return 'CONFLICT'
end

redis.call('SET', KEYS[1], ARGV[2])
return 'OK'
`
