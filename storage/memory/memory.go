// Package memory provides an in-memory implementation of every storage
// interface. Suitable for single-process deployments and tests; transactions
// and codes expire via a background cleanup loop. Multi-process deployments
// need the valkey backend, since an upstream callback can land on a
// different process than the one that started the flow.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-bridge/security"
	"github.com/giantswarm/oauth-bridge/storage"
)

const defaultCleanupInterval = time.Minute

// Store is an in-memory implementation of ClientStore, TransactionStore,
// CodeStore, and TokenStore.
type Store struct {
	mu           sync.RWMutex
	clients      map[string]*storage.Client
	clientsByIP  map[string]int
	transactions map[string]*storage.Transaction
	codes        map[string]*storage.AuthorizationCode
	records      map[string]*storage.UpstreamTokenRecord

	encryptorMu sync.RWMutex
	encryptor   *security.Encryptor

	logger   *slog.Logger
	stopOnce sync.Once
	stop     chan struct{}
}

var (
	_ storage.ClientStore      = (*Store)(nil)
	_ storage.TransactionStore = (*Store)(nil)
	_ storage.CodeStore        = (*Store)(nil)
	_ storage.TokenStore       = (*Store)(nil)
)

// New creates a store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a store whose expired transactions and codes are
// swept at the given interval. Call Stop when done.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		clients:      make(map[string]*storage.Client),
		clientsByIP:  make(map[string]int),
		transactions: make(map[string]*storage.Transaction),
		codes:        make(map[string]*storage.AuthorizationCode),
		records:      make(map[string]*storage.UpstreamTokenRecord),
		logger:       slog.Default(),
		stop:         make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables encryption at rest for upstream token material.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for memory storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// Stop terminates the cleanup loop.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient persists a client registration.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(client), nil
}

// AddRedirectURIs grows a client's declared redirect URI set.
func (s *Store) AddRedirectURIs(_ context.Context, clientID string, uris []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return storage.ErrClientNotFound
	}

	existing := make(map[string]bool, len(client.RedirectURIs))
	for _, uri := range client.RedirectURIs {
		existing[uri] = true
	}
	for _, uri := range uris {
		if !existing[uri] {
			client.RedirectURIs = append(client.RedirectURIs, uri)
			existing[uri] = true
		}
	}
	return nil
}

// ValidateClientSecret checks a confidential client's secret.
func (s *Store) ValidateClientSecret(_ context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		return storage.ErrClientNotFound
	}
	if client.ClientSecretHash == "" {
		return fmt.Errorf("client has no secret configured")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}

// CheckIPLimit rejects registration when the IP is at its quota.
func (s *Store) CheckIPLimit(_ context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 || ip == "" {
		return nil
	}

	s.mu.RLock()
	count := s.clientsByIP[ip]
	s.mu.RUnlock()

	if count >= maxClientsPerIP {
		return storage.ErrIPLimitExceeded
	}
	return nil
}

// TrackClientIP records a successful registration against an IP.
func (s *Store) TrackClientIP(_ context.Context, ip string) {
	if ip == "" {
		return
	}
	s.mu.Lock()
	s.clientsByIP[ip]++
	s.mu.Unlock()
}

// ============================================================
// TransactionStore
// ============================================================

// SaveTransaction persists a transaction.
func (s *Store) SaveTransaction(_ context.Context, txn *storage.Transaction) error {
	if txn == nil || txn.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *txn
	s.transactions[txn.ID] = &cp
	return nil
}

// ConsumeTransaction atomically retrieves and deletes a transaction. Holding
// the write lock across lookup and delete is what makes concurrent consumers
// resolve to a single winner.
func (s *Store) ConsumeTransaction(_ context.Context, id string) (*storage.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[id]
	if !ok {
		return nil, storage.ErrTransactionNotFound
	}
	delete(s.transactions, id)

	if time.Now().After(txn.ExpiresAt) {
		return nil, storage.ErrTransactionExpired
	}

	cp := *txn
	return &cp, nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode persists a proxy authorization code.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	s.codes[code.Code] = &cp
	return nil
}

// ConsumeAuthorizationCode atomically checks and marks a code used. A replay
// returns the original record with ErrCodeAlreadyUsed; the record is kept
// (marked used) until TTL cleanup so repeated replays stay detectable.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	if time.Now().After(rec.ExpiresAt) {
		delete(s.codes, code)
		return nil, storage.ErrCodeExpired
	}

	if rec.Used {
		cp := *rec
		return &cp, storage.ErrCodeAlreadyUsed
	}

	rec.Used = true
	cp := *rec
	return &cp, nil
}

// DeleteAuthorizationCode removes a code record.
func (s *Store) DeleteAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

// ============================================================
// TokenStore
// ============================================================

// PutUpstreamToken stores a new record at version 1.
func (s *Store) PutUpstreamToken(_ context.Context, rec *storage.UpstreamTokenRecord) error {
	if rec == nil || rec.ReferenceID == "" {
		return fmt.Errorf("invalid upstream token record")
	}

	stored, err := s.sealRecord(rec)
	if err != nil {
		return err
	}
	stored.Version = 1

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ReferenceID] = stored
	rec.Version = 1
	return nil
}

// GetUpstreamToken retrieves and decrypts a record.
func (s *Store) GetUpstreamToken(_ context.Context, referenceID string) (*storage.UpstreamTokenRecord, error) {
	s.mu.RLock()
	stored, ok := s.records[referenceID]
	if ok {
		cp := *stored
		stored = &cp
	}
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrTokenRecordNotFound
	}
	return s.openRecord(stored)
}

// UpdateUpstreamToken performs a conditional write keyed on rec.Version.
func (s *Store) UpdateUpstreamToken(_ context.Context, rec *storage.UpstreamTokenRecord) error {
	if rec == nil || rec.ReferenceID == "" {
		return fmt.Errorf("invalid upstream token record")
	}

	stored, err := s.sealRecord(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.ReferenceID]
	if !ok {
		return storage.ErrTokenRecordNotFound
	}
	if current.Version != rec.Version {
		return storage.ErrVersionConflict
	}

	stored.Version = rec.Version + 1
	stored.UpdatedAt = time.Now()
	s.records[rec.ReferenceID] = stored
	rec.Version = stored.Version
	return nil
}

// DeleteUpstreamToken removes a record.
func (s *Store) DeleteUpstreamToken(_ context.Context, referenceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, referenceID)
	return nil
}

// sealRecord returns a copy with token material encrypted.
func (s *Store) sealRecord(rec *storage.UpstreamTokenRecord) (*storage.UpstreamTokenRecord, error) {
	cp := *rec

	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return &cp, nil
	}

	var err error
	if cp.AccessToken != "" {
		if cp.AccessToken, err = enc.Encrypt(cp.AccessToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
	}
	if cp.RefreshToken != "" {
		if cp.RefreshToken, err = enc.Encrypt(cp.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	return &cp, nil
}

// openRecord returns a copy with token material decrypted.
func (s *Store) openRecord(rec *storage.UpstreamTokenRecord) (*storage.UpstreamTokenRecord, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return rec, nil
	}

	var err error
	if rec.AccessToken != "" {
		if rec.AccessToken, err = enc.Decrypt(rec.AccessToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
	}
	if rec.RefreshToken != "" {
		if rec.RefreshToken, err = enc.Decrypt(rec.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}
	return rec, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	expiredTxns, expiredCodes := 0, 0
	for id, txn := range s.transactions {
		if now.After(txn.ExpiresAt) {
			delete(s.transactions, id)
			expiredTxns++
		}
	}
	for code, rec := range s.codes {
		if now.After(rec.ExpiresAt) {
			delete(s.codes, code)
			expiredCodes++
		}
	}
	s.mu.Unlock()

	if expiredTxns > 0 || expiredCodes > 0 {
		s.logger.Debug("Cleaned up expired flow state",
			"transactions", expiredTxns,
			"codes", expiredCodes)
	}
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	cp.Scopes = append([]string(nil), c.Scopes...)
	return &cp
}
