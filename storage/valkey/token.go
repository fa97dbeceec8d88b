package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-bridge/storage"
)

type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		ClientType:              c.ClientType,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		RedirectURIs:            c.RedirectURIs,
		ClientName:              c.ClientName,
		Scopes:                  c.Scopes,
		CreatedAt:               c.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		RedirectURIs:            j.RedirectURIs,
		ClientName:              j.ClientName,
		Scopes:                  j.Scopes,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}

type upstreamTokenRecordJSON struct {
	ReferenceID  string `json:"reference_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Expiry       int64  `json:"expiry,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Email        string `json:"email,omitempty"`
	RefreshJTI   string `json:"refresh_jti,omitempty"`
	Version      int64  `json:"version"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

func toUpstreamTokenRecordJSON(rec *storage.UpstreamTokenRecord) *upstreamTokenRecordJSON {
	j := &upstreamTokenRecordJSON{
		ReferenceID:  rec.ReferenceID,
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		Scope:        rec.Scope,
		Subject:      rec.Subject,
		Email:        rec.Email,
		RefreshJTI:   rec.RefreshJTI,
		Version:      rec.Version,
		CreatedAt:    rec.CreatedAt.Unix(),
		UpdatedAt:    rec.UpdatedAt.Unix(),
	}
	if !rec.Expiry.IsZero() {
		j.Expiry = rec.Expiry.Unix()
	}
	return j
}

func fromUpstreamTokenRecordJSON(j *upstreamTokenRecordJSON) *storage.UpstreamTokenRecord {
	rec := &storage.UpstreamTokenRecord{
		ReferenceID:  j.ReferenceID,
		AccessToken:  j.AccessToken,
		RefreshToken: j.RefreshToken,
		TokenType:    j.TokenType,
		Scope:        j.Scope,
		Subject:      j.Subject,
		Email:        j.Email,
		RefreshJTI:   j.RefreshJTI,
		Version:      j.Version,
		CreatedAt:    time.Unix(j.CreatedAt, 0),
		UpdatedAt:    time.Unix(j.UpdatedAt, 0),
	}
	if j.Expiry > 0 {
		rec.Expiry = time.Unix(j.Expiry, 0)
	}
	return rec
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient persists a client registration. Registrations have no TTL.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}

	s.logger.Debug("Stored client registration", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	key := s.clientKey(clientID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// AddRedirectURIs grows a client's declared redirect URI set.
func (s *Store) AddRedirectURIs(ctx context.Context, clientID string, uris []string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
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
	return s.SaveClient(ctx, client)
}

// ValidateClientSecret checks a confidential client's secret against the
// stored bcrypt hash.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
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
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 || ip == "" {
		return nil
	}

	key := s.clientIPKey(ip)
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return fmt.Errorf("failed to check IP registration count: %w", err)
	}

	count, err := strconv.Atoi(data)
	if err != nil {
		return fmt.Errorf("corrupt IP registration count: %w", err)
	}
	if count >= maxClientsPerIP {
		return storage.ErrIPLimitExceeded
	}
	return nil
}

// TrackClientIP records a successful registration against an IP. The counter
// expires so a stale IP eventually regains its quota.
func (s *Store) TrackClientIP(ctx context.Context, ip string) {
	if ip == "" {
		return
	}

	key := s.clientIPKey(ip)
	if err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).Error(); err != nil {
		s.logger.Warn("Failed to track client registration IP", "error", err)
		return
	}
	if err := s.client.Do(ctx, s.client.B().Expire().Key(key).Seconds(int64(clientIPTrackingTTL.Seconds())).Build()).Error(); err != nil {
		s.logger.Warn("Failed to set IP tracking TTL", "error", err)
	}
}

// ============================================================
// TokenStore
// ============================================================

// PutUpstreamToken stores a new record at version 1, encrypting token
// material when an encryptor is configured.
func (s *Store) PutUpstreamToken(ctx context.Context, rec *storage.UpstreamTokenRecord) error {
	if rec == nil || rec.ReferenceID == "" {
		return fmt.Errorf("invalid upstream token record")
	}

	sealed, err := s.sealRecord(rec)
	if err != nil {
		return err
	}
	sealed.Version = 1

	data, err := json.Marshal(toUpstreamTokenRecordJSON(sealed))
	if err != nil {
		return fmt.Errorf("failed to marshal upstream token record: %w", err)
	}

	key := s.recordKey(rec.ReferenceID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to store upstream token record: %w", err)
	}

	rec.Version = 1
	s.logger.Debug("Stored upstream token record",
		"reference_id", safeTruncate(rec.ReferenceID, idLogLength))
	return nil
}

// GetUpstreamToken retrieves and decrypts a record.
func (s *Store) GetUpstreamToken(ctx context.Context, referenceID string) (*storage.UpstreamTokenRecord, error) {
	key := s.recordKey(referenceID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenRecordNotFound
		}
		return nil, fmt.Errorf("failed to get upstream token record: %w", err)
	}

	var j upstreamTokenRecordJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upstream token record: %w", err)
	}
	return s.openRecord(fromUpstreamTokenRecordJSON(&j))
}

// UpdateUpstreamToken performs a conditional write keyed on rec.Version via
// a Lua script, so concurrent refreshes across processes resolve to one
// winner.
func (s *Store) UpdateUpstreamToken(ctx context.Context, rec *storage.UpstreamTokenRecord) error {
	if rec == nil || rec.ReferenceID == "" {
		return fmt.Errorf("invalid upstream token record")
	}

	sealed, err := s.sealRecord(rec)
	if err != nil {
		return err
	}
	sealed.Version = rec.Version + 1
	sealed.UpdatedAt = time.Now()

	data, err := json.Marshal(toUpstreamTokenRecordJSON(sealed))
	if err != nil {
		return fmt.Errorf("failed to marshal upstream token record: %w", err)
	}

	key := s.recordKey(rec.ReferenceID)
	result, err := s.client.Do(ctx, s.client.B().Eval().
		Script(luaUpdateRecord).
		Numkeys(1).
		Key(key).
		Arg(strconv.FormatInt(rec.Version, 10), string(data)).
		Build()).ToString()
	if err != nil {
		return fmt.Errorf("failed to update upstream token record: %w", err)
	}

	switch result {
	case "OK":
		rec.Version = sealed.Version
		return nil
	case "NOT_FOUND":
		return storage.ErrTokenRecordNotFound
	case "CONFLICT":
		return storage.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected update result: %s", result)
	}
}

// DeleteUpstreamToken removes a record.
func (s *Store) DeleteUpstreamToken(ctx context.Context, referenceID string) error {
	key := s.recordKey(referenceID)
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete upstream token record: %w", err)
	}
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

// openRecord decrypts token material in place.
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
