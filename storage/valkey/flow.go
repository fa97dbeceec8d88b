package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth-bridge/storage"
)

// ============================================================
// JSON representations
// ============================================================
//
// Flow state is stored as JSON. Timestamps are Unix seconds so the Lua
// scripts can compare them numerically.

type transactionJSON struct {
	ID                        string `json:"id"`
	ClientID                  string `json:"client_id"`
	ClientState               string `json:"client_state"`
	ClientRedirectURI         string `json:"client_redirect_uri"`
	ClientCodeChallenge       string `json:"client_code_challenge"`
	ClientCodeChallengeMethod string `json:"client_code_challenge_method"`
	Scope                     string `json:"scope,omitempty"`
	ProxyCodeVerifier         string `json:"proxy_code_verifier,omitempty"`
	ProxyCodeChallenge        string `json:"proxy_code_challenge,omitempty"`
	CreatedAt                 int64  `json:"created_at"`
	ExpiresAt                 int64  `json:"expires_at"`
}

func toTransactionJSON(txn *storage.Transaction) *transactionJSON {
	return &transactionJSON{
		ID:                        txn.ID,
		ClientID:                  txn.ClientID,
		ClientState:               txn.ClientState,
		ClientRedirectURI:         txn.ClientRedirectURI,
		ClientCodeChallenge:       txn.ClientCodeChallenge,
		ClientCodeChallengeMethod: txn.ClientCodeChallengeMethod,
		Scope:                     txn.Scope,
		ProxyCodeVerifier:         txn.ProxyCodeVerifier,
		ProxyCodeChallenge:        txn.ProxyCodeChallenge,
		CreatedAt:                 txn.CreatedAt.Unix(),
		ExpiresAt:                 txn.ExpiresAt.Unix(),
	}
}

func fromTransactionJSON(j *transactionJSON) *storage.Transaction {
	return &storage.Transaction{
		ID:                        j.ID,
		ClientID:                  j.ClientID,
		ClientState:               j.ClientState,
		ClientRedirectURI:         j.ClientRedirectURI,
		ClientCodeChallenge:       j.ClientCodeChallenge,
		ClientCodeChallengeMethod: j.ClientCodeChallengeMethod,
		Scope:                     j.Scope,
		ProxyCodeVerifier:         j.ProxyCodeVerifier,
		ProxyCodeChallenge:        j.ProxyCodeChallenge,
		CreatedAt:                 time.Unix(j.CreatedAt, 0),
		ExpiresAt:                 time.Unix(j.ExpiresAt, 0),
	}
}

type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	ReferenceID         string `json:"reference_id"`
	UpstreamCode        string `json:"upstream_code,omitempty"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		ReferenceID:         code.ReferenceID,
		UpstreamCode:        code.UpstreamCode,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		ReferenceID:         j.ReferenceID,
		UpstreamCode:        j.UpstreamCode,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

// ============================================================
// TransactionStore
// ============================================================

// SaveTransaction persists a transaction with a TTL derived from its expiry.
func (s *Store) SaveTransaction(ctx context.Context, txn *storage.Transaction) error {
	if txn == nil || txn.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	ttl := calculateTTL(txn.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("transaction already expired")
	}

	data, err := json.Marshal(toTransactionJSON(txn))
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	key := s.txnKey(txn.ID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to store transaction: %w", err)
	}

	s.logger.Debug("Stored authorization transaction",
		"txn_id", safeTruncate(txn.ID, idLogLength),
		"client_id", txn.ClientID,
		"ttl", ttl)
	return nil
}

// ConsumeTransaction atomically retrieves and deletes a transaction via
// GETDEL, so at most one concurrent caller wins. Valkey TTL enforces expiry;
// a transaction whose key outlived its embedded expiry (clock skew between
// writer and server) is still rejected.
func (s *Store) ConsumeTransaction(ctx context.Context, id string) (*storage.Transaction, error) {
	key := s.txnKey(id)

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to consume transaction: %w", err)
	}

	var j transactionJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}

	txn := fromTransactionJSON(&j)
	if time.Now().After(txn.ExpiresAt) {
		return nil, storage.ErrTransactionExpired
	}
	return txn, nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode persists a code with a TTL derived from its expiry.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := s.codeKey(code.Code)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}

	s.logger.Debug("Stored authorization code",
		"code", safeTruncate(code.Code, idLogLength),
		"client_id", code.ClientID,
		"ttl", ttl)
	return nil
}

// ConsumeAuthorizationCode atomically checks a code is unused and marks it
// used via a Lua script. Exactly one concurrent redemption wins; replays get
// the original record back with ErrCodeAlreadyUsed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)
	now := strconv.FormatInt(time.Now().Unix(), 10)

	result, err := s.client.Do(ctx, s.client.B().Eval().
		Script(luaConsumeCode).
		Numkeys(1).
		Key(key).
		Arg(now).
		Build()).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrCodeExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal replayed code: %w", err)
		}
		s.logger.Warn("Authorization code replay detected",
			"code", safeTruncate(code, idLogLength),
			"client_id", j.ClientID)
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeAlreadyUsed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes a code record.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	key := s.codeKey(code)
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
