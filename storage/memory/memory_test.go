package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-bridge/security"
	"github.com/giantswarm/oauth-bridge/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(0)
	t.Cleanup(s.Stop)
	return s
}

func testTransaction(id string) *storage.Transaction {
	now := time.Now()
	return &storage.Transaction{
		ID:                        id,
		ClientID:                  "client-1",
		ClientState:               "client-state",
		ClientRedirectURI:         "http://localhost:8085/callback",
		ClientCodeChallenge:       "challenge",
		ClientCodeChallengeMethod: "S256",
		Scope:                     "openid email",
		ProxyCodeVerifier:         "proxy-verifier",
		CreatedAt:                 now,
		ExpiresAt:                 now.Add(10 * time.Minute),
	}
}

func testCode(code string) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "client-1",
		ReferenceID:         "ref-1",
		RedirectURI:         "http://localhost:8085/callback",
		Scope:               "openid email",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           now,
		ExpiresAt:           now.Add(60 * time.Second),
	}
}

func TestConsumeTransaction(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	txn := testTransaction("txn-1")
	if err := s.SaveTransaction(ctx, txn); err != nil {
		t.Fatalf("SaveTransaction failed: %v", err)
	}

	got, err := s.ConsumeTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("ConsumeTransaction failed: %v", err)
	}
	if got.ClientState != "client-state" {
		t.Errorf("ClientState = %q, want %q", got.ClientState, "client-state")
	}
	if got.ProxyCodeVerifier != "proxy-verifier" {
		t.Errorf("ProxyCodeVerifier = %q, want %q", got.ProxyCodeVerifier, "proxy-verifier")
	}

	// Second consume must miss.
	if _, err := s.ConsumeTransaction(ctx, "txn-1"); !errors.Is(err, storage.ErrTransactionNotFound) {
		t.Errorf("second consume error = %v, want ErrTransactionNotFound", err)
	}
}

func TestConsumeTransactionExpired(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	txn := testTransaction("txn-expired")
	txn.ExpiresAt = time.Now().Add(-time.Second)
	if err := s.SaveTransaction(ctx, txn); err != nil {
		t.Fatalf("SaveTransaction failed: %v", err)
	}

	if _, err := s.ConsumeTransaction(ctx, "txn-expired"); !errors.Is(err, storage.ErrTransactionExpired) {
		t.Errorf("error = %v, want ErrTransactionExpired", err)
	}
}

func TestConsumeTransactionConcurrent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if err := s.SaveTransaction(ctx, testTransaction("txn-race")); err != nil {
		t.Fatalf("SaveTransaction failed: %v", err)
	}

	const workers = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.ConsumeTransaction(ctx, "txn-race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("concurrent consume winners = %d, want exactly 1", got)
	}
}

func TestConsumeAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if err := s.SaveAuthorizationCode(ctx, testCode("code-1")); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode failed: %v", err)
	}
	if got.ReferenceID != "ref-1" {
		t.Errorf("ReferenceID = %q, want %q", got.ReferenceID, "ref-1")
	}

	// Replay returns the original record for defensive revocation.
	replayed, err := s.ConsumeAuthorizationCode(ctx, "code-1")
	if !errors.Is(err, storage.ErrCodeAlreadyUsed) {
		t.Fatalf("replay error = %v, want ErrCodeAlreadyUsed", err)
	}
	if replayed == nil || replayed.ReferenceID != "ref-1" {
		t.Errorf("replay must return the original record, got %+v", replayed)
	}
}

func TestConsumeAuthorizationCodeNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.ConsumeAuthorizationCode(context.Background(), "no-such-code"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("error = %v, want ErrCodeNotFound", err)
	}
}

func TestConsumeAuthorizationCodeExpired(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	code := testCode("code-expired")
	code.ExpiresAt = time.Now().Add(-time.Second)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "code-expired"); !errors.Is(err, storage.ErrCodeExpired) {
		t.Errorf("error = %v, want ErrCodeExpired", err)
	}
}

func TestConsumeAuthorizationCodeConcurrent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if err := s.SaveAuthorizationCode(ctx, testCode("code-race")); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	const workers = 50
	var wins, replays atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.ConsumeAuthorizationCode(ctx, "code-race")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrCodeAlreadyUsed):
				replays.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("concurrent redemption winners = %d, want exactly 1", got)
	}
	if got := replays.Load(); got != workers-1 {
		t.Errorf("replay observers = %d, want %d", got, workers-1)
	}
}

func TestUpstreamTokenRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	rec := &storage.UpstreamTokenRecord{
		ReferenceID:  "ref-1",
		AccessToken:  "upstream-access",
		RefreshToken: "upstream-refresh",
		TokenType:    "Bearer",
		Subject:      "user-123",
		RefreshJTI:   "jti-1",
		CreatedAt:    time.Now(),
	}
	if err := s.PutUpstreamToken(ctx, rec); err != nil {
		t.Fatalf("PutUpstreamToken failed: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("Version after put = %d, want 1", rec.Version)
	}

	got, err := s.GetUpstreamToken(ctx, "ref-1")
	if err != nil {
		t.Fatalf("GetUpstreamToken failed: %v", err)
	}
	if got.AccessToken != "upstream-access" || got.RefreshToken != "upstream-refresh" {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	got.AccessToken = "upstream-access-2"
	got.RefreshJTI = "jti-2"
	if err := s.UpdateUpstreamToken(ctx, got); err != nil {
		t.Fatalf("UpdateUpstreamToken failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version after update = %d, want 2", got.Version)
	}

	if err := s.DeleteUpstreamToken(ctx, "ref-1"); err != nil {
		t.Fatalf("DeleteUpstreamToken failed: %v", err)
	}
	if _, err := s.GetUpstreamToken(ctx, "ref-1"); !errors.Is(err, storage.ErrTokenRecordNotFound) {
		t.Errorf("error after delete = %v, want ErrTokenRecordNotFound", err)
	}
}

func TestUpdateUpstreamTokenVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	rec := &storage.UpstreamTokenRecord{ReferenceID: "ref-conflict", AccessToken: "a"}
	if err := s.PutUpstreamToken(ctx, rec); err != nil {
		t.Fatalf("PutUpstreamToken failed: %v", err)
	}

	first, _ := s.GetUpstreamToken(ctx, "ref-conflict")
	second, _ := s.GetUpstreamToken(ctx, "ref-conflict")

	first.AccessToken = "b"
	if err := s.UpdateUpstreamToken(ctx, first); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	second.AccessToken = "c"
	if err := s.UpdateUpstreamToken(ctx, second); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("second update error = %v, want ErrVersionConflict", err)
	}

	// The loser re-reads and retries at the new version.
	reread, err := s.GetUpstreamToken(ctx, "ref-conflict")
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if reread.AccessToken != "b" {
		t.Errorf("re-read AccessToken = %q, want winner's %q", reread.AccessToken, "b")
	}
	reread.AccessToken = "c"
	if err := s.UpdateUpstreamToken(ctx, reread); err != nil {
		t.Errorf("retry after re-read failed: %v", err)
	}
}

func TestConcurrentUpdatesSingleWinnerPerVersion(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if err := s.PutUpstreamToken(ctx, &storage.UpstreamTokenRecord{ReferenceID: "ref-race", AccessToken: "a"}); err != nil {
		t.Fatalf("PutUpstreamToken failed: %v", err)
	}

	base, _ := s.GetUpstreamToken(ctx, "ref-race")

	const workers = 20
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			cp := *base
			if err := s.UpdateUpstreamToken(ctx, &cp); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("update winners at one version = %d, want exactly 1", got)
	}
}

func TestTokenEncryptionAtRest(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	s.SetEncryptor(enc)

	rec := &storage.UpstreamTokenRecord{
		ReferenceID:  "ref-enc",
		AccessToken:  "secret-access",
		RefreshToken: "secret-refresh",
	}
	if err := s.PutUpstreamToken(ctx, rec); err != nil {
		t.Fatalf("PutUpstreamToken failed: %v", err)
	}

	// Raw stored values must not be the plaintext.
	s.mu.RLock()
	stored := s.records["ref-enc"]
	s.mu.RUnlock()
	if stored.AccessToken == "secret-access" || stored.RefreshToken == "secret-refresh" {
		t.Error("token material stored in plaintext despite encryptor")
	}

	got, err := s.GetUpstreamToken(ctx, "ref-enc")
	if err != nil {
		t.Fatalf("GetUpstreamToken failed: %v", err)
	}
	if got.AccessToken != "secret-access" || got.RefreshToken != "secret-refresh" {
		t.Errorf("decrypted round-trip mismatch: %+v", got)
	}
}

func TestClientRegistry(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}

	client := &storage.Client{
		ClientID:         "client-1",
		ClientSecretHash: string(hash),
		ClientType:       "confidential",
		RedirectURIs:     []string{"http://localhost:8085/callback"},
		CreatedAt:        time.Now(),
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if len(got.RedirectURIs) != 1 {
		t.Fatalf("RedirectURIs = %v", got.RedirectURIs)
	}

	if _, err := s.GetClient(ctx, "unknown"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("unknown client error = %v, want ErrClientNotFound", err)
	}

	if err := s.ValidateClientSecret(ctx, "client-1", "s3cret"); err != nil {
		t.Errorf("ValidateClientSecret with correct secret failed: %v", err)
	}
	if err := s.ValidateClientSecret(ctx, "client-1", "wrong"); err == nil {
		t.Error("ValidateClientSecret accepted a wrong secret")
	}

	// Growing the redirect URI set ignores duplicates.
	if err := s.AddRedirectURIs(ctx, "client-1", []string{"http://localhost:8085/callback", "http://localhost:9090/cb"}); err != nil {
		t.Fatalf("AddRedirectURIs failed: %v", err)
	}
	got, _ = s.GetClient(ctx, "client-1")
	if len(got.RedirectURIs) != 2 {
		t.Errorf("RedirectURIs after add = %v, want 2 entries", got.RedirectURIs)
	}
}

func TestCheckIPLimit(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if err := s.CheckIPLimit(ctx, "10.0.0.1", 2); err != nil {
		t.Fatalf("CheckIPLimit below quota failed: %v", err)
	}
	s.TrackClientIP(ctx, "10.0.0.1")
	s.TrackClientIP(ctx, "10.0.0.1")

	if err := s.CheckIPLimit(ctx, "10.0.0.1", 2); err == nil {
		t.Error("CheckIPLimit at quota must reject")
	}
	if err := s.CheckIPLimit(ctx, "10.0.0.1", 0); err != nil {
		t.Errorf("limit 0 disables the check, got %v", err)
	}
	if err := s.CheckIPLimit(ctx, "10.0.0.2", 2); err != nil {
		t.Errorf("other IP must be unaffected, got %v", err)
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	fresh := testTransaction("txn-fresh")
	stale := testTransaction("txn-stale")
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.SaveTransaction(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTransaction(ctx, stale); err != nil {
		t.Fatal(err)
	}

	staleCode := testCode("code-stale")
	staleCode.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.SaveAuthorizationCode(ctx, staleCode); err != nil {
		t.Fatal(err)
	}

	s.cleanup()

	s.mu.RLock()
	_, freshOK := s.transactions["txn-fresh"]
	_, staleOK := s.transactions["txn-stale"]
	_, codeOK := s.codes["code-stale"]
	s.mu.RUnlock()

	if !freshOK {
		t.Error("cleanup removed a live transaction")
	}
	if staleOK {
		t.Error("cleanup kept an expired transaction")
	}
	if codeOK {
		t.Error("cleanup kept an expired code")
	}
}
