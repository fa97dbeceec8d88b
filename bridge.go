package oauthbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/oauth-bridge/instrumentation"
	"github.com/giantswarm/oauth-bridge/security"
	"github.com/giantswarm/oauth-bridge/server"
	"github.com/giantswarm/oauth-bridge/storage"
	"github.com/giantswarm/oauth-bridge/storage/memory"
	"github.com/giantswarm/oauth-bridge/storage/valkey"
	"github.com/giantswarm/oauth-bridge/tokens"
	"github.com/giantswarm/oauth-bridge/upstream"
)

// httpShutdownTimeout bounds graceful shutdown on context cancellation.
const httpShutdownTimeout = 10 * time.Second

// Bridge assembles the whole proxy from a Config: storage backend, upstream
// provider, token issuer, orchestrator, and HTTP handler.
type Bridge struct {
	config  *Config
	server  *server.Server
	handler *Handler
	logger  *slog.Logger

	closers []func()
}

// NewBridge builds a bridge from the configuration. The Valkey backend is
// used when BRIDGE_VALKEY_ADDR is set, otherwise flows live in process
// memory and a restart forgets them.
func NewBridge(cfg *Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}

	encryptor, err := cfg.encryptor()
	if err != nil {
		return nil, err
	}
	if encryptor == nil {
		logger.Warn("Upstream token encryption at rest is disabled",
			"recommendation", "set BRIDGE_ENCRYPTION_KEY")
	}

	b := &Bridge{config: cfg, logger: logger}

	store, err := b.buildStore(cfg, encryptor, logger)
	if err != nil {
		return nil, err
	}

	provider, err := upstream.New(cfg.upstreamConfig())
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("building upstream provider: %w", err)
	}

	issuer, err := tokens.NewIssuer([]byte(cfg.SigningKey), tokens.Options{
		Issuer:     cfg.Issuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("building token issuer: %w", err)
	}

	srv, err := server.New(provider, store.clients, store.transactions, store.codes, store.records,
		issuer, cfg.serverConfig(), logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	if err := srv.ValidateIssuer(); err != nil {
		b.Close()
		return nil, err
	}

	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditLogging))
	if cfg.RateLimitPerSecond > 0 {
		rl := security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, logger)
		srv.SetRateLimiter(rl)
		b.closers = append(b.closers, rl.Stop)
	}

	handler := NewHandler(srv, logger)
	handler.SetProxyTrust(cfg.TrustProxy, cfg.TrustedProxyCount)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "oauth-bridge",
		Enabled:     cfg.OTelEnabled,
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	handler.SetInstrumentation(inst)

	b.server = srv
	b.handler = handler
	return b, nil
}

// stores groups the four store interfaces a backend provides.
type stores struct {
	clients      storage.ClientStore
	transactions storage.TransactionStore
	codes        storage.CodeStore
	records      storage.TokenStore
}

func (b *Bridge) buildStore(cfg *Config, encryptor *security.Encryptor, logger *slog.Logger) (*stores, error) {
	if cfg.ValkeyAddress == "" {
		store := memory.New()
		store.SetLogger(logger)
		store.SetEncryptor(encryptor)
		b.closers = append(b.closers, store.Stop)
		logger.Info("Using in-memory storage", "note", "flows are lost on restart")
		return &stores{clients: store, transactions: store, codes: store, records: store}, nil
	}

	store, err := valkey.New(valkey.Config{
		Address:  cfg.ValkeyAddress,
		Password: cfg.ValkeyPassword,
		DB:       cfg.ValkeyDB,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to valkey: %w", err)
	}
	store.SetEncryptor(encryptor)
	b.closers = append(b.closers, store.Close)
	logger.Info("Using Valkey storage", "address", cfg.ValkeyAddress)
	return &stores{clients: store, transactions: store, codes: store, records: store}, nil
}

// Handler returns the HTTP handler for mounting on a mux.
func (b *Bridge) Handler() *Handler {
	return b.handler
}

// Server returns the underlying orchestrator.
func (b *Bridge) Server() *server.Server {
	return b.server
}

// Routes registers every bridge endpoint on the mux.
func (b *Bridge) Routes(mux *http.ServeMux) {
	b.handler.Routes(mux)
}

// ListenAndServe runs the bridge's HTTP server until the context is
// canceled, then shuts it down gracefully.
func (b *Bridge) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	b.Routes(mux)

	httpServer := &http.Server{
		Addr:    b.config.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	b.logger.Info("Bridge listening",
		"addr", b.config.ListenAddr,
		"issuer", b.config.Issuer,
		"upstream", b.config.UpstreamName)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// Close releases the bridge's background resources.
func (b *Bridge) Close() {
	for _, closeFn := range b.closers {
		closeFn()
	}
	b.closers = nil
}
