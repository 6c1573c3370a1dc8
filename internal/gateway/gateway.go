// ABOUTME: Gateway orchestrator that wires the witness services behind gRPC and HTTP
// ABOUTME: Owns the store, key rotation, rate limiting backends and server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-witness/internal/account"
	"github.com/2389/coven-witness/internal/admission"
	"github.com/2389/coven-witness/internal/auth"
	"github.com/2389/coven-witness/internal/config"
	"github.com/2389/coven-witness/internal/content"
	"github.com/2389/coven-witness/internal/gates"
	"github.com/2389/coven-witness/internal/keys"
	"github.com/2389/coven-witness/internal/store"
	"github.com/2389/coven-witness/internal/ttlcache"
	"github.com/2389/coven-witness/internal/validate"
	"github.com/2389/coven-witness/internal/witness"
)

// EnvDBPath overrides database.path.
const EnvDBPath = "COVEN_WITNESS_DB_PATH"

// revocationCacheSize bounds the in-process revoked token cache.
const revocationCacheSize = 100_000

// Gateway orchestrates the coven-witness server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	chain    *witness.Chain
	keys     *keys.KeyStore
	revoked  *ttlcache.Cache
	rotator  *keys.Rotator
	auth     *auth.Service
	admitter *admission.Admitter
	pipeline *content.Pipeline
	accounts *account.Service
	notary   *gates.Notary

	// redis is set when the redis rate limit backend is in use
	redis *admission.RedisLimiter

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// Now is the clock used for rate limit headers. Defaults to time.Now.
	Now func() time.Time
}

// initStore opens the configured database. EnvDBPath wins over the config file.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(EnvDBPath); envPath != "" {
		dbPath = envPath
	}
	s, err := store.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newLimiter builds the rate limit backend. A redis backend is wrapped in a
// circuit breaker; when rate_limit.fail_closed is false the breaker falls back
// to an in-process limiter instead of refusing requests.
func newLimiter(cfg *config.Config, logger *slog.Logger) (admission.Limiter, *admission.RedisLimiter, error) {
	memory := admission.NewMemoryLimiter(admission.MemoryLimiterConfig{})
	if cfg.RateLimit.Backend != "redis" {
		return memory, nil, nil
	}

	rl, err := admission.NewRedisLimiter(admission.RedisLimiterConfig{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating redis limiter: %w", err)
	}

	breaker := admission.NewCircuitBreaker("redis", admission.BreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Window:           cfg.CircuitBreaker.Window,
		Cooldown:         cfg.CircuitBreaker.Cooldown,
	}, logger)

	var fallback admission.Limiter
	if !cfg.RateLimit.Closed() {
		fallback = memory
		logger.Warn("rate limiting fails open to in-process limits while redis is unavailable")
	}
	return admission.NewGuardedLimiter(rl, breaker, fallback, logger), rl, nil
}

// newProtocol assembles the gate protocol from config.
func newProtocol(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gates.Protocol, error) {
	catalogue := gates.Catalogue{
		MinReputation:  cfg.Gates.MinReputation,
		MaxRecentPosts: cfg.Gates.MaxRecentPosts,
	}
	if cfg.Gates.PolicyPath != "" {
		policy, err := gates.LoadPolicy(ctx, cfg.Gates.PolicyPath)
		if err != nil {
			return nil, err
		}
		catalogue.Policy = policy
		logger.Info("content policy loaded", "path", cfg.Gates.PolicyPath)
	}
	return gates.NewProtocol(
		validate.New(cfg.Gates.MaxBodyLength),
		catalogue.Required(),
		catalogue.Quality(),
		cfg.Gates.GateTimeout,
		logger,
	), nil
}

// newGRPCServer creates the gRPC server with auth and rate limit interceptors.
func newGRPCServer(gw *Gateway) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			auth.UnaryInterceptor(gw.auth, publicMethods, gw.logger.With("component", "grpc-auth")),
			gw.rateLimitInterceptor(),
		),
	)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config: cfg,
		store:  s,
		logger: logger.With("component", "gateway"),
		Now:    time.Now,
	}
	if err := gw.wire(ctx, s, logger); err != nil {
		gw.closeComponents()
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// wire builds the services on top of s.
func (g *Gateway) wire(ctx context.Context, s *store.SQLiteStore, logger *slog.Logger) error {
	cfg := g.config

	g.chain = witness.New(s, logger)
	if report, err := g.chain.Verify(ctx); err != nil {
		return fmt.Errorf("verifying witness chain: %w", err)
	} else if !report.Valid {
		logger.Error("witness chain failed verification, appends halted", "failure", report.Failure)
	}

	g.revoked = ttlcache.New(revocationCacheSize, time.Minute)
	g.keys = keys.NewKeyStore(s, keys.Config{
		RotationInterval: cfg.Keys.RotationInterval,
		GracePeriod:      cfg.Keys.GracePeriod,
	}, g.revoked, g.chain, logger)
	if _, err := g.keys.Current(ctx); err != nil {
		return fmt.Errorf("loading signing keys: %w", err)
	}
	g.rotator = keys.NewRotator(g.keys, s, cfg.Keys.CheckInterval, logger)

	g.auth = auth.NewService(s, g.keys, g.chain, auth.Config{
		ChallengeTTL:           cfg.Auth.ChallengeTTL,
		TokenTTL:               cfg.Auth.TokenTTL,
		UniformChallengeErrors: cfg.Auth.Uniform(),
	}, logger)

	limiter, rl, err := newLimiter(cfg, logger)
	if err != nil {
		return err
	}
	g.redis = rl
	g.admitter = admission.NewAdmitter(limiter, map[admission.Class]admission.Rule{
		admission.ClassAuth:    {Limit: cfg.RateLimit.AuthLimit, Window: cfg.RateLimit.AuthWindow},
		admission.ClassContent: {Limit: cfg.RateLimit.ContentLimit, Window: cfg.RateLimit.ContentWindow},
	}, admission.Backoff{Base: cfg.RateLimit.BaseBackoff, Max: cfg.RateLimit.MaxBackoff}, logger)

	protocol, err := newProtocol(ctx, cfg, logger)
	if err != nil {
		return err
	}
	g.notary, err = gates.LoadOrCreateNotary(cfg.Keys.EvidenceKeyPath)
	if err != nil {
		return fmt.Errorf("loading evidence key: %w", err)
	}
	g.logger.Info("evidence receipts enabled", "key_id", g.notary.KeyID())

	g.pipeline = content.NewPipeline(s, g.admitter, protocol, g.notary, g.chain, cfg.Gates.ReputationAlpha, logger)
	g.accounts = account.NewService(s, g.keys, g.chain, logger)

	g.grpcServer = newGRPCServer(g)
	g.grpcServer.RegisterService(&WitnessServiceDesc, &witnessService{g: g})
	g.health = health.NewServer()
	healthpb.RegisterHealthServer(g.grpcServer, g.health)
	g.refreshHealth(ctx)

	mux := http.NewServeMux()
	g.registerRoutes(mux)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// GRPCServer returns the gRPC server with all services registered.
func (g *Gateway) GRPCServer() *grpc.Server {
	return g.grpcServer
}

// Chain returns the witness chain.
func (g *Gateway) Chain() *witness.Chain {
	return g.chain
}

// Keys returns the signing key store.
func (g *Gateway) Keys() *keys.KeyStore {
	return g.keys
}

// ready reports whether the store answers and the witness chain accepts appends.
func (g *Gateway) ready(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	if g.chain.Halted() {
		return witness.ErrChainHalted
	}
	return nil
}

// refreshHealth mirrors readiness into the gRPC health service.
func (g *Gateway) refreshHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := g.ready(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(WitnessServiceDesc.ServiceName, status)
}

// healthLoop refreshes the gRPC health status until ctx is done.
func (g *Gateway) healthLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refreshHealth(ctx)
		}
	}
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the servers, the key rotator and the health refresher, and blocks
// until ctx is canceled. Returns nil on graceful shutdown or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go g.rotator.Run(bgCtx)
	go g.healthLoop(bgCtx, 10*time.Second)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-witness", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on :50051 (gRPC) and :80 (HTTP).
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases optional components that may be nil.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	if g.revoked != nil {
		g.revoked.Close()
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.health != nil {
		g.health.Shutdown()
	}
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store is reachable and the chain is intact.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.ready(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
