// Package api exposes the ledger over HTTP. Deposits, withdrawals, cooldowns
// and reads are public; rebase, migration, re-mark and fee schedule changes
// need a token carrying ScopeAdmin.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tranche-ledger/internal/metrics"
	"tranche-ledger/internal/tranche"
)

// Config controls the listener and request policy.
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	JWTSecret    string
	JWTIssuer    string
	// Insecure lets anonymous callers reach deposit, withdraw and cooldown
	// when no JWT secret is set.
	Insecure  bool
	RateLimit float64
	RateBurst int
}

// Cycler runs a full keeper cycle: price, re-mark, rebase, persistence.
type Cycler interface {
	RunOnce(ctx context.Context, slot time.Time) (tranche.RebaseResult, error)
}

// Option customises a Server.
type Option func(*Server)

// WithCycler routes price-less admin rebases through the keeper.
func WithCycler(c Cycler) Option {
	return func(s *Server) { s.cycler = c }
}

// WithMutationHook runs after every successful state change, typically a
// checkpoint write.
func WithMutationHook(fn func(context.Context) error) Option {
	return func(s *Server) { s.onMutation = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server serves the ledger API.
type Server struct {
	cfg        Config
	ledger     *tranche.Tranches
	cycler     Cycler
	onMutation func(context.Context) error
	auth       *Authenticator
	limiter    *RateLimiter
	logger     zerolog.Logger
	now        func() time.Time
	router     http.Handler
}

// New builds the router.
func New(cfg Config, ledger *tranche.Tranches, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		ledger:  ledger,
		auth:    NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, logger).AllowAnonymous(cfg.Insecure),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  logger.With().Str("component", "api").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.auth.Enabled() {
		if cfg.Insecure {
			s.logger.Warn().Msg("api.jwt_secret not set and api.insecure on: anyone can deposit, withdraw or start a cooldown for any account")
		} else {
			s.logger.Warn().Msg("api.jwt_secret not set: public mutations disabled")
		}
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware)

		v1.Get("/status", s.handleStatus)
		v1.Get("/accounts/{account}", s.handleAccount)

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Require(ScopeAdmin))
			admin.Post("/rebase", s.handleRebase)
			admin.Post("/migrate", s.handleMigrate)
			admin.Post("/migrate-accounts", s.handleMigrateAccounts)
			admin.Post("/remark", s.handleRemark)
			admin.Post("/fee-interval", s.handleFeeInterval)
			admin.Post("/mint-fees", s.handleMintFees)
		})

		v1.Route("/{tranche}", func(tr chi.Router) {
			tr.Get("/balance/{account}", s.handleBalance)
			tr.Group(func(caller chi.Router) {
				caller.Use(s.auth.Caller)
				caller.Post("/deposit", s.handleDeposit)
				caller.Post("/withdraw", s.handleWithdraw)
				caller.Post("/cooldown", s.handleCooldown)
			})
		})
	})

	return otelhttp.NewHandler(r, "trancheledger.api")
}

// observe records latency per route pattern once chi has matched it.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		metrics.API().Observe(route, status, time.Since(start))
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Str("request_id", chimw.GetReqID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// ListenAndServe blocks until ctx is cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Bool("auth", s.auth.Enabled()).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("api stopped")
	return nil
}

func (s *Server) mutated(ctx context.Context, op string) {
	if s.onMutation == nil {
		return
	}
	if err := s.onMutation(ctx); err != nil {
		s.logger.Error().Err(err).Str("op", op).Msg("post-mutation hook failed")
	}
}
