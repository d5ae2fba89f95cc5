package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/config"
	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/gateway"
	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/obs"
	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/proxy"
	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/ratelimit"
	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/ratelimit/memory"
	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/ratelimit/redisstore"
	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/routing"
)

const version = "v0.1.0"

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		l := obs.SetupLogger("info")
		l.Fatal().Err(err).Msg("load .env")
	}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		l := obs.SetupLogger("info")
		l.Fatal().Err(err).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	for _, w := range cfg.Warnings {
		logger.Warn().Msg(w)
	}

	routes, err := cfg.Router()
	if err != nil {
		logger.Fatal().Err(err).Msg("build routes")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	lim, err := newLimiter(ctx, cfg, logger, metrics, g)
	if err != nil {
		logger.Fatal().Err(err).Msg("build rate limiter")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(cfg, logger, reg, metrics, lim, routes),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	logger.Info().
		Str("addr", srv.Addr).
		Str("backend", cfg.Limits.Backend).
		Int64("window_ms", cfg.Limits.WindowMS).
		Int("max_requests", cfg.Limits.MaxRequests).
		Str("protected_prefix", cfg.Limits.ProtectedPrefix).
		Int("routes", len(routes.Routes())).
		Msg("listening")
	if err := serve(ctx, g, srv, lim, logger); err != nil {
		logger.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	logger.Info().Msg("bye")
}

// serve runs srv on g until ctx is done or the listener fails. lim is closed
// on every path before serve returns.
func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, lim ratelimit.Limiter, logger zerolog.Logger) error {
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
		return nil
	})

	err := g.Wait()
	if cerr := lim.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("close rate limiter")
	}
	return err
}

// newLimiter builds the single quota table for this process. The memory
// backend gets its janitor started on g.
func newLimiter(ctx context.Context, cfg *config.Root, logger zerolog.Logger, metrics *obs.Metrics, g *errgroup.Group) (ratelimit.Limiter, error) {
	if cfg.Limits.Backend == config.BackendRedis {
		rc := cfg.Limits.Redis
		store := redisstore.New(redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}), redisstore.WithPrefix(rc.Prefix))

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Warn().Str("redis", rc.Addr).Msg("rate limit counters shared through redis")
		return store, nil
	}

	mem := memory.New()
	g.Go(func() error {
		mem.StartJanitor(ctx, cfg.Limits.SweepInterval(), func(removed, remaining int) {
			metrics.TrackedKeys.Set(float64(remaining))
			if removed > 0 {
				logger.Debug().Int("removed", removed).Int("remaining", remaining).Msg("swept quota records")
			}
		})
		return nil
	})
	return mem, nil
}

func newRouter(cfg *config.Root, logger zerolog.Logger, gatherer prometheus.Gatherer, metrics *obs.Metrics, lim ratelimit.Limiter, routes *routing.Router) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(obs.Logger(logger))
	if len(cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(gateway.RateLimit(lim, gateway.RateLimitOptions{
		Policy:     cfg.Limits.Policy(),
		Prefix:     cfg.Limits.ProtectedPrefix,
		OnDecision: metrics.ObserveDecision,
		OnError:    metrics.ObserveError,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	r.Method(http.MethodGet, cfg.Observability.PrometheusPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	api := gateway.Chain(
		proxy.Handler(proxy.NewHTTPTransport()),
		gateway.RouteMatcher(routes),
		metrics.Middleware,
		gateway.BodyLimit(cfg.Server.MaxBody()),
	)
	r.Handle(strings.TrimSuffix(cfg.Limits.ProtectedPrefix, "/")+"/*", api)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
