package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	api "github.com/mind-engage/gradebridge/internal/api/http"
	"github.com/mind-engage/gradebridge/internal/auth/jwks"
	"github.com/mind-engage/gradebridge/internal/blackboard"
	"github.com/mind-engage/gradebridge/internal/config"
	"github.com/mind-engage/gradebridge/internal/gradebook"
	"github.com/mind-engage/gradebridge/internal/keys"
	"github.com/mind-engage/gradebridge/internal/lti"
	"github.com/mind-engage/gradebridge/internal/rbac"
	"github.com/mind-engage/gradebridge/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("gradebridge stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbh, err := store.Open(openCtx, store.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		return err
	}
	defer dbh.Close()
	st := store.New(dbh)
	go purgeLoop(ctx, st, log)

	key, err := keys.Load(keys.Source{JWK: cfg.PrivateJWK, PEMFile: cfg.PrivateKeyFile, PublicJWK: cfg.PublicJWK})
	if err != nil {
		return err
	}
	platformKeys, err := keys.NewRemoteKeySet(ctx, cfg.PlatformJWKSURL, keys.RemoteOptions{
		MinRefreshInterval:    cfg.JWKSMinRefresh,
		ForcedRefreshInterval: cfg.JWKSForcedRefresh,
		HTTPClient:            &http.Client{Timeout: 10 * time.Second},
		Logger:                log,
	})
	if err != nil {
		return err
	}

	cookieSecret := []byte(cfg.CookieSecret)
	if len(cookieSecret) == 0 {
		cookieSecret = key.Seed()
	}
	cookies, err := lti.NewCookieJar(cookieSecret, lti.CookieOptions{
		TTL:      cfg.LaunchStateTTL,
		SameSite: sameSite(cfg.CookieSameSite),
		Secure:   cfg.CookieSecure,
	})
	if err != nil {
		return err
	}
	sessions := lti.NewSessionIssuer(key, cfg.SessionIssuer, cfg.SessionTTL)
	flow, err := lti.NewFlow(lti.FlowConfig{
		Issuer:          cfg.Issuer,
		ClientID:        cfg.LTIClientID,
		Audience:        cfg.Audience,
		PlatformAuthURL: cfg.PlatformAuthURL,
		DashboardURL:    cfg.DashboardURL,
		StateTTL:        cfg.LaunchStateTTL,
	}, cookies, lti.NewVerifier(platformKeys, cfg.ClockSkew), sessions, st, log)
	if err != nil {
		return err
	}

	lms, err := blackboard.New(blackboard.Config{
		Host:         cfg.BBHost,
		ClientID:     cfg.BBClientID,
		ClientSecret: cfg.BBClientSecret,
		Timeout:      cfg.LMSTimeout,
		MaxPages:     cfg.LMSMaxPages,
		RateLimit:    cfg.LMSRateLimit,
		RateBurst:    cfg.LMSRateBurst,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	grades := gradebook.NewService(lms, gradebook.Options{
		OverallColumn: cfg.OverallColumnName,
		FinalColumn:   cfg.FinalColumnName,
		Concurrency:   cfg.ReconcileWorkers,
		Runs:          st,
		Logger:        log,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/login", flow.LoginHandler())
	r.Post("/login", flow.LoginHandler())
	r.Get("/launch", flow.LaunchHandler())
	r.Post("/launch", flow.LaunchHandler())

	keySet := &jwks.Handler{Set: key.PublicSet()}
	r.Get("/.well-known/jwks.json", keySet.ServeHTTP)
	r.Head("/.well-known/jwks.json", keySet.ServeHTTP)

	api.Mount(r, api.Deps{
		Sessions: sessions,
		Roles:    rbac.NewChecker(cfg.AllowedRoles),
		Grades:   grades,
		Users:    lms,
		Logger:   log,
	})

	r.Get("/healthz", api.HealthHandler())
	r.Get("/readyz", api.ReadyHandler(st))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr, "db", cfg.DBDriver, "kid", key.KeyID, "learn", cfg.BBHost)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutCtx, cancelShut := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShut()
	return srv.Shutdown(shutCtx)
}

func purgeLoop(ctx context.Context, st *store.Store, log *slog.Logger) {
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := st.PurgeExpired(ctx); err != nil {
				log.Warn("purge used tokens", "err", err)
			} else if n > 0 {
				log.Debug("purged used tokens", "count", n)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func sameSite(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}
