// cmd/borrowing/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"libraryloans/internal/borrowing"
	"libraryloans/internal/catalog"
	"libraryloans/internal/config"
	"libraryloans/internal/eventstore"
	"libraryloans/internal/httpjson"
	"libraryloans/internal/membership"
	"libraryloans/internal/pagination"
	"libraryloans/internal/schema"
	"libraryloans/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("borrowing service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DevMode {
		logger.Warn("running in development mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer providers.Shutdown(context.Background())

	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if cfg.Migrate {
		if err := schema.Apply(ctx, db); err != nil {
			return err
		}
	}

	members := membership.NewService(db, cfg.LoginRatePerMinute)
	if err := bootstrapAdmin(ctx, members, cfg, logger); err != nil {
		return err
	}
	issuer := membership.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)

	pageOptions := pagination.Options{DefaultPageSize: cfg.DefaultPageSize, MaxPageSize: cfg.MaxPageSize}
	settings := borrowing.DefaultSettings()
	settings.MaxBooksPerRequest = cfg.MaxBooksPerRequest
	settings.LoanPeriod = cfg.LoanPeriod
	settings.ExtensionDays = cfg.ExtensionDays
	settings.MaxExtensionDays = cfg.MaxExtensionDays
	settings.PageOptions = pageOptions

	books := catalog.NewService(db)
	store := borrowing.NewPostgresStore(db, eventstore.NewEventStore(db))
	loans := borrowing.NewService(store, books,
		borrowing.WithSettings(settings),
		borrowing.WithLogger(logger),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			httpjson.Error(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
		httpjson.Write(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	memberHandler := membership.NewHandler(members, issuer, logger)
	memberHandler.PublicRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(membership.Authenticate(issuer))
		memberHandler.Routes(r)
		catalog.NewHandler(books, logger).Routes(r)
		borrowing.NewHandler(loans, pageOptions, logger).Routes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("borrowing service listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// bootstrapAdmin creates the configured administrator on first start.
func bootstrapAdmin(ctx context.Context, members membership.Service, cfg config.Config, logger *slog.Logger) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}
	_, err := members.RegisterMember(ctx, cfg.AdminEmail, "Administrator", cfg.AdminPassword, membership.RoleAdmin)
	switch {
	case errors.Is(err, membership.ErrEmailTaken):
		return nil
	case err != nil:
		return err
	}
	logger.Info("bootstrap administrator created", "email", cfg.AdminEmail)
	return nil
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
