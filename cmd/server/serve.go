package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/rpattn/crudql/internal/auth"
	"github.com/rpattn/crudql/internal/db"
	"github.com/rpattn/crudql/internal/graphql"
	"github.com/rpattn/crudql/internal/metrics"
	"github.com/rpattn/crudql/internal/middleware"
	"github.com/rpattn/crudql/internal/rest"
	"github.com/rpattn/crudql/internal/service"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply pending migrations on startup")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	logger := slog.Default()

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.Logger = logger

	if !skipMigrations {
		if err := conn.RunMigrations(); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		return err
	}
	registry := service.NewRegistry(recorder, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})
	api := func(h http.Handler) http.Handler {
		return corsHandler.Handler(middleware.LoggingMiddleware(logger)(auth.Middleware(h)))
	}

	gqlServer := graphql.NewServer(conn, registry, logger)
	gqlServer.Use(&middleware.ResolverLoggerExtension{Logger: logger})

	mux := http.NewServeMux()
	mux.Handle("/graphql", api(gqlServer))
	mux.Handle("/api/", api(rest.NewRouter(conn, registry, logger)))
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}
