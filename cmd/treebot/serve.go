package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/tbourn/treebot/internal/http"
	"github.com/tbourn/treebot/internal/llm"
	"github.com/tbourn/treebot/internal/observability"
	"github.com/tbourn/treebot/internal/worker"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Migrate the schema and run the HTTP server until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	log := a.log

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, buildVersion())
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer closeDB(db)
	if err := a.migrate(ctx, db, true); err != nil {
		return err
	}

	pool := worker.New(cfg.Title.Workers, cfg.Title.Queue, log)
	dialer := llm.NewDialer(llm.Endpoints{
		OpenAIBaseURL: cfg.Providers.OpenAIBaseURL,
		GoogleBaseURL: cfg.Providers.GoogleBaseURL,
	})
	svcs, err := httpapi.NewServices(db, cfg, dialer, pool, log)
	if err != nil {
		return err
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, svcs, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", buildVersion()).
			Str("api", cfg.APIBasePath).
			Bool("swagger", cfg.SwaggerEnabled).
			Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = shutdownOTel(context.Background())
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Dur("grace", cfg.ShutdownTimeout).Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// HTTP drains before the pool closes.
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	var g errgroup.Group
	g.Go(func() error {
		if err := pool.Shutdown(sctx); err != nil {
			return fmt.Errorf("title workers: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := shutdownOTel(sctx); err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	log.Info().Msg("bye")
	return nil
}
