package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/cloud-browser/internal/api"
	"github.com/shehryarbajwa/cloud-browser/internal/config"
	"github.com/shehryarbajwa/cloud-browser/internal/ratelimit"
	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

func newServeCmd() *cobra.Command {
	var skipPull bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			return serve(ctx, e, skipPull)
		},
	}
	cmd.Flags().BoolVar(&skipPull, "skip-pull", false, "do not pull browser images on startup")
	return cmd
}

func serve(ctx context.Context, e *engine, skipPull bool) error {
	log := e.log
	cfg := e.cfg

	if !skipPull {
		pullCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		if _, err := e.sessions.PullImages(pullCtx); err != nil {
			log.Warn().Err(err).Msg("some browser images are unavailable")
		}
		cancel()
	}

	cfg.Watch(func(owners map[string]config.OwnerOverride) {
		e.profiles.SetOverrides(owners)
		log.Info().Int("owners", len(owners)).Msg("owner overrides reloaded")
	})

	if cfg.AdminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN is empty, admin routes are unauthenticated")
	}

	limiter := ratelimit.NewLimiter(cfg.CreateRatePerHour, cfg.CreateRateBurst)
	handler := api.NewHandler(e.sessions, e.hub, log)
	srv := api.NewServer(cfg.HTTPAddr, handler.SetupRoutes(api.RouteOptions{
		AdminToken:      cfg.AdminToken,
		CORSOrigins:     cfg.CORSOrigins,
		Limiter:         limiter,
		RequestsPerHour: cfg.CreateRatePerHour,
	}))

	bgCtx, stopBackground := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.sessions.Sweeper().Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if n := limiter.Prune(time.Hour); n > 0 {
					log.Debug().Int("owners", n).Msg("pruned idle rate limiters")
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).
			Int("max_containers", cfg.MaxContainers).
			Dur("default_ttl", cfg.DefaultTTL).
			Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server gracefully")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	stopBackground()
	wg.Wait()

	stopActive(shutdownCtx, e)
	log.Info().Msg("server stopped")
	return serveErr
}

// stopActive stops every live session so no containers outlive the process.
func stopActive(ctx context.Context, e *engine) {
	for _, status := range []models.SessionStatus{models.StatusCreating, models.StatusRunning} {
		for _, s := range e.sessions.AdminListAllSessions(models.SessionFilter{Status: status}) {
			if _, err := e.sessions.StopSession(ctx, s.ID); err != nil {
				e.log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to stop session on shutdown")
			}
		}
	}
}
