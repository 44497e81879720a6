package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trackguard/internal/analysis"
	"trackguard/internal/api"
	"trackguard/internal/engine"
	"trackguard/internal/metrics"
	"trackguard/internal/updater"
)

func newServeCmd() *cobra.Command {
	var skipUpdate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the matcher HTTP API and keep the lists fresh",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, skipUpdate)
		},
	}
	cmd.Flags().BoolVar(&skipUpdate, "skip-update", false, "do not refresh the lists before serving")
	return cmd
}

func (a *app) serve(ctx context.Context, skipUpdate bool) error {
	up := updater.New(a.db, a.logger)
	if !skipUpdate {
		a.logger.Info("checking for updates")
		up.Run(ctx, a.cfg.Blocking.Sources)
	}

	m := metrics.New()
	matcher, err := a.buildMatcher(m)
	if err != nil {
		return err
	}
	live := &liveMatcher{}
	live.p.Store(matcher)
	m.WatchMatcher(live)
	srv := api.NewServer(matcher, analysis.NewScanner(live, a.logger), a.db, m, a.logger)

	httpSrv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("trackguard listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var tick <-chan time.Time
	if a.cfg.App.UpdateInterval > 0 {
		ticker := time.NewTicker(time.Duration(a.cfg.App.UpdateInterval) * time.Hour)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("received shutdown signal, stopping server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)

		case err, ok := <-errCh:
			if ok {
				return err
			}
			return nil

		case <-tick:
			if !changed(up.Run(ctx, a.cfg.Blocking.Sources)) {
				continue
			}
			rebuilt, err := srv.Reload(func() (*engine.URLMatcher, error) {
				return a.buildMatcher(m)
			})
			if err != nil {
				a.logger.Error("rebuild matcher after update", zap.Error(err))
				continue
			}
			live.p.Store(rebuilt)
			a.logger.Info("matcher reloaded")
		}
	}
}

func changed(results []updater.Result) bool {
	for _, r := range results {
		if r.Err == nil && !r.NotModified {
			return true
		}
	}
	return false
}
