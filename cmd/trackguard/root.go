package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trackguard/internal/config"
	"trackguard/internal/engine"
	"trackguard/internal/logging"
	"trackguard/internal/repository"
)

// app bundles what every subcommand needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *repository.DomainDB
}

type appKey struct{}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "trackguard",
		Short:         "Category-based tracking protection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfgFile)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey{}).(*app); ok {
				a.close()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: first of "+fmt.Sprint(config.SearchPaths)+")")

	cmd.AddCommand(
		newServeCmd(),
		newUpdateCmd(),
		newCheckCmd(),
		newScanCmd(),
		newAuditCmd(),
	)
	return cmd
}

func newApp(cfgFile string) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.App.LogLevel, cfg.App.Development)
	if err != nil {
		return nil, err
	}
	if used := config.Used(cfgFile); used != "" {
		logger.Info("configuration loaded", zap.String("file", used))
	}

	db := &repository.DomainDB{}
	if err := db.InitDB(cfg.App.DBPath, logger); err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, db: db}
	if err := a.syncUserRules(); err != nil {
		a.close()
		return nil, fmt.Errorf("sync user rules: %w", err)
	}
	return a, nil
}

func appFrom(cmd *cobra.Command) (*app, error) {
	a, ok := cmd.Context().Value(appKey{}).(*app)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	return a, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// syncUserRules mirrors blocking.blacklist and blocking.whitelist into the
// database so they survive alongside the feeds.
func (a *app) syncUserRules() error {
	var blacklist []string
	for _, d := range a.cfg.Blocking.Blacklist {
		if n := repository.NormalizeDomain(d); n != "" {
			blacklist = append(blacklist, n)
		}
	}
	return a.db.SyncUserRules(config.UserCategory, blacklist, repository.ParseWhitelist(a.cfg.Blocking.Whitelist))
}

// buildMatcher loads the stored lists and builds a matcher. The enabled set
// starts from matcher.enabled_categories (every loaded category when empty)
// and persisted toggles win over it.
func (a *app) buildMatcher(obs engine.Observer) (*engine.URLMatcher, error) {
	patterns, err := a.db.LoadCategories()
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	entities, err := a.db.LoadEntities()
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	if _, ok := patterns[engine.WebfontsCategory]; ok {
		a.logger.Warn("feed category name is reserved, dropping it", zap.String("category", engine.WebfontsCategory))
		delete(patterns, engine.WebfontsCategory)
	}
	state, err := a.db.LoadCategoryState()
	if err != nil {
		return nil, fmt.Errorf("load category state: %w", err)
	}

	enabled := make(map[string]bool)
	if len(a.cfg.Matcher.EnabledCategories) == 0 {
		for name := range patterns {
			enabled[name] = true
		}
	}
	for _, name := range a.cfg.Matcher.EnabledCategories {
		enabled[name] = true
	}
	// User rules are always on unless toggled off.
	enabled[config.UserCategory] = true
	enabled[engine.WebfontsCategory] = a.cfg.Matcher.BlockWebfonts
	for name, on := range state {
		enabled[name] = on
	}

	var names []string
	for name, on := range enabled {
		if !on {
			continue
		}
		// Categories whose feed has not been fetched yet are skipped rather
		// than failing the build.
		if _, ok := patterns[name]; !ok && name != engine.WebfontsCategory {
			if name != config.UserCategory {
				a.logger.Warn("enabled category has no patterns yet", zap.String("category", name))
			}
			continue
		}
		names = append(names, name)
	}

	overrides := make(map[string][]string)
	for _, o := range a.cfg.Matcher.Overrides {
		if _, ok := patterns[o.Category]; !ok {
			a.logger.Warn("override for unknown category ignored", zap.String("category", o.Category))
			continue
		}
		for _, d := range o.Domains {
			if n := repository.NormalizeDomain(d); n != "" {
				overrides[o.Category] = append(overrides[o.Category], n)
			}
		}
	}

	opts := []engine.Option{
		engine.WithEnabled(names...),
		engine.WithCacheSize(a.cfg.Matcher.CacheSize),
		engine.WithOverrides(overrides),
		engine.WithLogger(a.logger),
	}
	if obs != nil {
		opts = append(opts, engine.WithObserver(obs))
	}
	return engine.Build(patterns, entities, opts...)
}

// liveMatcher lets long-lived consumers follow matcher rebuilds.
type liveMatcher struct {
	p atomic.Pointer[engine.URLMatcher]
}

func (l *liveMatcher) Decide(resourceURL, pageURL string) engine.Decision {
	return l.p.Load().Decide(resourceURL, pageURL)
}

func (l *liveMatcher) Stats() engine.Stats {
	return l.p.Load().Stats()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
