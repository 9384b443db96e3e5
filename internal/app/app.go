// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStores   — settings and ledger backends (Redis / ClickHouse / memory)
//  2. initWallet   — ecash wallet client
//  3. initServices — payment mediator, metrics registry
//  4. initGateway  — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/otrta/ecash-gateway/internal/config"
	"github.com/otrta/ecash-gateway/internal/ledger"
	"github.com/otrta/ecash-gateway/internal/metrics"
	"github.com/otrta/ecash-gateway/internal/payment"
	"github.com/otrta/ecash-gateway/internal/proxy"
	"github.com/otrta/ecash-gateway/internal/settings"
	"github.com/otrta/ecash-gateway/internal/wallet"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Store backends — the Redis and ClickHouse variants hold connections
	// that must be released; the memory variants don't.
	settingsStore settings.Store
	redisSettings *settings.RedisStore
	ledgerStore   ledger.Store
	chLedger      *ledger.ClickHouseStore

	walletClient wallet.Client
	mediator     *payment.Mediator

	prom *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"stores", a.initStores},
		{"wallet", a.initWallet},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("ledger_mode", a.cfg.Ledger.Mode),
		slog.String("settings_mode", a.cfg.Settings.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.chLedger != nil {
		if err := a.chLedger.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chLedger = nil
	}
	if a.redisSettings != nil {
		if err := a.redisSettings.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.redisSettings = nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
