package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/otrta/ecash-gateway/internal/ledger"
	"github.com/otrta/ecash-gateway/internal/metrics"
	"github.com/otrta/ecash-gateway/internal/payment"
	"github.com/otrta/ecash-gateway/internal/proxy"
	"github.com/otrta/ecash-gateway/internal/settings"
	"github.com/otrta/ecash-gateway/internal/wallet"
)

// initStores establishes the settings and ledger backends. External
// connections are only opened for the modes that need them.
func (a *App) initStores(ctx context.Context) error {
	switch a.cfg.Settings.Mode {
	case "redis":
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Settings.RedisURL)))

		st, err := settings.NewRedisStoreFromURL(ctx, a.cfg.Settings.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redisSettings = st
		a.settingsStore = st
		a.log.Info("settings backend: redis")

	case "memory":
		a.settingsStore = settings.NewMemoryStore()
		a.log.Info("settings backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown settings mode: %s", a.cfg.Settings.Mode)
	}

	switch a.cfg.Ledger.Mode {
	case "clickhouse":
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.Ledger.ClickHouseURL)))

		st, err := ledger.NewClickHouseStoreFromDSN(ctx, a.cfg.Ledger.ClickHouseURL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chLedger = st
		a.ledgerStore = st
		a.log.Info("ledger backend: clickhouse")

	case "memory":
		a.ledgerStore = ledger.NewMemoryStore()
		a.log.Info("ledger backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown ledger mode: %s", a.cfg.Ledger.Mode)
	}

	return nil
}

// initWallet builds the ecash wallet client. The wallet service is not probed
// at startup — a wallet outage should fail individual payments, not prevent
// the gateway from booting.
func (a *App) initWallet(_ context.Context) error {
	a.walletClient = wallet.New(a.cfg.Wallet.URL)
	a.log.Info("wallet client ready", slog.String("url", redactURL(a.cfg.Wallet.URL)))
	return nil
}

// initServices creates the Prometheus metrics registry and the payment
// mediator over the wallet and ledger.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.mediator = payment.NewMediator(a.walletClient, a.ledgerStore, payment.Options{
		Pricer:  payment.FixedPricer{Sats: a.cfg.Payment.PriceSats},
		Logger:  a.log,
		Metrics: a.prom,
	})
	a.log.Info("payment mediator ready", slog.Int64("price_sats", a.cfg.Payment.PriceSats))

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	gw := proxy.NewGateway(a.settingsStore, a.mediator, a.walletClient, a.ledgerStore, proxy.GatewayOptions{
		Logger:  a.log,
		Metrics: a.prom,
		Version: a.version,
	})

	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
