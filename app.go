package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"voucher-service/config"
	"voucher-service/gateway"
	"voucher-service/logging"
	"voucher-service/notify"
	"voucher-service/service"
	"voucher-service/store"
	"voucher-service/voucher"
)

// app holds the wired components shared by the server and the CLI commands.
type app struct {
	store       *store.GormStore
	chain       *notify.Chain
	provisioner voucher.Provisioner
	payments    *service.PaymentService
}

func openDatabase(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	seeded, err := store.SeedPackages(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to seed packages: %w", err)
	}
	if seeded > 0 {
		logging.Info("Seeded default packages", zap.Int("count", seeded))
	}
	return db, nil
}

func newApp(ctx context.Context, cfg *config.Config, tracer trace.Tracer) (*app, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	st := store.NewGormStore(db)

	registry := gateway.NewRegistry(
		gateway.NewAirtelClient(cfg.Airtel, cfg.BaseURL+"/api/payments/airtel/callback", cfg.ProviderTimeout, cfg.TokenExpiryMargin),
		gateway.NewMTNClient(cfg.MTN, cfg.BaseURL+"/api/payments/mtn/callback", cfg.ProviderTimeout, cfg.TokenExpiryMargin),
	)

	// A nil Provisioner disables controller provisioning.
	var provisioner voucher.Provisioner
	if omada := voucher.NewOmadaProvisioner(cfg.Omada, cfg.ProviderTimeout); omada.Enabled() {
		provisioner = omada
	}
	issuer := voucher.NewIssuer(st, provisioner, cfg.VoucherCodeAttempts)

	chain := notify.NewChain(st, notify.FromConfig(cfg.SMS, cfg.ProviderTimeout)...)
	if len(chain.Providers()) == 0 {
		logging.Warn("No SMS provider configured, vouchers will not be delivered")
	}

	payments := service.NewPaymentService(tracer, st, registry, issuer, chain, service.Options{
		InitiateTimeout:          cfg.ProviderTimeout,
		RequireCallbackSignature: cfg.CallbackSignatureRequired,
	})

	return &app{
		store:       st,
		chain:       chain,
		provisioner: provisioner,
		payments:    payments,
	}, nil
}
