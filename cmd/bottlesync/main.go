package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bottlesync/internal/adapter/bluez"
	adapthttp "bottlesync/internal/adapter/http"
	"bottlesync/internal/adapter/memory"
	"bottlesync/internal/adapter/postgres"
	"bottlesync/internal/adapter/sqlite"
	"bottlesync/internal/app"
	"bottlesync/internal/config"
	"bottlesync/internal/domain"
	"bottlesync/internal/observability"
)

var version = "dev"

// store is what every persistence adapter provides.
type store interface {
	domain.DrinkRepository
	domain.DeviceRepository
	domain.ScheduleRepository
	domain.UserRepository
}

func openStore(cfg config.Config) (store, domain.SessionRepository, func() error, error) {
	switch cfg.Store {
	case "memory":
		db := memory.New()
		return db, db.NewSessionRepo(), func() error { return nil }, nil
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return db, postgres.NewSessionRepo(db), db.Close, nil
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return db, sqlite.NewSessionRepo(db), db.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func main() {
	cfg := config.MustLoad()
	logger := observability.SetupLogging(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, sessions, closeDB, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	defer func() { _ = closeDB() }()

	radio, err := bluez.Open(cfg.BLE.Adapter, cfg.BLE.WriteRPS, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("bluetooth")
	}
	defer func() { _ = radio.Close() }()

	// Outlives ctx; coord.Shutdown runs on it.
	execCtx, stopExec := context.WithCancel(context.Background())
	defer stopExec()
	exec := app.NewExecutor()
	go exec.Run(execCtx)

	session := app.NewConnectionSession(exec, radio, db, app.SessionConfig{
		ServiceUUID:     cfg.BLE.ServiceUUID,
		CommandUUID:     cfg.BLE.CommandUUID,
		NamePrefix:      cfg.BLE.NamePrefix,
		ScanTimeout:     cfg.BLE.ScanTimeout,
		DeviceCap:       cfg.BLE.DeviceCap,
		OpTimeout:       cfg.BLE.OpTimeout,
		SubscribeSettle: cfg.BLE.SubscribeSettle,
		DataIdle:        cfg.BLE.DataIdle,
		DataTimeout:     cfg.BLE.DataTimeout,
		AutoReconnect:   cfg.BLE.AutoReconnect,
		ReconnectDelay:  cfg.BLE.ReconnectDelay,
	}, logger)

	coord := app.NewPollCoordinator(exec, session, db, db, cfg.Schedule, app.Cadence{
		Urgent:      cfg.Cadence.Urgent,
		Near:        cfg.Cadence.Near,
		Approaching: cfg.Cadence.Approaching,
		Relaxed:     cfg.Cadence.Relaxed,
		Idle:        cfg.Cadence.Idle,
	}, logger)
	if err := coord.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("restore history")
	}
	if cfg.Poll {
		coord.StartPolling()
	}

	go func() {
		if err := radio.WatchPower(ctx, coord.HardwareChanged); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("power watcher stopped")
		}
	}()

	authSvc := app.NewAuthService(db, sessions, cfg.SessionTTL)
	go pruneSessions(ctx, authSvc, logger)

	srv := adapthttp.New(coord, app.NewDrinkService(db), app.NewChartsService(db), authSvc, cfg.WebDir).
		WithLogger(logger).
		WithSessionTTL(cfg.SessionTTL)
	if cfg.AuthDisabled {
		srv.WithoutAuth()
	}
	if cfg.OIDC.Issuer != "" {
		oidcCfg, err := adapthttp.NewOIDCConfig(ctx, cfg.OIDC.Issuer, cfg.OIDC.ClientID, cfg.OIDC.ClientSecret, cfg.OIDC.RedirectURL)
		if err != nil {
			log.Fatal().Err(err).Msg("oidc")
		}
		srv.WithOIDC(oidcCfg)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.Store).Str("version", version).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := coord.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("coordinator shutdown")
	}
	stopExec()
}

func pruneSessions(ctx context.Context, auth *app.AuthService, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := auth.PruneExpired(ctx); err != nil {
				logger.Warn().Err(err).Msg("prune sessions")
			}
		}
	}
}
