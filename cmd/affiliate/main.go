package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nailart-academy/referrals/internal/auth"
	"github.com/nailart-academy/referrals/internal/cache"
	"github.com/nailart-academy/referrals/internal/dbconnector"
	"github.com/nailart-academy/referrals/internal/logger"
	"github.com/nailart-academy/referrals/internal/memstore"
	"github.com/nailart-academy/referrals/internal/metrics"
	"github.com/nailart-academy/referrals/internal/server"
	"github.com/nailart-academy/referrals/internal/serverconfig"
	"github.com/nailart-academy/referrals/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configStore := serverconfig.NewConfigStore()
	if err := configStore.ParseFlags(); err != nil {
		log.Fatalf("Failed to read config: %v", err)
	}

	zlog, err := logger.New(configStore.FlagLogProduction)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, configStore, zlog)
	stop()
	if err != nil {
		zlog.Error("service stopped", zap.Error(err))
	}
	zlog.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configStore *serverconfig.ConfigStore, zlog *zap.Logger) error {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	opts := []service.Option{service.WithMetrics(m)}

	proxies, err := server.ParseTrustedProxies(configStore.TrustedProxies)
	if err != nil {
		return err
	}

	var storage service.Storage
	switch {
	case configStore.FlagDatabase != "":
		db, err := dbconnector.OpenDBConnect(configStore.FlagDatabase, zlog)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.DBInitialize(); err != nil {
			return err
		}
		storage = db
	case configStore.FlagMemoryStore:
		zlog.Warn("ledger runs in memory, balances are lost on restart")
		storage = memstore.New()
	default:
		return errors.New("no database configured")
	}

	if configStore.FlagRedisAddr != "" {
		client, err := cache.NewRedisClient(ctx, configStore.FlagRedisAddr, configStore.RedisPassword)
		if err != nil {
			zlog.Warn("redis unavailable, visit dedup uses the database only", zap.Error(err))
		} else {
			defer client.Close()
			opts = append(opts, service.WithVisitGuard(cache.NewRedisVisitGuard(client)))
		}
	}

	svc := service.NewService(storage, zlog, opts...)
	if configStore.AdminEmail != "" {
		if _, err := svc.EnsureAdmin(ctx, configStore.AdminEmail, configStore.AdminPassword, "Administrator"); err != nil {
			return err
		}
	}

	ls := server.NewServerSystem(svc, auth.NewTokenManager(configStore.FlagJWTSecret, configStore.FlagTokenTTL), zlog,
		server.WithMetrics(m, registry),
		server.WithRateLimiter(server.NewIPRateLimiter(configStore.VisitRate, 10)),
		server.WithInternalToken(configStore.FlagInternalToken),
		server.WithTrustedProxies(proxies),
	)
	ls.StartLimiterCleanup(ctx, time.Hour)
	srv := ls.MakeServer(configStore.FlagRunAddr)

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("starting server", zap.String("addr", configStore.FlagRunAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	zlog.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
