package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/phoenixvc/phoenix-evidence/pkg/db"
	"github.com/phoenixvc/phoenix-evidence/pkg/x402"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/config"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/gateway"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/ratelimit"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/store"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := db.MustConnect(ctx, cfg.DatabaseURL)
	defer pool.Close()

	st := store.New(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("ensure schema")
	}

	verifyLimit, statusLimit := buildLimiters(cfg)
	gw := &gateway.Gateway{
		Store:       st,
		Verifier:    x402.NewFacilitator(cfg.X402),
		Config:      cfg.X402,
		VerifyLimit: verifyLimit,
		StatusLimit: statusLimit,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           newRouter(st, gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.ServerPort).Info("evidence API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
		os.Exit(1)
	}
}

// buildLimiters wires Redis fixed-window limiters, or no-ops when
// REDIS_ADDR is unset.
func buildLimiters(cfg *config.Settings) (ratelimit.Limiter, ratelimit.Limiter) {
	if cfg.RedisAddr == "" {
		return ratelimit.Nop{}, ratelimit.Nop{}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return ratelimit.NewFixedWindow(rdb, "rl:verify", cfg.VerifyRatePerMin, time.Minute),
		ratelimit.NewFixedWindow(rdb, "rl:status", cfg.StatusRatePerMin, time.Minute)
}
