package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agenttrade/gateway/internal/auth"
	"github.com/agenttrade/gateway/internal/config"
	"github.com/agenttrade/gateway/internal/gate"
	"github.com/agenttrade/gateway/internal/ledger"
	"github.com/agenttrade/gateway/internal/pricing"
	"github.com/agenttrade/gateway/internal/server"
	"github.com/agenttrade/gateway/internal/settle"
	"github.com/agenttrade/gateway/internal/vault"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis + job vault ─────────────────────────────────────────────────
	var rdb *redis.Client
	var jobVault vault.Vault
	if cfg.Vault.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		jobVault = vault.NewRedisVault(rdb)
	} else {
		jobVault = vault.NewMemoryVault(log)
	}

	// ── Price cache over the CoinGecko feed ───────────────────────────────
	feed := pricing.NewCoinGeckoFeed(cfg.Pricing.PriceFeedURL)
	prices := pricing.NewCache(
		feed,
		time.Duration(cfg.Pricing.PriceTTLSeconds)*time.Second,
		time.Duration(cfg.Pricing.PriceMaxStaleSeconds)*time.Second,
		log,
	)

	// ── On-chain ledger client ────────────────────────────────────────────
	chain, err := ledger.NewClient(
		cfg.Chain.RPCURL,
		cfg.Chain.ChainID,
		uint64(cfg.Chain.Confirmations),
		time.Duration(cfg.Chain.ConfirmTimeoutSec)*time.Second,
		log,
	)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}

	// ── Response gate ─────────────────────────────────────────────────────
	sealGate, err := gate.New(cfg.Gate.SealKey)
	if err != nil {
		log.Fatal("gate init failed", zap.Error(err))
	}

	// ── Settlement orchestrator ───────────────────────────────────────────
	rates := pricing.Rates{
		InputPerMillionUSD:  cfg.Pricing.InputCostPerMillionUSD,
		OutputPerMillionUSD: cfg.Pricing.OutputCostPerMillionUSD,
	}
	orch := settle.NewOrchestrator(jobVault, prices, chain, sealGate, settle.Options{
		Rates:       rates,
		FeeBps:      cfg.Pricing.FeeBps,
		Recipient:   cfg.Chain.RecipientAddress,
		Treasury:    cfg.Chain.TreasuryAddress,
		ChainID:     cfg.Chain.ChainID,
		JobTTL:      time.Duration(cfg.Vault.JobTTLSeconds) * time.Second,
		VerifyLevel: ledger.ParseVerifyLevel(cfg.Chain.Verification),
	}, log)

	// ── HTTP server ───────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	native := pricing.NativeToken(cfg.Pricing.NativeDecimals)
	stable := pricing.StableToken(cfg.Pricing.StableDecimals)
	info := server.PaymentInfo{
		Recipient:  cfg.Chain.RecipientAddress,
		Treasury:   cfg.Chain.TreasuryAddress,
		ChainID:    cfg.Chain.ChainID,
		FeePercent: float64(cfg.Pricing.FeeBps) / 100.0,
		Rates:      rates,
	}

	api := r.Group("/v1", auth.WalletIdentity(rdb))
	server.NewHandler(orch, prices, info, native, stable, log).Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
