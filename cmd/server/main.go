package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tillpoint/terminal/internal/audit"
	"tillpoint/terminal/internal/cache"
	"tillpoint/terminal/internal/config"
	"tillpoint/terminal/internal/httpapi"
	"tillpoint/terminal/internal/metrics"
	"tillpoint/terminal/internal/offline"
	"tillpoint/terminal/internal/payment"
	"tillpoint/terminal/internal/pos"
	"tillpoint/terminal/internal/reconcile"
	"tillpoint/terminal/internal/store"
	"tillpoint/terminal/internal/store/memory"
	pgstore "tillpoint/terminal/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	loyaltyCache := cache.LoyaltyCache(cache.NoopLoyaltyCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisLoyaltyCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			loyaltyCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	queue, err := offline.Open(cfg.QueuePath)
	if err != nil {
		log.Fatalf("offline queue unavailable: %v", err)
	}
	closers = append(closers, queue.Close)

	auditor := audit.NewRecorder(repo, 64, metrics.AlertsDropped.Inc)

	coordinator := pos.NewCoordinator(repo, queue, loyaltyCache, auditor, pos.Config{
		TaxRatePercent:     cfg.TaxRatePercent,
		PointValueCents:    cfg.PointValueCents,
		MaxLoyaltyFraction: cfg.MaxLoyaltyFraction,
		EarnDivisorCents:   cfg.EarnDivisorCents,
	})
	sessions := pos.NewSessionManager(repo, auditor)
	reconciler := reconcile.New(repo, queue, auditor)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go reconciler.Start(runCtx, time.Duration(cfg.SyncIntervalSeconds)*time.Second)
	go drainAlerts(runCtx, auditor)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	verifier := payment.NewVerifier(cfg.CallbackSecret)
	api := httpapi.New(coordinator, sessions, reconciler, auth, verifier, auditor, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("terminal backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// drainAlerts surfaces high-severity audit events on the process log so
// an operator watching the terminal sees them without polling the API.
func drainAlerts(ctx context.Context, auditor *audit.Recorder) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-auditor.Alerts():
			log.Printf("[alert] %s severity=%s entity=%s detail=%s", event.Type, event.Severity, event.EntityID, event.Detail)
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.CallbackSecret == "" {
		return fmt.Errorf("PAYMENT_CALLBACK_SECRET must be set")
	}
	return nil
}
