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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"uniscan/internal/attendance"
	"uniscan/internal/auth"
	"uniscan/internal/clock"
	"uniscan/internal/config"
	"uniscan/internal/httpmiddleware"
	"uniscan/internal/metrics"
	"uniscan/internal/queue"
	"uniscan/internal/server"
	"uniscan/internal/store"
	"uniscan/internal/tally"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()
	logger := log.Default()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	probes := map[string]server.Probe{}

	var (
		users  attendance.UserRepository
		ledger attendance.Ledger
	)
	if cfg.StoreBackend == "memory" {
		mem := attendance.NewMemoryRepository()
		users, ledger = mem, mem
		log.Println("store: in-memory (data is lost on restart)")
	} else {
		if cfg.MigrateOnStart {
			if err := store.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
		}
		pool, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		repo := attendance.NewRepository(pool)
		users, ledger = repo, repo
		probes["db"] = func(ctx context.Context) bool { return pool.Ping(ctx) == nil }
	}

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()
	usesRedis := cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis"
	if usesRedis {
		probes["redis"] = redisClient.Healthy
	}

	var (
		q      queue.Queue
		counts tally.Store
	)
	// stopped once the server has drained
	tallyCtx, stopTally := context.WithCancel(ctx)
	defer stopTally()
	tallyDone := make(chan struct{})
	if cfg.QueueBackend == "memory" {
		// No separate worker can see an in-process queue, so fold events
		// into the tally here.
		mem := queue.NewInMemory(256)
		memTally := tally.NewMemoryStore()
		msgs, err := mem.Consume(tallyCtx)
		if err != nil {
			return err
		}
		go func() {
			defer close(tallyDone)
			n := tally.Run(tallyCtx, msgs, memTally, logger)
			logger.Printf("in-process tally stopped after %d events", n)
		}()
		q, counts = mem, memTally
	} else {
		close(tallyDone)
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
		counts = tally.NewRedisStore(redisClient.Client, cfg.TallyTTL)
	}

	var limiter httpmiddleware.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisFixedWindow(redisClient.Client, cfg.RateLimitPerMin, clock.Real{})
	} else {
		limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, clock.Real{})
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	tokens := auth.NewTokenService(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.TokenTTL, clock.Real{})

	svc := attendance.NewService(attendance.Deps{
		Users:    users,
		Ledger:   ledger,
		Hasher:   auth.NewBcryptHasher(cfg.BcryptCost),
		Tokens:   tokens,
		Clock:    clock.Real{},
		Location: loc,
		Events:   q,
		Observer: m,
		Logger:   logger,
	})

	r := server.NewRouter(server.Deps{
		Service:     svc,
		Tokens:      tokens,
		Tally:       counts,
		Metrics:     m,
		Limiter:     limiter,
		Probes:      probes,
		CORSOrigins: cfg.CORSOrigins,
		Location:    loc,
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	stopTally()
	<-tallyDone

	log.Println("Server exited")
	return nil
}
