package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"authguard/internal/api"
	"authguard/internal/audit"
	"authguard/internal/auth"
	"authguard/internal/config"
	"authguard/internal/database"
	"authguard/internal/lockout"
	"authguard/internal/logger"
	"authguard/internal/metrics"
	"authguard/internal/policy"
	"authguard/internal/secrets"
	"authguard/internal/session"
	"authguard/internal/store"
	"authguard/internal/twofactor"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func init() {
	// Load environment variables from .env file.
	if !config.LoadDotEnv() {
		log.Println("Warning: .env file not found")
	}
}

type backend interface {
	store.CredentialStore
	store.EventStore
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	zlog, err := logger.New(logger.Config{Level: cfg.LogLevel, File: cfg.LogFile, Console: true})
	if err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer zlog.Sync()

	// Create a context for initialization.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		db     backend
		health func(context.Context) error
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		db = store.NewMemory()
	default:
		client, err := database.ConnectMongoDB(ctx, cfg.MongoURI, zlog)
		if err != nil {
			zlog.Fatal("initialization error", zap.Error(err))
		}
		mongoStore := database.NewStore(client, cfg.MongoDB)
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			zlog.Fatal("failed to create indexes", zap.Error(err))
		}
		defer func() {
			if err := mongoStore.Disconnect(context.Background()); err != nil {
				zlog.Error("error disconnecting from DB", zap.Error(err))
			}
		}()
		db = mongoStore
		health = mongoStore.Ping
	}

	policies := policy.NewStatic()
	if cfg.PolicyFile != "" {
		if policies, err = policy.Load(cfg.PolicyFile); err != nil {
			zlog.Fatal("failed to load policies", zap.Error(err))
		}
	}

	cipher, err := secrets.NewAESGCM(cfg.EncryptionKey)
	if err != nil {
		zlog.Fatal("failed to initialize cipher", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	auditLog := audit.New(db, zlog.Named("audit"), audit.WithMetrics(m))
	tokens := session.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.SessionTTL, nil)
	gw := auth.New(auth.Components{
		Store:     db,
		Policies:  policies,
		Lockout:   lockout.New(db, policies, zlog.Named("lockout"), lockout.WithMetrics(m)),
		TwoFactor: twofactor.New(db, cipher, cfg.TOTPIssuer, zlog.Named("twofactor"), twofactor.WithMetrics(m)),
		Sessions:  session.New(db, policies, auditLog, zlog.Named("session"), session.WithMetrics(m)),
		Tokens:    tokens,
		Audit:     auditLog,
		Metrics:   m,
		Logger:    zlog.Named("gateway"),
	})

	if cfg.StoreDriver == config.DriverMemory {
		if err := seed(ctx, gw, cfg); err != nil {
			zlog.Fatal("failed to seed identity", zap.Error(err))
		}
	}

	srvAPI := api.NewServer(gw, tokens, zlog.Named("api"), api.Options{
		RateLimitRPS:      cfg.RateLimitRPS,
		RateLimitBurst:    cfg.RateLimitBurst,
		Gatherer:          reg,
		Health:            health,
		AllowedOrigins:    splitList(os.Getenv("CORS_ORIGINS")),
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	// Wrap the router with logging middleware.
	loggedRouter := handlers.LoggingHandler(os.Stdout, srvAPI.Router())

	addr := ":" + cfg.Port
	srv := &http.Server{
		Handler:      loggedRouter,
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zlog.Info("server running", zap.String("addr", addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signals for graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	zlog.Info("shutting down server")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		zlog.Error("server forced to shutdown", zap.Error(err))
		return
	}
	zlog.Info("server exiting gracefully")
}

// seed creates the configured development identity in the memory store.
func seed(ctx context.Context, gw *auth.Gateway, cfg *config.Config) error {
	if cfg.SeedEmail == "" || cfg.SeedPassword == "" {
		return nil
	}
	_, err := gw.CreateIdentity(ctx, cfg.SeedOrg, cfg.SeedEmail, cfg.SeedPassword)
	return err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
