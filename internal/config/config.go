// Package config reads server settings from the environment, after loading
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Port           string
	MongoURI       string
	MongoDB        string
	StoreDriver    string
	EncryptionKey  string
	JWTSecret      string
	SessionTTL     time.Duration
	TOTPIssuer     string
	PolicyFile     string
	LogLevel       string
	LogFile        string
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustProxyHeaders makes the API read client IPs from proxy headers.
	TrustProxyHeaders bool

	// SeedEmail and SeedPassword create an identity at startup when the
	// memory driver is used.
	SeedEmail    string
	SeedPassword string
	SeedOrg      string
}

// LoadDotEnv loads .env files into the environment. A missing file is not
// an error; it reports whether anything was loaded.
func LoadDotEnv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

// FromEnv builds a Config from environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		MongoURI:      getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:       getenv("MONGO_DB", "authguard"),
		StoreDriver:   getenv("STORE_DRIVER", DriverMongo),
		EncryptionKey: os.Getenv("AUTH_ENCRYPTION_KEY"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		TOTPIssuer:    getenv("TOTP_ISSUER", "AuthGuard"),
		PolicyFile:    os.Getenv("POLICY_FILE"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogFile:       os.Getenv("LOG_FILE"),
		SeedEmail:     os.Getenv("SEED_EMAIL"),
		SeedPassword:  os.Getenv("SEED_PASSWORD"),
		SeedOrg:       os.Getenv("SEED_ORG"),
	}

	var err error
	if cfg.SessionTTL, err = time.ParseDuration(getenv("SESSION_TTL", "24h")); err != nil {
		return nil, fmt.Errorf("invalid SESSION_TTL: %w", err)
	}
	if cfg.RateLimitRPS, err = strconv.ParseFloat(getenv("RATE_LIMIT_RPS", "1"), 64); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitBurst, err = strconv.Atoi(getenv("RATE_LIMIT_BURST", "5")); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
	}
	if cfg.TrustProxyHeaders, err = strconv.ParseBool(getenv("TRUST_PROXY_HEADERS", "false")); err != nil {
		return nil, fmt.Errorf("invalid TRUST_PROXY_HEADERS: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("AUTH_ENCRYPTION_KEY is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.StoreDriver != DriverMongo && c.StoreDriver != DriverMemory {
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverMongo, DriverMemory, c.StoreDriver))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
