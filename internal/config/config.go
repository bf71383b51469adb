// Package config loads process-wide configuration from the environment once
// at startup. Secrets are immutable for the process lifetime; rotating the
// signing secret is an operational action that invalidates outstanding tokens.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"modelhub.org/internal/federation"
)

// ErrConfiguration marks startup misconfiguration: missing signing secret,
// malformed provider config. Fatal before serving, never a per-request error.
var ErrConfiguration = errors.New("config: invalid configuration")

const envPrefix = "MODELHUB_"

// Config is the full runtime configuration of the auth service.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	PostgresDSN string

	AuthSecret string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	BcryptCost    int
	KeyRateWindow time.Duration

	Providers []federation.ProviderConfig
}

// Load reads and validates configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:      getenv("GRPC_ADDR", ""),
		PostgresDSN:   getenv("PG_DSN", ""),
		AuthSecret:    getenv("AUTH_SECRET", ""),
		Issuer:        getenv("ISSUER", "modelhub"),
		AccessTTL:     30 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		BcryptCost:    0, // bcrypt default
		KeyRateWindow: time.Hour,
	}

	if cfg.AuthSecret == "" {
		return Config{}, fmt.Errorf("%w: %sAUTH_SECRET is required", ErrConfiguration, envPrefix)
	}

	var err error
	if cfg.AccessTTL, err = duration("ACCESS_TTL", cfg.AccessTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = duration("REFRESH_TTL", cfg.RefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.KeyRateWindow, err = duration("KEY_RATE_WINDOW", cfg.KeyRateWindow); err != nil {
		return Config{}, err
	}
	if raw := getenv("BCRYPT_COST", ""); raw != "" {
		cost, err := strconv.Atoi(raw)
		if err != nil || cost < 0 || cost > 31 {
			return Config{}, fmt.Errorf("%w: %sBCRYPT_COST must be an integer in [0,31]", ErrConfiguration, envPrefix)
		}
		cfg.BcryptCost = cost
	}

	if raw := getenv("OAUTH_PROVIDERS", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Providers); err != nil {
			return Config{}, fmt.Errorf("%w: %sOAUTH_PROVIDERS is not valid JSON: %v", ErrConfiguration, envPrefix, err)
		}
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getenv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s%s must be a positive duration", ErrConfiguration, envPrefix, key)
	}
	return d, nil
}
