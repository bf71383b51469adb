package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MODELHUB_AUTH_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Issuer != "modelhub" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AccessTTL != 30*time.Minute || cfg.RefreshTTL != 7*24*time.Hour || cfg.KeyRateWindow != time.Hour {
		t.Fatalf("unexpected TTL defaults: %+v", cfg)
	}
	if cfg.BcryptCost != 0 {
		t.Fatalf("expected bcrypt default cost, got %d", cfg.BcryptCost)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("MODELHUB_AUTH_SECRET", "")

	if _, err := Load(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MODELHUB_AUTH_SECRET", "test-secret")
	t.Setenv("MODELHUB_HTTP_ADDR", ":9090")
	t.Setenv("MODELHUB_ACCESS_TTL", "15m")
	t.Setenv("MODELHUB_KEY_RATE_WINDOW", "5m")
	t.Setenv("MODELHUB_BCRYPT_COST", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.AccessTTL != 15*time.Minute || cfg.KeyRateWindow != 5*time.Minute || cfg.BcryptCost != 12 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", "MODELHUB_ACCESS_TTL", "soon"},
		{"negative duration", "MODELHUB_REFRESH_TTL", "-1h"},
		{"bad bcrypt cost", "MODELHUB_BCRYPT_COST", "forty"},
		{"bcrypt cost out of range", "MODELHUB_BCRYPT_COST", "99"},
		{"bad providers json", "MODELHUB_OAUTH_PROVIDERS", "{not json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("MODELHUB_AUTH_SECRET", "test-secret")
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestLoadProviders(t *testing.T) {
	t.Setenv("MODELHUB_AUTH_SECRET", "test-secret")
	t.Setenv("MODELHUB_OAUTH_PROVIDERS", `[{"Name":"acme","ClientID":"c","ClientSecret":"s","AuthURL":"a","TokenURL":"t","UserInfoURL":"u","RedirectURL":"r"}]`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "acme" {
		t.Fatalf("unexpected providers: %+v", cfg.Providers)
	}
}
