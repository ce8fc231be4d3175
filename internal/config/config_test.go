package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SENTRA_TOKEN_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr)
	}
	if cfg.AccessTTL.Minutes() != 15 {
		t.Fatalf("unexpected access ttl: %v", cfg.AccessTTL)
	}
	if cfg.PermissionCacheTTL > cfg.AccessTTL {
		t.Fatalf("cache ttl %v exceeds access ttl %v", cfg.PermissionCacheTTL, cfg.AccessTTL)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("SENTRA_TOKEN_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without token secret")
	}
}

func TestLoadRejectsLongCacheTTL(t *testing.T) {
	t.Setenv("SENTRA_TOKEN_SECRET", "test-secret")
	t.Setenv("SENTRA_PERMISSION_CACHE_TTL", "1h")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when cache TTL exceeds access TTL")
	}
}
