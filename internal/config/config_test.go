package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("PAYMENT_SUMMARY_TTL_SECONDS", "")
	t.Setenv("OUTBOX_POLL_SECONDS", "bogus")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.SummaryTTLSeconds != 300 {
		t.Fatalf("expected default summary ttl 300, got %d", cfg.SummaryTTLSeconds)
	}
	if cfg.OutboxPollSeconds != 2 {
		t.Fatalf("expected default outbox poll 2, got %d", cfg.OutboxPollSeconds)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}
