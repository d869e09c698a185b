package config

import "testing"

func TestLoadDoesNotInjectWeakSecretDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("PAYMENT_CALLBACK_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.CallbackSecret != "" {
		t.Fatalf("expected empty PAYMENT_CALLBACK_SECRET when unset, got %q", cfg.CallbackSecret)
	}
}

func TestLoadClampsBadNumericValues(t *testing.T) {
	t.Setenv("SYNC_INTERVAL_SECONDS", "-5")
	t.Setenv("TAX_RATE_PERCENT", "250")
	t.Setenv("MAX_LOYALTY_FRACTION", "2.0")
	t.Setenv("EARN_DIVISOR_CENTS", "0")

	cfg := Load()
	if cfg.SyncIntervalSeconds != 30 {
		t.Fatalf("expected sync interval fallback 30, got %d", cfg.SyncIntervalSeconds)
	}
	if cfg.TaxRatePercent != 18 {
		t.Fatalf("expected tax rate fallback 18, got %v", cfg.TaxRatePercent)
	}
	if cfg.MaxLoyaltyFraction != 0.10 {
		t.Fatalf("expected loyalty fraction fallback 0.10, got %v", cfg.MaxLoyaltyFraction)
	}
	if cfg.EarnDivisorCents != 100 {
		t.Fatalf("expected earn divisor fallback 100, got %d", cfg.EarnDivisorCents)
	}
}

func TestAddressUsesPort(t *testing.T) {
	t.Setenv("PORT", "9191")
	cfg := Load()
	if cfg.Address() != ":9191" {
		t.Fatalf("expected :9191, got %s", cfg.Address())
	}
}
