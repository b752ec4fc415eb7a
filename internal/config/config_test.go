package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEFAULT_LOCATION_ID", "")
	t.Setenv("BASE_CURRENCY", "")
	t.Setenv("STRICT_UNIT_CONVERSION", "")

	cfg := Load()
	if cfg.LocationID != "main" {
		t.Fatalf("expected default location main, got %q", cfg.LocationID)
	}
	if cfg.BaseCurrency != "PEN" {
		t.Fatalf("expected default base currency PEN, got %q", cfg.BaseCurrency)
	}
	if !cfg.StrictUnitConversion {
		t.Fatalf("expected strict unit conversion by default")
	}
}

func TestLoadStrictConversionOptOut(t *testing.T) {
	t.Setenv("STRICT_UNIT_CONVERSION", "false")

	cfg := Load()
	if cfg.StrictUnitConversion {
		t.Fatalf("expected STRICT_UNIT_CONVERSION=false to disable strict mode")
	}
}
