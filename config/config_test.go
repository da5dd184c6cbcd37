package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "COMMAND_TIMEOUT", "RECONCILE_INTERVAL", "OTEL_ENABLED"} {
		t.Setenv(key, "")
	}
	t.Setenv("SUDO_BINARY", "")
	os.Unsetenv("SUDO_BINARY")

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("want port 8080, got %s", cfg.Port)
	}
	if cfg.CommandTimeout != 5*time.Second {
		t.Errorf("want command timeout 5s, got %s", cfg.CommandTimeout)
	}
	if cfg.ReconcileInterval != 0 {
		t.Errorf("want reconcile interval disabled, got %s", cfg.ReconcileInterval)
	}
	if cfg.OtelEnabled {
		t.Error("want otel disabled by default")
	}
	if cfg.SudoBinary != "/usr/bin/sudo" {
		t.Errorf("want sudo default, got %s", cfg.SudoBinary)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("COMMAND_TIMEOUT", "2s")
	t.Setenv("RECONCILE_INTERVAL", "1m")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_SAMPLING_RATE", "0.25")
	t.Setenv("WG_INTERFACE", "wg1")

	cfg := Load()

	if cfg.CommandTimeout != 2*time.Second {
		t.Errorf("want 2s, got %s", cfg.CommandTimeout)
	}
	if cfg.ReconcileInterval != time.Minute {
		t.Errorf("want 1m, got %s", cfg.ReconcileInterval)
	}
	if !cfg.OtelEnabled {
		t.Error("want otel enabled")
	}
	if cfg.OtelSamplingRate != 0.25 {
		t.Errorf("want sampling rate 0.25, got %f", cfg.OtelSamplingRate)
	}
	if cfg.InterfaceName != "wg1" {
		t.Errorf("want wg1, got %s", cfg.InterfaceName)
	}
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("COMMAND_TIMEOUT", "soon")

	cfg := Load()

	if cfg.CommandTimeout != 5*time.Second {
		t.Errorf("want fallback 5s, got %s", cfg.CommandTimeout)
	}
}

func TestLoad_EmptySudoBinaryDisablesSudo(t *testing.T) {
	t.Setenv("SUDO_BINARY", "")

	cfg := Load()

	if cfg.SudoBinary != "" {
		t.Errorf("want sudo disabled, got %s", cfg.SudoBinary)
	}
}
