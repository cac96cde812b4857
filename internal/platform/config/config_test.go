package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv_fallbacks(t *testing.T) {
	t.Setenv("CFG_STR", "value")
	t.Setenv("CFG_BLANK", "   ")

	if got := GetEnv("CFG_STR", "x"); got != "value" {
		t.Errorf("GetEnv: got %q", got)
	}
	if got := GetEnv("CFG_BLANK", "x"); got != "x" {
		t.Errorf("blank value should fall back, got %q", got)
	}
	if got := GetEnv("CFG_MISSING", "x"); got != "x" {
		t.Errorf("missing value should fall back, got %q", got)
	}
}

func TestGetEnv_typed(t *testing.T) {
	t.Setenv("CFG_INT", "42")
	t.Setenv("CFG_BAD_INT", "4x")
	t.Setenv("CFG_FLOAT", "0.25")
	t.Setenv("CFG_INF", "+Inf")
	t.Setenv("CFG_BOOL", "true")
	t.Setenv("CFG_DUR", "750ms")

	t.Run("int", func(t *testing.T) {
		if got := GetEnvInt("CFG_INT", 1); got != 42 {
			t.Errorf("got %d", got)
		}
		if got := GetEnvInt("CFG_BAD_INT", 1); got != 1 {
			t.Errorf("invalid int should fall back, got %d", got)
		}
	})
	t.Run("float", func(t *testing.T) {
		if got := GetEnvFloat("CFG_FLOAT", 1); got != 0.25 {
			t.Errorf("got %v", got)
		}
		if got := GetEnvFloat("CFG_INF", 1); !math.IsInf(got, 1) {
			t.Errorf("expected +Inf, got %v", got)
		}
	})
	t.Run("bool", func(t *testing.T) {
		if !GetEnvBool("CFG_BOOL", false) {
			t.Error("expected true")
		}
		if GetEnvBool("CFG_MISSING", false) {
			t.Error("expected fallback false")
		}
	})
	t.Run("duration", func(t *testing.T) {
		if got := GetEnvDuration("CFG_DUR", time.Second); got != 750*time.Millisecond {
			t.Errorf("got %v", got)
		}
	})
}

func TestLoad_env_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("CFG_FROM_FILE=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CFG_FROM_FILE", "")
	os.Unsetenv("CFG_FROM_FILE")

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := GetEnv("CFG_FROM_FILE", ""); got != "loaded" {
		t.Errorf("expected value from file, got %q", got)
	}
	if err := Load(filepath.Join(dir, "missing.env")); err == nil {
		t.Error("expected error for missing file")
	}
}
