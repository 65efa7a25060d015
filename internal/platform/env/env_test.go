package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestString(t *testing.T) {
	if got := String("CUSTSAT_ENV_STRING_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
	t.Setenv("CUSTSAT_ENV_STRING", "value")
	if got := String("CUSTSAT_ENV_STRING", "fallback"); got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestTypedDefaults(t *testing.T) {
	t.Setenv("CUSTSAT_ENV_BLANK", "   ")

	d, err := Duration("CUSTSAT_ENV_BLANK", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("Duration()=%v err=%v, want 5s", d, err)
	}
	b, err := Bool("CUSTSAT_ENV_BOOL_MISSING", true)
	if err != nil || !b {
		t.Fatalf("Bool()=%v err=%v, want true", b, err)
	}
	i, err := Int("CUSTSAT_ENV_INT_MISSING", 42)
	if err != nil || i != 42 {
		t.Fatalf("Int()=%v err=%v, want 42", i, err)
	}
	f, err := Float("CUSTSAT_ENV_FLOAT_MISSING", 0.33)
	if err != nil || f != 0.33 {
		t.Fatalf("Float()=%v err=%v, want 0.33", f, err)
	}
}

func TestTypedOverrides(t *testing.T) {
	t.Setenv("CUSTSAT_ENV_DURATION", "250ms")
	t.Setenv("CUSTSAT_ENV_BOOL", "false")
	t.Setenv("CUSTSAT_ENV_INT", "7")
	t.Setenv("CUSTSAT_ENV_FLOAT", "0.25")

	if d, err := Duration("CUSTSAT_ENV_DURATION", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("Duration()=%v err=%v, want 250ms", d, err)
	}
	if b, err := Bool("CUSTSAT_ENV_BOOL", true); err != nil || b {
		t.Fatalf("Bool()=%v err=%v, want false", b, err)
	}
	if i, err := Int("CUSTSAT_ENV_INT", 42); err != nil || i != 7 {
		t.Fatalf("Int()=%v err=%v, want 7", i, err)
	}
	if f, err := Float("CUSTSAT_ENV_FLOAT", 1); err != nil || f != 0.25 {
		t.Fatalf("Float()=%v err=%v, want 0.25", f, err)
	}
}

func TestTypedInvalid(t *testing.T) {
	t.Setenv("CUSTSAT_ENV_INVALID", "nope")

	if _, err := Duration("CUSTSAT_ENV_INVALID", time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
	if _, err := Bool("CUSTSAT_ENV_INVALID", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
	if _, err := Int("CUSTSAT_ENV_INVALID", 0); err == nil {
		t.Fatalf("Int() expected error")
	}
	if _, err := Float("CUSTSAT_ENV_INVALID", 0); err == nil {
		t.Fatalf("Float() expected error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CUSTSAT_DOTENV_NEW=from-file\nCUSTSAT_DOTENV_SET=from-file\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("CUSTSAT_DOTENV_SET", "from-env")
	_ = os.Unsetenv("CUSTSAT_DOTENV_NEW")
	t.Cleanup(func() { _ = os.Unsetenv("CUSTSAT_DOTENV_NEW") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv() err=%v", err)
	}
	if got := os.Getenv("CUSTSAT_DOTENV_NEW"); got != "from-file" {
		t.Fatalf("CUSTSAT_DOTENV_NEW=%q, want from-file", got)
	}
	if got := os.Getenv("CUSTSAT_DOTENV_SET"); got != "from-env" {
		t.Fatalf("CUSTSAT_DOTENV_SET=%q, want from-env", got)
	}
}
