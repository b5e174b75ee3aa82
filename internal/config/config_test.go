package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/shadow")
	t.Setenv("PORT", "")
	t.Setenv("SHADOW_CONCURRENT", "")
	t.Setenv("SHADOW_MAX_CONCURRENCY", "")
	t.Setenv("SHADOW_RAISE_ON_MISMATCH", "")
	t.Setenv("SHADOW_RUN_HISTORY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %s, want 8080", cfg.Port)
	}
	if cfg.Concurrent || cfg.RaiseOnMismatch || cfg.MaxConcurrency != 0 {
		t.Errorf("unexpected experiment defaults: %+v", cfg)
	}
	if cfg.RunHistory != 50 {
		t.Errorf("RunHistory = %d, want 50", cfg.RunHistory)
	}
	if cfg.InMemory() {
		t.Error("InMemory() should be false with DATABASE_URL set")
	}
}

func TestLoadWithoutDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !cfg.InMemory() {
		t.Error("InMemory() should be true without DATABASE_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/shadow")
	t.Setenv("PORT", "9090")
	t.Setenv("SHADOW_CONCURRENT", "true")
	t.Setenv("SHADOW_MAX_CONCURRENCY", "4")
	t.Setenv("SHADOW_RAISE_ON_MISMATCH", "1")
	t.Setenv("SHADOW_RUN_HISTORY", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	want := Config{
		DatabaseURL:     "postgres://localhost/shadow",
		Port:            "9090",
		Concurrent:      true,
		MaxConcurrency:  4,
		RaiseOnMismatch: true,
		RunHistory:      10,
	}
	if *cfg != want {
		t.Errorf("Load() = %+v, want %+v", *cfg, want)
	}
}

func TestLoadErrors(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
	}{
		{"Bad bool", map[string]string{"SHADOW_CONCURRENT": "sometimes"}},
		{"Bad int", map[string]string{"SHADOW_MAX_CONCURRENCY": "four"}},
		{"Negative concurrency", map[string]string{"SHADOW_MAX_CONCURRENCY": "-1"}},
		{"Zero history", map[string]string{"SHADOW_RUN_HISTORY": "0"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/shadow")
			t.Setenv("SHADOW_CONCURRENT", "")
			t.Setenv("SHADOW_MAX_CONCURRENCY", "")
			t.Setenv("SHADOW_RAISE_ON_MISMATCH", "")
			t.Setenv("SHADOW_RUN_HISTORY", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			if _, err := Load(); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}
