package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func baseEnv() map[string]string {
	return map[string]string{"FRAPPE_URL": "https://school.example.org"}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(envFrom(baseEnv()))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Import.EditDebounce != 500*time.Millisecond {
		t.Errorf("Import.EditDebounce = %v, want %v", cfg.Import.EditDebounce, 500*time.Millisecond)
	}
	if cfg.Import.SessionTTL != 2*time.Hour {
		t.Errorf("Import.SessionTTL = %v, want %v", cfg.Import.SessionTTL, 2*time.Hour)
	}
	if cfg.Submit.MaxConcurrent != 5 {
		t.Errorf("Submit.MaxConcurrent = %d, want %d", cfg.Submit.MaxConcurrent, 5)
	}
	if cfg.Rate.RequestsPerMinute != 100 {
		t.Errorf("Rate.RequestsPerMinute = %d, want %d", cfg.Rate.RequestsPerMinute, 100)
	}
	if cfg.Database.HistoryEnabled() {
		t.Error("Database.HistoryEnabled() = true without DATABASE_URL")
	}
}

func TestLoad_OverrideDefaults(t *testing.T) {
	env := baseEnv()
	env["SERVER_PORT"] = "9090"
	env["SUBMIT_MAX_CONCURRENT"] = "10"
	env["LOG_LEVEL"] = "debug"
	env["DATABASE_URL"] = "postgres://localhost/enroll"

	cfg, err := LoadFrom(envFrom(env))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9090)
	}
	if cfg.Submit.MaxConcurrent != 10 {
		t.Errorf("Submit.MaxConcurrent = %d, want %d", cfg.Submit.MaxConcurrent, 10)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if !cfg.Database.HistoryEnabled() {
		t.Error("Database.HistoryEnabled() = false with DATABASE_URL set")
	}
}

func TestLoad_AltEnvVar(t *testing.T) {
	cfg, err := LoadFrom(envFrom(map[string]string{
		"SCHOOL_URL": "https://alt.example.org",
		"DB_URL":     "postgres://localhost/alttest",
	}))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Frappe.URL != "https://alt.example.org" {
		t.Errorf("Frappe.URL = %q, want %q", cfg.Frappe.URL, "https://alt.example.org")
	}
	if cfg.Database.URL != "postgres://localhost/alttest" {
		t.Errorf("Database.URL = %q, want %q", cfg.Database.URL, "postgres://localhost/alttest")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	_, err := LoadFrom(envFrom(map[string]string{}))
	if err == nil {
		t.Fatal("LoadFrom() expected error for missing FRAPPE_URL")
	}
	if !strings.Contains(err.Error(), "FRAPPE_URL") {
		t.Errorf("error = %v, want mention of FRAPPE_URL", err)
	}
}

func TestLoad_Duration(t *testing.T) {
	env := baseEnv()
	env["SERVER_READ_TIMEOUT"] = "45s"
	env["SUBMIT_MAX_WAIT_TIME"] = "1m30s"

	cfg, err := LoadFrom(envFrom(env))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Server.ReadTimeout != 45*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want %v", cfg.Server.ReadTimeout, 45*time.Second)
	}
	if cfg.Submit.MaxWaitTime != 90*time.Second {
		t.Errorf("Submit.MaxWaitTime = %v, want %v", cfg.Submit.MaxWaitTime, 90*time.Second)
	}
}

func TestLoad_InvalidValue(t *testing.T) {
	env := baseEnv()
	env["IMPORT_EDIT_DEBOUNCE"] = "soon"

	_, err := LoadFrom(envFrom(env))
	if err == nil || !strings.Contains(err.Error(), "IMPORT_EDIT_DEBOUNCE") {
		t.Fatalf("LoadFrom() error = %v, want IMPORT_EDIT_DEBOUNCE error", err)
	}
}

func TestLoad_CommaSeparatedSlice(t *testing.T) {
	env := baseEnv()
	env["TRUSTED_PROXIES"] = "10.0.0.0/8, 172.16.0.0/12 , 192.168.0.0/16"

	cfg, err := LoadFrom(envFrom(env))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	expected := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	if len(cfg.Security.TrustedProxies) != len(expected) {
		t.Fatalf("TrustedProxies length = %d, want %d", len(cfg.Security.TrustedProxies), len(expected))
	}
	for i, v := range expected {
		if cfg.Security.TrustedProxies[i] != v {
			t.Errorf("TrustedProxies[%d] = %q, want %q", i, cfg.Security.TrustedProxies[i], v)
		}
	}
}

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080, ShutdownTimeout: time.Second},
		Frappe:   FrappeConfig{URL: "https://school.example.org", Timeout: time.Second, ReferenceTTL: time.Minute},
		Import:   ImportConfig{MaxFileSize: 1, SessionTTL: time.Hour, JanitorInterval: time.Minute, EditDebounce: time.Millisecond},
		Submit:   SubmitConfig{MaxConcurrent: 1, MaxWaitTime: time.Second, Timeout: time.Minute},
		Auth:     AuthConfig{RoleCacheTTL: time.Minute},
		Rate:     RateLimitConfig{Enabled: true, RequestsPerMinute: 100, UploadLimit: 10},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"valid", func(c *Config) {}, ""},
		{"invalid port", func(c *Config) { c.Server.Port = 99999 }, "SERVER_PORT"},
		{"relative frappe url", func(c *Config) { c.Frappe.URL = "school.local" }, "FRAPPE_URL"},
		{"key without secret", func(c *Config) { c.Frappe.APIKey = "k" }, "FRAPPE_API_SECRET"},
		{"zero debounce", func(c *Config) { c.Import.EditDebounce = 0 }, "IMPORT_EDIT_DEBOUNCE"},
		{"negative row delay", func(c *Config) { c.Submit.RowDelay = -time.Second }, "SUBMIT_ROW_DELAY"},
		{"pool bounds with history", func(c *Config) {
			c.Database = DatabaseConfig{URL: "postgres://x", MaxConns: 1, MinConns: 4}
		}, "DB_MAX_CONNS"},
		{"pool bounds ignored without history", func(c *Config) {
			c.Database = DatabaseConfig{MaxConns: 1, MinConns: 4}
		}, ""},
		{"api key required but empty", func(c *Config) { c.Security.RequireAPIKey = true }, "API_KEYS"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Submit.MaxConcurrent = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"SERVER_PORT", "SUBMIT_MAX_CONCURRENT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %s: %v", want, err)
		}
	}
}

func TestString_MasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Frappe.APIKey = "super-secret-key"
	cfg.Database.URL = "postgres://user:pass@db/enroll"

	s := cfg.String()
	if strings.Contains(s, "super-secret-key") || strings.Contains(s, "pass@db") {
		t.Errorf("String() leaked a secret: %s", s)
	}
	if !strings.Contains(s, "[MASKED]") {
		t.Errorf("String() = %s, want masked API key", s)
	}
}

func TestServerAddr(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8080}
	if got := s.Addr(); got != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q, want %q", got, "127.0.0.1:8080")
	}
	s.Host = ""
	if got := s.Addr(); got != ":8080" {
		t.Errorf("Addr() = %q, want %q", got, ":8080")
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("ENROLL_TEST_FROM_DOTENV=yes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("ENROLL_TEST_FROM_DOTENV") })

	if err := LoadEnvFiles(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadEnvFiles() error = %v", err)
	}
	if got := os.Getenv("ENROLL_TEST_FROM_DOTENV"); got != "yes" {
		t.Errorf("ENROLL_TEST_FROM_DOTENV = %q, want %q", got, "yes")
	}
}
