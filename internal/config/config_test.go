package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var configEnvKeys = []string{
	"PORT", "DATA_DIR", "DB_PATH", "WORKER_BINARY", "ANALYZER",
	"JOB_LEASE", "JOB_MAX_ATTEMPTS", "REAPER_INTERVAL", "POLL_INTERVAL",
	"MAX_UPLOAD_BYTES", "RESULT_CACHE_ENTRIES", "UPLOAD_RATE", "UPLOAD_BURST",
	"LOG_LEVEL", "LOG_FORMAT", "OTEL_EXPORTER_OTLP_ENDPOINT", "CORS_ORIGIN",
	"FMUCHECK_CONFIG",
}

// clearEnv unsets every config variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env.local")

	content := `# comment line
FOO_TEST_KEY=hello
BAR_TEST_KEY="quoted value"
BAZ_TEST_KEY='single quoted'

EMPTY_LINE_ABOVE=works
`
	if err := os.WriteFile(envFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	for _, k := range []string{"FOO_TEST_KEY", "BAR_TEST_KEY", "BAZ_TEST_KEY", "EMPTY_LINE_ABOVE"} {
		os.Unsetenv(k)
	}

	loadEnvFile(envFile)
	t.Cleanup(func() {
		for _, k := range []string{"FOO_TEST_KEY", "BAR_TEST_KEY", "BAZ_TEST_KEY", "EMPTY_LINE_ABOVE"} {
			os.Unsetenv(k)
		}
	})

	tests := []struct {
		key  string
		want string
	}{
		{"FOO_TEST_KEY", "hello"},
		{"BAR_TEST_KEY", "quoted value"},
		{"BAZ_TEST_KEY", "single quoted"},
		{"EMPTY_LINE_ABOVE", "works"},
	}
	for _, tt := range tests {
		if got := os.Getenv(tt.key); got != tt.want {
			t.Errorf("os.Getenv(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestLoadEnvFile_RealEnvTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env.local")

	if err := os.WriteFile(envFile, []byte("PRECEDENCE_TEST=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PRECEDENCE_TEST", "from-env")

	loadEnvFile(envFile)

	if got := os.Getenv("PRECEDENCE_TEST"); got != "from-env" {
		t.Errorf("env var = %q, want %q (real env should take precedence)", got, "from-env")
	}
}

func TestLoadEnvFile_MissingFile(t *testing.T) {
	loadEnvFile("/nonexistent/path/.env.local")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8080")
	}
	if cfg.DataDir != "work" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "work")
	}
	if cfg.JobLease != 10*time.Minute {
		t.Errorf("JobLease = %v, want 10m", cfg.JobLease)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", cfg.PollInterval)
	}
	if cfg.MaxUploadBytes != 64<<20 {
		t.Errorf("MaxUploadBytes = %d, want 64MiB", cfg.MaxUploadBytes)
	}
	if got, want := cfg.LedgerPath(), filepath.Join("work", "fmucheck.db"); got != want {
		t.Errorf("LedgerPath() = %q, want %q", got, want)
	}
}

func TestLoad_Precedence(t *testing.T) {
	clearEnv(t)

	file := filepath.Join(t.TempDir(), "fmucheck.yaml")
	yml := `port: "9000"
data_dir: /srv/fmucheck
job_lease: 2m
job_max_attempts: 5
upload_rate: 0.5
`
	if err := os.WriteFile(file, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JOB_MAX_ATTEMPTS", "7")
	t.Setenv("DB_PATH", "/tmp/ledger.db")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file overrides default", cfg.Port, "9000"},
		{"file duration", cfg.JobLease, 2 * time.Minute},
		{"file float", cfg.UploadRate, 0.5},
		{"env overrides file", cfg.MaxAttempts, 7},
		{"default kept", cfg.ReaperInterval, 30 * time.Second},
		{"artifacts dir", cfg.ArtifactsDir(), filepath.Join("/srv/fmucheck", "artifacts")},
		{"explicit ledger path", cfg.LedgerPath(), "/tmp/ledger.db"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_ConfigFromEnvVariable(t *testing.T) {
	clearEnv(t)
	file := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(file, []byte("analyzer: stub\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FMUCHECK_CONFIG", file)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Analyzer != "stub" {
		t.Errorf("Analyzer = %q, want stub", cfg.Analyzer)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing config file should fail")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("job_lease: [not a duration"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("malformed YAML should fail")
	}

	t.Setenv("ANALYZER", "magic")
	if _, err := Load(""); err == nil {
		t.Error("unknown analyzer should fail validation")
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.MaxAttempts = 0
	cfg.JobLease = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
}

func TestEnvDuration_Invalid(t *testing.T) {
	t.Setenv("TEST_DUR_INVALID", "not-a-duration")

	got := envDuration("TEST_DUR_INVALID", 5*time.Second)
	if got != 5*time.Second {
		t.Errorf("envDuration with invalid value = %v, want fallback 5s", got)
	}
}

func TestEnvInt_Invalid(t *testing.T) {
	t.Setenv("TEST_INT_INVALID", "abc")

	got := envInt("TEST_INT_INVALID", 42)
	if got != 42 {
		t.Errorf("envInt with invalid value = %d, want fallback 42", got)
	}
}

func TestEnvFloat_Invalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_INVALID", "fast")

	if got := envFloat("TEST_FLOAT_INVALID", 1.5); got != 1.5 {
		t.Errorf("envFloat with invalid value = %v, want fallback 1.5", got)
	}
}
