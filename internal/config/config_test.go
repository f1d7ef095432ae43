package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("POLL_INTERVAL")
	os.Unsetenv("WORKER_BUDGET")
	os.Unsetenv("JOB_TIMEOUT")
	os.Unsetenv("CONDITION_RECHECK")
	os.Unsetenv("STOP_GRACE")
	os.Unsetenv("CONN_BUFFER")
	os.Unsetenv("STATEBUS_BUFFER_SIZE")
	os.Unsetenv("DB_OP_TIMEOUT")
	os.Unsetenv("HTTP_ADDR")
	os.Unsetenv("PORT")

	cfg := Load()

	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval: expected 5s, got %v", cfg.PollInterval)
	}
	if cfg.WorkerBudget != 4 {
		t.Errorf("WorkerBudget: expected 4, got %d", cfg.WorkerBudget)
	}
	if cfg.JobTimeout != 30*time.Second {
		t.Errorf("JobTimeout: expected 30s, got %v", cfg.JobTimeout)
	}
	if cfg.ConditionRecheck != 30*time.Second {
		t.Errorf("ConditionRecheck: expected 30s, got %v", cfg.ConditionRecheck)
	}
	if cfg.ConnBuffer != 32 {
		t.Errorf("ConnBuffer: expected 32, got %d", cfg.ConnBuffer)
	}
	if cfg.StateBusBufferSize != 256 {
		t.Errorf("StateBusBufferSize: expected 256, got %d", cfg.StateBusBufferSize)
	}
	if cfg.DBOpTimeout != 5*time.Second {
		t.Errorf("DBOpTimeout: expected 5s, got %v", cfg.DBOpTimeout)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr: expected :8080, got %s", cfg.HTTPAddr)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("POLL_INTERVAL", "1s")
	os.Setenv("WORKER_BUDGET", "16")
	os.Setenv("JOB_TIMEOUT", "2m")
	os.Setenv("CONN_BUFFER", "64")
	defer func() {
		os.Unsetenv("POLL_INTERVAL")
		os.Unsetenv("WORKER_BUDGET")
		os.Unsetenv("JOB_TIMEOUT")
		os.Unsetenv("CONN_BUFFER")
	}()

	cfg := Load()

	if cfg.PollInterval != time.Second {
		t.Errorf("PollInterval: expected 1s, got %v", cfg.PollInterval)
	}
	if cfg.WorkerBudget != 16 {
		t.Errorf("WorkerBudget: expected 16, got %d", cfg.WorkerBudget)
	}
	if cfg.JobTimeout != 2*time.Minute {
		t.Errorf("JobTimeout: expected 2m, got %v", cfg.JobTimeout)
	}
	if cfg.ConnBuffer != 64 {
		t.Errorf("ConnBuffer: expected 64, got %d", cfg.ConnBuffer)
	}
}

func TestLoad_PortFallback(t *testing.T) {
	os.Unsetenv("HTTP_ADDR")
	os.Setenv("PORT", "9000")
	defer os.Unsetenv("PORT")

	cfg := Load()

	if cfg.HTTPAddr != ":9000" {
		t.Errorf("HTTPAddr: expected :9000, got %s", cfg.HTTPAddr)
	}
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"negative", "-1"},
		{"zero", "0"},
		{"non-numeric", "abc"},
		{"float", "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv("WORKER_BUDGET", tt.value)
			defer os.Unsetenv("WORKER_BUDGET")

			cfg := Load()

			if cfg.WorkerBudget != 4 {
				t.Errorf("WorkerBudget: expected fallback to 4 for %q, got %d", tt.value, cfg.WorkerBudget)
			}
		})
	}
}

func TestMaskedJSON_MasksSecrets(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://user:hunter2@db:5432/pipewise")
	os.Setenv("TOKEN_SECRET", "super-secret-token-key")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("TOKEN_SECRET")
	}()

	cfg := Load()
	data, err := cfg.MaskedJSON()
	if err != nil {
		t.Fatalf("MaskedJSON failed: %v", err)
	}

	out := string(data)
	if strings.Contains(out, "hunter2") {
		t.Error("MaskedJSON leaked the database password")
	}
	if strings.Contains(out, "super-secret-token-key") {
		t.Error("MaskedJSON leaked the token secret")
	}
	if !strings.Contains(out, `"postgres://***"`) {
		t.Error("MaskedJSON should preserve the database URL scheme")
	}
	if !strings.Contains(out, `"poll_interval"`) {
		t.Error("MaskedJSON missing poll_interval field")
	}
	if !strings.Contains(out, `"worker_budget"`) {
		t.Error("MaskedJSON missing worker_budget field")
	}
}
