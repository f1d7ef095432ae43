package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		DatabaseURL: "postgres://localhost/pipewise",
		TokenSecret: "secret",
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("expected valid config, got: %v", err)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	cfg := Config{}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors for empty config")
	}

	errs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	if !fields["DATABASE_URL"] {
		t.Error("expected DATABASE_URL required error")
	}
	if !fields["TOKEN_SECRET"] {
		t.Error("expected TOKEN_SECRET required error")
	}
}

func TestValidate_InvalidDuration(t *testing.T) {
	cfg := validConfig()
	cfg.PollIntervalStr = "not-a-duration"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for invalid POLL_INTERVAL")
	}
	if !strings.Contains(err.Error(), "POLL_INTERVAL") {
		t.Errorf("error should name POLL_INTERVAL, got: %v", err)
	}
}

func TestValidate_NonPositiveDuration(t *testing.T) {
	cfg := validConfig()
	cfg.JobTimeoutStr = "-5s"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for negative JOB_TIMEOUT")
	}
	if !strings.Contains(err.Error(), "must be positive") {
		t.Errorf("expected positive-duration error, got: %v", err)
	}
}

func TestValidate_BridgeBackoffOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.BridgeBackoffBase = time.Minute
	cfg.BridgeBackoffMax = time.Second

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error when backoff base exceeds max")
	}
	if !strings.Contains(err.Error(), "BRIDGE_BACKOFF_BASE") {
		t.Errorf("error should name BRIDGE_BACKOFF_BASE, got: %v", err)
	}
}

func TestValidate_ReaperThresholdVsJobTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.ReaperEnabled = true
	cfg.ReaperThreshold = 10 * time.Second
	cfg.JobTimeout = 30 * time.Second

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error when reaper threshold is below job timeout")
	}
	if !strings.Contains(err.Error(), "REAPER_THRESHOLD") {
		t.Errorf("error should name REAPER_THRESHOLD, got: %v", err)
	}

	cfg.ReaperThreshold = 10 * time.Minute
	if err := Validate(cfg); err != nil {
		t.Errorf("expected valid config with ample threshold, got: %v", err)
	}
}

func TestValidationErrors_MessageFormat(t *testing.T) {
	errs := ValidationErrors{
		{Field: "DATABASE_URL", Message: "required"},
		{Field: "TOKEN_SECRET", Message: "required"},
	}

	msg := errs.Error()
	if !strings.Contains(msg, "2 validation errors") {
		t.Errorf("expected error count prefix, got: %s", msg)
	}
	if !strings.Contains(msg, "DATABASE_URL: required") {
		t.Errorf("expected field error line, got: %s", msg)
	}

	single := ValidationErrors{{Field: "POLL_INTERVAL", Message: "must be positive"}}
	if single.Error() != "POLL_INTERVAL: must be positive" {
		t.Errorf("single error should not carry a count prefix, got: %s", single.Error())
	}
}
