package main

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/pipewise-io/pipewise/internal/config"
)

// captureLogOutput calls logConfigWarnings with the given config and returns
// the captured log output as a string.
func captureLogOutput(cfg *config.Config) string {
	var buf bytes.Buffer
	original := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(original)

	logConfigWarnings(cfg)
	return buf.String()
}

func TestLogConfigWarnings_NoReaper(t *testing.T) {
	cfg := &config.Config{
		ReaperEnabled:           false,
		RedisAddr:               "localhost:6379",
		MetricsEnabled:          true,
		CircuitBreakerThreshold: 5,
	}
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "WARNING [P0]: REAPER_ENABLED=false") {
		t.Error("expected no-reaper P0 warning, got:", output)
	}
	if strings.Contains(output, "REDIS_ADDR not set") {
		t.Error("did not expect redis warning with redis configured, got:", output)
	}
	if strings.Contains(output, "METRICS_ENABLED=false") {
		t.Error("did not expect metrics warning when metrics enabled, got:", output)
	}
}

func TestLogConfigWarnings_NoRedis(t *testing.T) {
	cfg := &config.Config{
		ReaperEnabled:           true,
		RedisAddr:               "",
		MetricsEnabled:          true,
		CircuitBreakerThreshold: 5,
	}
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "WARNING [P0]: REDIS_ADDR not set") {
		t.Error("expected no-redis P0 warning, got:", output)
	}
	if strings.Contains(output, "REAPER_ENABLED=false") {
		t.Error("did not expect reaper warning when reaper enabled, got:", output)
	}
}

func TestLogConfigWarnings_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{
		ReaperEnabled:           true,
		RedisAddr:               "localhost:6379",
		MetricsEnabled:          false,
		CircuitBreakerThreshold: 5,
	}
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "WARNING [P1]: METRICS_ENABLED=false") {
		t.Error("expected metrics P1 warning, got:", output)
	}
}

func TestLogConfigWarnings_BreakerDisabled(t *testing.T) {
	cfg := &config.Config{
		ReaperEnabled:           true,
		RedisAddr:               "localhost:6379",
		MetricsEnabled:          true,
		CircuitBreakerThreshold: 0,
	}
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "INFO: CIRCUIT_BREAKER_THRESHOLD=0") {
		t.Error("expected breaker-disabled INFO, got:", output)
	}
}

func TestLogConfigWarnings_AnalyticsWithoutRedis(t *testing.T) {
	cfg := &config.Config{
		ReaperEnabled:           true,
		RedisAddr:               "",
		MetricsEnabled:          true,
		CircuitBreakerThreshold: 5,
		AnalyticsEnabled:        true,
	}
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "INFO: ANALYTICS_ENABLED=true without REDIS_ADDR") {
		t.Error("expected analytics-without-redis INFO, got:", output)
	}
}

func TestLogConfigWarnings_CleanConfig(t *testing.T) {
	cfg := &config.Config{
		ReaperEnabled:           true,
		RedisAddr:               "localhost:6379",
		MetricsEnabled:          true,
		CircuitBreakerThreshold: 5,
	}
	output := captureLogOutput(cfg)

	if strings.Contains(output, "WARNING") {
		t.Error("did not expect any warnings, got:", output)
	}
	if strings.Contains(output, "INFO") {
		t.Error("did not expect any INFO messages, got:", output)
	}
}

func TestLogConfigWarnings_AllWarnings(t *testing.T) {
	// Worst case: no reaper, no redis, no metrics, no breaker.
	cfg := &config.Config{}
	output := captureLogOutput(cfg)

	expected := []string{
		"WARNING [P0]: REAPER_ENABLED=false",
		"WARNING [P0]: REDIS_ADDR not set",
		"WARNING [P1]: METRICS_ENABLED=false",
		"INFO: CIRCUIT_BREAKER_THRESHOLD=0",
	}
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}
