package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{Field: "DATABASE_URL", Message: "required"})
	}
	if cfg.TokenSecret == "" {
		errs = append(errs, ValidationError{Field: "TOKEN_SECRET", Message: "required"})
	}

	durations := []struct {
		field string
		value string
	}{
		{"POLL_INTERVAL", cfg.PollIntervalStr},
		{"JOB_TIMEOUT", cfg.JobTimeoutStr},
		{"CONDITION_RECHECK", cfg.ConditionRecheckStr},
		{"STOP_GRACE", cfg.StopGraceStr},
		{"TOKEN_TTL", cfg.TokenTTLStr},
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"REAPER_INTERVAL", cfg.ReaperIntervalStr},
		{"REAPER_THRESHOLD", cfg.ReaperThresholdStr},
		{"BRIDGE_BACKOFF_BASE", cfg.BridgeBackoffBaseStr},
		{"BRIDGE_BACKOFF_MAX", cfg.BridgeBackoffMaxStr},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if parsed <= 0 {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Message: "must be positive",
			})
		}
	}

	if cfg.BridgeBackoffBase > 0 && cfg.BridgeBackoffMax > 0 && cfg.BridgeBackoffBase > cfg.BridgeBackoffMax {
		errs = append(errs, ValidationError{
			Field:   "BRIDGE_BACKOFF_BASE",
			Message: "must not exceed BRIDGE_BACKOFF_MAX",
		})
	}

	if cfg.ReaperEnabled && cfg.ReaperThreshold > 0 && cfg.JobTimeout > 0 && cfg.ReaperThreshold <= cfg.JobTimeout {
		errs = append(errs, ValidationError{
			Field:   "REAPER_THRESHOLD",
			Message: "must exceed JOB_TIMEOUT or live executions get reaped",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
