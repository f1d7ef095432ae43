// Package schedule evaluates trigger rules: computing the next eligible run
// for time-based triggers and testing conditions for event-based ones.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pipewise-io/pipewise/internal/domain"
)

// Evaluator computes next-run times and tests condition rules. It is
// stateless and safe for concurrent use.
type Evaluator struct {
	parser cron.Parser

	// ConditionRecheck is how far out a condition-kind trigger is re-queued
	// after each check, whether or not it fired.
	ConditionRecheck time.Duration
}

func NewEvaluator(conditionRecheck time.Duration) *Evaluator {
	return &Evaluator{
		parser:           cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		ConditionRecheck: conditionRecheck,
	}
}

// NextRun returns the next eligible run time for the trigger, strictly after
// now. The switch over kinds is exhaustive; unknown kinds are an error, not
// a silent default.
func (e *Evaluator) NextRun(kind domain.TriggerKind, rule domain.TriggerRule, now time.Time) (time.Time, error) {
	switch kind {
	case domain.TriggerKindCron:
		sched, loc, err := e.parseCron(rule)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(now.In(loc)).UTC()
		if !next.After(now) {
			return time.Time{}, fmt.Errorf("cron %q: next run %s not after now", rule.CronExpression, next)
		}
		return next, nil

	case domain.TriggerKindInterval:
		if rule.Interval <= 0 {
			return time.Time{}, fmt.Errorf("interval rule: non-positive interval %s", rule.Interval)
		}
		// Truncation can land a sub-second interval at or before now, which
		// would make the trigger due forever. Keep the untruncated time then.
		next := now.Add(rule.Interval).Truncate(time.Second)
		if !next.After(now) {
			next = now.Add(rule.Interval)
		}
		return next, nil

	case domain.TriggerKindCondition:
		if e.ConditionRecheck <= 0 {
			return time.Time{}, fmt.Errorf("condition rule: recheck cadence not configured")
		}
		return now.Add(e.ConditionRecheck), nil

	default:
		return time.Time{}, fmt.Errorf("unknown trigger kind %q", kind)
	}
}

// EvalCondition tests a condition-kind rule against the latest observed
// metric value.
func (e *Evaluator) EvalCondition(rule domain.TriggerRule, value float64) (bool, error) {
	switch rule.Operator {
	case ">":
		return value > rule.Threshold, nil
	case ">=":
		return value >= rule.Threshold, nil
	case "<":
		return value < rule.Threshold, nil
	case "<=":
		return value <= rule.Threshold, nil
	case "==":
		return value == rule.Threshold, nil
	case "!=":
		return value != rule.Threshold, nil
	default:
		return false, fmt.Errorf("unknown operator %q", rule.Operator)
	}
}

// Validate checks that a rule is well-formed for its kind. Used by callers
// before persisting trigger edits.
func (e *Evaluator) Validate(kind domain.TriggerKind, rule domain.TriggerRule) error {
	switch kind {
	case domain.TriggerKindCron:
		_, _, err := e.parseCron(rule)
		return err
	case domain.TriggerKindInterval:
		if rule.Interval <= 0 {
			return fmt.Errorf("interval must be positive, got %s", rule.Interval)
		}
		return nil
	case domain.TriggerKindCondition:
		if rule.Metric == "" {
			return fmt.Errorf("metric is required")
		}
		_, err := e.EvalCondition(rule, 0)
		return err
	default:
		return fmt.Errorf("unknown trigger kind %q", kind)
	}
}

func (e *Evaluator) parseCron(rule domain.TriggerRule) (cron.Schedule, *time.Location, error) {
	sched, err := e.parser.Parse(rule.CronExpression)
	if err != nil {
		return nil, nil, fmt.Errorf("parse cron: %w", err)
	}

	tz := rule.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, nil, fmt.Errorf("load timezone: %w", err)
	}
	return sched, loc, nil
}
