package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zero-day-ai/probegrid/balancer"
	"github.com/zero-day-ai/probegrid/cache"
	"github.com/zero-day-ai/probegrid/scaler"
	"github.com/zero-day-ai/probegrid/scanerr"
	"github.com/zero-day-ai/probegrid/tenant"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", validateDuration)
	_ = v.RegisterValidation("eviction_policy", validateEvictionPolicy)
	_ = v.RegisterValidation("strategy", validateStrategy)
	_ = v.RegisterValidation("metric", validateMetric)
	_ = v.RegisterValidation("isolation", validateIsolation)
	return v
}

// validateDuration accepts an empty or parseable non-negative duration.
func validateDuration(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	d, err := time.ParseDuration(value)
	return err == nil && d >= 0
}

func validateEvictionPolicy(fl validator.FieldLevel) bool {
	_, err := cache.ParsePolicy(fl.Field().String())
	return err == nil
}

func validateStrategy(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	return value == "" || balancer.Strategy(value).IsValid()
}

func validateMetric(fl validator.FieldLevel) bool {
	return scaler.Metric(fl.Field().String()).IsValid()
}

func validateIsolation(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	return value == "" || tenant.Isolation(value).IsValid()
}

// Validate checks field formats and cross-field constraints. All problems
// are reported together in one validation error.
func (c Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return scanerr.Wrap("config.Validate", scanerr.KindValidation, err)
		}
		for _, fe := range verrs {
			problems = append(problems, fieldMessage(fe))
		}
	}

	s := c.Scaler
	if s.MaxInstances > 0 && s.MinInstances > s.MaxInstances {
		problems = append(problems, fmt.Sprintf("scaler.min_instances %d exceeds max_instances %d", s.MinInstances, s.MaxInstances))
	}
	seen := make(map[string]bool)
	for _, p := range s.Policies {
		if seen[p.Name] {
			problems = append(problems, fmt.Sprintf("scaler.policies: duplicate policy %q", p.Name))
		}
		seen[p.Name] = true
		if p.ScaleDownThreshold >= p.ScaleUpThreshold {
			problems = append(problems, fmt.Sprintf("scaler.policies[%s]: scale_down_threshold must be below scale_up_threshold", p.Name))
		}
	}

	o := c.Orchestrator
	if o.BatchMaxConcurrency > 0 && o.BatchMinConcurrency > o.BatchMaxConcurrency {
		problems = append(problems, "orchestrator.batch_min_concurrency exceeds batch_max_concurrency")
	}

	ids := make(map[string]bool)
	for _, w := range c.Workers {
		if ids[w.ID] {
			problems = append(problems, fmt.Sprintf("workers: duplicate worker %q", w.ID))
		}
		ids[w.ID] = true
	}

	if len(problems) == 0 {
		return nil
	}
	return scanerr.New("config.Validate", scanerr.KindValidation, strings.Join(problems, "; ")).
		WithDetails(map[string]any{"problems": problems})
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "duration":
		return fmt.Sprintf("%s: invalid duration %q", field, fe.Value())
	default:
		return fmt.Sprintf("%s: invalid %s %q", field, fe.Tag(), fe.Value())
	}
}
