package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lucasnoah/pkgforge/internal/classify"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their config key
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks a Config for structural and semantic errors. It returns
// all errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []ValidationError{{Field: "config", Message: err.Error()}}
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{Field: fieldPath(fe.Namespace()), Message: tagMessage(fe)})
		}
	}

	durations := []struct {
		field string
		value string
	}{
		{"build.timeout", cfg.Build.Timeout},
		{"limits.time_limit", cfg.Limits.TimeLimit},
		{"refine.verify_timeout", cfg.Refine.VerifyTimeout},
		{"model.retry.initial_interval", cfg.Model.Retry.InitialInterval},
		{"model.retry.max_interval", cfg.Model.Retry.MaxInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if v, err := time.ParseDuration(d.value); err != nil || v < 0 {
			errs = append(errs, ValidationError{Field: d.field, Message: fmt.Sprintf("invalid duration %q", d.value)})
		}
	}

	if cfg.Build.Command != "" && !strings.Contains(cfg.Build.Command, "{{manifest_path}}") && !strings.Contains(cfg.Build.Command, "{{manifest_file}}") {
		errs = append(errs, ValidationError{
			Field:   "build.command",
			Message: "must reference {{manifest_path}} or {{manifest_file}}",
		})
	}
	if strings.ContainsAny(cfg.Build.ManifestFile, `/\`) {
		errs = append(errs, ValidationError{Field: "build.manifest_file", Message: "must be a plain file name"})
	}

	if (cfg.Limits.MaxCostUSD > 0 || cfg.Refine.MaxCostUSD > 0) && cfg.Model.InputPerMTok == 0 && cfg.Model.OutputPerMTok == 0 {
		errs = append(errs, ValidationError{
			Field:   "model.input_per_mtok",
			Message: "a cost limit is set but model prices are zero",
		})
	}
	if cfg.Limits.StagnationLimit > 0 && cfg.Limits.NoProgressLimit > 0 && cfg.Limits.StagnationLimit > cfg.Limits.NoProgressLimit {
		errs = append(errs, ValidationError{
			Field:   "limits.stagnation_limit",
			Message: "cannot exceed limits.no_progress_limit",
		})
	}

	if _, err := classify.New(cfg.Classify); err != nil {
		errs = append(errs, ValidationError{Field: "classify", Message: err.Error()})
	}

	return errs
}

// fieldPath turns "Config.model.retry.max_tries" into "model.retry.max_tries".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "url":
		return "must be a URL"
	}
	return fmt.Sprintf("failed %q", fe.Tag())
}
