package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers router-specific validation rules.
// Must be called before validating NormalizedConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	return nil
}

// validateAuditOutput validates the audit.output field.
// Valid values: "stdout" or "file://<absolute-path>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	if output == "stdout" {
		return true
	}
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

// Validate validates the NormalizedConfig using struct tags and hand-written
// cross-field rules. NormalizeUpstreams must have been called first so
// Upstreams and Projects are populated.
func (c *NormalizedConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	var errs []string

	for name, u := range c.Upstreams {
		if err := u.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		_ = name
	}

	if err := c.validateProjectReferences(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateProjectReferences ensures every token's projectId references an
// existing project.
func (c *NormalizedConfig) validateProjectReferences() error {
	var errs []string
	for i, tok := range c.Auth.Tokens {
		if tok.ProjectID == "" {
			continue
		}
		if _, ok := c.Projects[tok.ProjectID]; !ok {
			errs = append(errs, fmt.Sprintf("auth.tokens[%d]: references unknown projectId %q", i, tok.ProjectID))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to a single
// error that reports every violation, not just the first.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for one
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "gte", "lte", "gt":
		return fmt.Sprintf("%s must satisfy %s %s", field, tag, e.Param())
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
