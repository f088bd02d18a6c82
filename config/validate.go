package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Providers lists the providers with a built-in adapter. Any gollm:<name>
// provider is accepted as well.
var Providers = []string{"anthropic", "openai", "gemini", "scripted"}

// keyVariables names the environment variable holding each provider's key.
var keyVariables = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// FieldError is one invalid setting.
type FieldError struct {
	Field   string // dotted YAML path, e.g. "loop.max_iterations"
	Message string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationError lists every invalid setting.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// ValidProvider reports whether name selects a known adapter.
func ValidProvider(name string) bool {
	if rest, ok := strings.CutPrefix(name, "gollm:"); ok {
		return rest != ""
	}
	for _, p := range Providers {
		if p == name {
			return true
		}
	}
	return false
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("provider", func(fl validator.FieldLevel) bool {
		return ValidProvider(fl.Field().String())
	})
	return v
}

// Validate checks every setting and returns a *ValidationError listing all
// invalid fields.
func (c *Config) Validate() error {
	var fields []FieldError

	err := newValidator().Struct(c)
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		for _, fe := range verrs {
			fields = append(fields, FieldError{Field: fieldPath(fe), Message: describe(fe)})
		}
	case err != nil:
		return fmt.Errorf("validate config: %w", err)
	}

	if variable, ok := keyVariables[c.LLM.Provider]; ok && c.LLM.APIKey == "" {
		fields = append(fields, FieldError{
			Field:   "llm.api_key",
			Message: fmt.Sprintf("required for provider %s (set %s or %sLLM_API_KEY)", c.LLM.Provider, variable, EnvPrefix),
		})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// fieldPath strips the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "provider":
		return fmt.Sprintf("unknown provider %q (valid: %s, gollm:<name>)", fe.Value(), strings.Join(Providers, ", "))
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gtefield":
		return "must not be less than " + fe.Param()
	case "url":
		return fmt.Sprintf("%q is not a valid URL", fe.Value())
	case "excludesall":
		return "must not contain whitespace"
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}
