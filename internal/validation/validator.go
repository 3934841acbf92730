// Package validation validates configuration and request structs with
// validator/v10 and reports failures as domain validation errors.
package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
	"github.com/listenupapp/fswatch/internal/watcher"
)

// Validator wraps go-playground/validator with domain error conversion.
type Validator struct {
	v *validator.Validate
}

// New creates a validator with the custom tags:
//
//	backend   a known backend name, or "default"
//	abspath   an absolute filesystem path
func New() *Validator {
	v := validator.New()

	// Report fields by their json name, falling back to the flag name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "flag"} {
			name, _, _ := strings.Cut(fld.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})

	_ = v.RegisterValidation("backend", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		if name == string(watcher.BackendDefault) {
			return true
		}
		return slices.Contains(watcher.AllBackends, watcher.BackendType(name))
	})
	_ = v.RegisterValidation("abspath", func(fl validator.FieldLevel) bool {
		return filepath.IsAbs(fl.Field().String())
	})

	return &Validator{v: v}
}

// Validate validates s and returns a domain validation error listing every
// failing field.
func (v *Validator) Validate(s any) error {
	if err := v.v.Struct(s); err != nil {
		return v.formatError(err)
	}
	return nil
}

func (v *Validator) formatError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	fieldErrors := make(map[string]string)
	names := make([]string, 0, len(validationErrs))
	for _, e := range validationErrs {
		fieldErrors[e.Field()] = friendlyMessage(e)
		names = append(names, e.Field())
	}
	slices.Sort(names)

	return domainerrors.ValidationWithDetails(
		fmt.Sprintf("validation failed: %s", strings.Join(names, ", ")), fieldErrors)
}

func friendlyMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + e.Param()
	case "backend":
		return "must be a known backend"
	case "abspath":
		return "must be an absolute path"
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must not exceed " + e.Param()
	case "gt":
		return "must be greater than " + e.Param()
	case "gte":
		return "must be greater than or equal to " + e.Param()
	case "lte":
		return "must be less than or equal to " + e.Param()
	case "hostname_port":
		return "must be a host:port address"
	default:
		return "is invalid"
	}
}
