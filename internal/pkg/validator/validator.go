// Package validator wraps go-playground/validator to provide declarative
// struct validation with uniform error formatting. Fields are validated from
// their `validate` tags and failures are joined under ErrValidationFailed so
// callers can detect them with errors.Is.
package validator

import (
	"errors"
	"fmt"

	gvalidator "github.com/go-playground/validator/v10"
)

// ErrValidationFailed is the root of every error chain returned when one or
// more fields fail validation.
var ErrValidationFailed = errors.New("struct validation failed")

// validate is the shared validator instance, created on package load.
var validate *gvalidator.Validate

// fieldErrFormat describes a single failing field.
const fieldErrFormat = "'%s': value '%v' does not satisfy the '%s' constraint"

func init() {
	validate = gvalidator.New(gvalidator.WithRequiredStructEnabled())
}

// formatError converts raw validator errors into a joined chain rooted at
// ErrValidationFailed. Non-validation errors pass through unchanged.
func formatError(err error) error {
	var fieldErrors gvalidator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}

	errs := []error{ErrValidationFailed}
	for _, fieldErr := range fieldErrors {
		errs = append(errs, fmt.Errorf(fieldErrFormat,
			fieldErr.Field(),
			fieldErr.Value(),
			fieldErr.Tag(),
		))
	}

	return errors.Join(errs...)
}

// Validate checks the given struct against its validation tags. It returns
// nil on success, or a joined error including ErrValidationFailed and one
// formatted message per failing field.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return formatError(err)
	}

	return nil
}
