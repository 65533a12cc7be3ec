// Package schema validates word records, published events and credentials
// before they leave the service.
package schema

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MinKeyLength is the shortest credential accepted before contacting a vendor.
const MinKeyLength = 10

// ErrInvalid wraps every validation failure returned by this package.
var ErrInvalid = errors.New("schema validation failed")

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate checks struct tags on event (and nested word records).
func (v *Validator) Validate(event any) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, describe(err))
	}
	return nil
}

// ValidateKey applies the client-side credential guard. It only checks length;
// the vendor remains the authority on whether the key works.
func (v *Validator) ValidateKey(key string) error {
	if err := v.validate.Var(key, fmt.Sprintf("required,min=%d", MinKeyLength)); err != nil {
		return fmt.Errorf("%w: credential must be at least %d characters", ErrInvalid, MinKeyLength)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("%s failed on %q (value=%v)", fe.Namespace(), fe.Tag(), fe.Value())
}
