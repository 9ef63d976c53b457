package fetch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidResponse indicates a response body that could not be decoded or
// failed validation.
var ErrInvalidResponse = errors.New("fetch: invalid response")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode unmarshals raw into a T and validates it against its validate
// tags. Slices of structs are validated element by element.
func Decode[T any](raw []byte) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if err := Validate(out); err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return out, nil
}

// Encode marshals v to JSON.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Validate checks v against its validate tags. Non-struct values other than
// slices of structs are accepted as-is.
func Validate(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		return formatValidationError(validate.Struct(rv.Interface()))
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := Validate(rv.Index(i).Interface()); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.ToLower(e.Field())

	switch e.Tag() {
	case "required":
		return field + " is required"
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return field + " is invalid"
	}
}
