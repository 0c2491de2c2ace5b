package estate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidationError lists the invalid fields of a request, keyed by the
// lower-cased field name. It is returned before any network call is made.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e.Fields[k])
	}
	return "validation failed: " + strings.Join(msgs, " ")
}

func validateStruct(payload any) error {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fieldName := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			fields[fieldName] = fmt.Sprintf("The %s field is required.", fe.Field())
		case "email":
			fields[fieldName] = fmt.Sprintf("The %s must be a valid email address.", fe.Field())
		case "min":
			fields[fieldName] = fmt.Sprintf("The %s must be at least %s characters.", fe.Field(), fe.Param())
		case "max":
			fields[fieldName] = fmt.Sprintf("The %s may not be longer than %s characters.", fe.Field(), fe.Param())
		case "oneof":
			fields[fieldName] = fmt.Sprintf("The %s must be one of: %s.", fe.Field(), fe.Param())
		case "gt":
			fields[fieldName] = fmt.Sprintf("The %s must be greater than %s.", fe.Field(), fe.Param())
		default:
			fields[fieldName] = fmt.Sprintf("The %s field is invalid.", fe.Field())
		}
	}
	return &ValidationError{Fields: fields}
}
