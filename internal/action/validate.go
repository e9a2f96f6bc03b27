package action

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/segment"
)

var validate = validator.New()

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("segments", func(fl validator.FieldLevel) bool {
		_, err := segment.ParseMask(fl.Field().String())
		return err == nil
	})
}

// messages maps validation tags to friendly messages.
var messages = map[string]string{
	"required": "Missing value",
	"max":      "Must be no longer than %s characters",
	"segments": "Segments must be hexadecimal digits",
}

func message(e validator.FieldError) string {
	msg, ok := messages[e.Tag()]
	if !ok {
		return fmt.Sprintf("Invalid value: %s", e.Tag())
	}
	if strings.Contains(msg, "%s") {
		return fmt.Sprintf(msg, e.Param())
	}
	return msg
}

// validateStruct checks s and returns a *errors.ValidationError keyed by
// JSON field name, or nil.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(errors.ErrValidation, err.Error())
	}
	fields := make(map[string]string, len(verrs))
	for _, e := range verrs {
		fields[e.Field()] = message(e)
	}
	return errors.NewValidationError(fields)
}
