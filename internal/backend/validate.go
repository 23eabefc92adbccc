package backend

import (
	"reflect"

	"github.com/go-playground/validator/v10"

	"github.com/civicchain/civic-gateway/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		if fl.Field().Kind() != reflect.String {
			return false
		}
		return model.Category(fl.Field().String()).Valid()
	})
	v.RegisterValidation("settable", func(fl validator.FieldLevel) bool {
		if fl.Field().Kind() != reflect.String {
			return false
		}
		return model.Status(fl.Field().String()).Settable()
	})
	return v
}
