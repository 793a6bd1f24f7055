package config

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// natsSubjectPattern accepts dot separated tokens without wildcards.
var natsSubjectPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// RegisterCustomValidators registers the engine specific validation tags.
func RegisterCustomValidators(v *validator.Validate) error {
	return v.RegisterValidation("nats_subject", validateNATSSubject)
}

func validateNATSSubject(fl validator.FieldLevel) bool {
	subject := fl.Field().String()
	if subject == "" {
		return true
	}
	return natsSubjectPattern.MatchString(subject)
}
