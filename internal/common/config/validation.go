package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
)

func Validate(config interface{}) error {
	return validator.New().Struct(config)
}

// ValidationMessages describes every failed constraint of err, naming fields by their path below the root struct.
func ValidationMessages(err error) []string {
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		fieldName := stripPrefix(fieldErr.Namespace())
		if fieldErr.Tag() == "required" {
			messages = append(messages, fmt.Sprintf("Field %s is required but was not found", fieldName))
			continue
		}
		constraint := fieldErr.Tag()
		if param := fieldErr.Param(); param != "" {
			constraint += "=" + param
		}
		messages = append(messages, fmt.Sprintf("Field %s has invalid value %v: %s", fieldName, fieldErr.Value(), constraint))
	}
	return messages
}

func LogValidationErrors(err error) {
	for _, message := range ValidationMessages(err) {
		log.Errorf("ConfigError: %s", message)
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
