package service

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	taskNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9+_.:-]*$`)
	paramKeyRegex = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)
)

type ValidationRule struct {
	Rule func(v *validator.Validate)
}

// Validator wraps the struct validator with the job request rules registered.
type Validator struct {
	validator *validator.Validate
}

func NewValidator(rules ...ValidationRule) *Validator {
	v := validator.New()
	for _, r := range rules {
		r.Rule(v)
	}
	return &Validator{validator: v}
}

func (v *Validator) Struct(s any) error {
	return v.validator.Struct(s)
}

func registerFn(tag string, fn func(fl validator.FieldLevel) bool) func(v *validator.Validate) {
	return func(v *validator.Validate) {
		_ = v.RegisterValidation(tag, fn)
	}
}

func NewJobRequestValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("task_name", taskNameValidator),
		},
		{
			Rule: registerFn("param_keys", paramKeysValidator),
		},
	}
}

func taskNameValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return taskNameRegex.MatchString(strings.TrimSpace(val))
}

// paramKeysValidator accepts maps whose keys are dotted lowercase parameter keys.
func paramKeysValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(map[string]string)
	if !ok {
		return false
	}
	for k := range val {
		if !paramKeyRegex.MatchString(k) {
			return false
		}
	}
	return true
}
