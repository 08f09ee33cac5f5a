package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"classpay/internal/types"
)

// Validator wraps go-playground/validator with domain-specific rules and
// translates validation failures into structured AppErrors.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator and registers custom validation tags.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// money: a decimal string that parses and is strictly positive.
	_ = v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})

	// Report struct json tag names instead of Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct validates the struct and returns a *types.AppError
// describing the first tier of failures, keyed by json field name.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"validation target is not a struct",
			err,
		)
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"unexpected validation failure",
			err,
		)
	}

	details := make(map[string]any, len(verrs))
	code := types.ErrCodeValidationMissingField
	for _, fe := range verrs {
		details[fe.Field()] = validationMessage(fe)
		if fe.Tag() != "required" {
			code = codeForTag(fe.Tag())
		}
	}

	return types.NewAppErrorWithDetails(
		code,
		"request validation failed",
		nil,
		details,
	)
}

// Var validates a single value against a tag expression, for query and path
// parameters that never pass through struct decoding.
func (v *Validator) Var(field interface{}, tag string) bool {
	return v.validate.Var(field, tag) == nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "money":
		return "must be a positive decimal amount"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "failed validation rule: " + fe.Tag()
	}
}

func codeForTag(tag string) types.ErrorCode {
	switch tag {
	case "email":
		return types.ErrCodeValidationInvalidEmail
	case "money", "min", "max":
		return types.ErrCodeValidationInvalidAmount
	default:
		return types.ErrCodeValidationMissingField
	}
}
