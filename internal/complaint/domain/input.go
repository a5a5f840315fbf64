package domain

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/visible-governance/platform/internal/shared/errors"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
}

// NewComplaintInput is the citizen-supplied part of a complaint
type NewComplaintInput struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"required"`
	Category    string   `json:"category" validate:"required"`
	Department  string   `json:"department" validate:"required"`
	Location    string   `json:"location" validate:"required"`
	Priority    Priority `json:"priority" validate:"required,oneof=low medium high"`
	Anonymous   bool     `json:"anonymous"`
	Evidence    []string `json:"evidence" validate:"dive,required"`
	UserID      string   `json:"user_id,omitempty"`
}

// Validate returns a validation error with one message per invalid field
func (in NewComplaintInput) Validate() error {
	return validateStruct("invalid complaint", in)
}

// Feedback is a citizen's rating of how a complaint was handled
type Feedback struct {
	ComplaintID  string `json:"complaint_id" validate:"required"`
	Rating       int    `json:"rating" validate:"required,min=1,max=5"`
	Comment      string `json:"comment" validate:"max=2000"`
	Satisfaction string `json:"satisfaction" validate:"required,oneof=satisfied neutral dissatisfied"`
}

func (f Feedback) Validate() error {
	return validateStruct("invalid feedback", f)
}

// ValidateStruct applies validation tags to any request type.
func ValidateStruct(message string, v any) error {
	return validateStruct(message, v)
}

func validateStruct(message string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperrors.BadRequest(err.Error())
	}

	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fieldPath(fe)] = fieldMessage(fe)
	}
	return apperrors.Validation(message, details)
}

// fieldPath drops the struct name from the namespace: NewComplaintInput.title -> title
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param()
	case "email":
		return "must be a valid email address"
	}
	return "is invalid"
}
