package handlers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/anvillabs/crucible/internal/api/errors"
)

// validate is the shared validator instance for request payloads.
var validate = validator.New()

// SubmitBuildRequest is the JSON body of POST /api/v1/builds. Archive
// uploads carry the same fields as multipart form values instead,
// minus gitUrl.
type SubmitBuildRequest struct {
	GitURL        string `json:"gitUrl" validate:"required,max=2048"`
	Ref           string `json:"ref" validate:"omitempty,max=255"`
	Depth         int    `json:"depth" validate:"omitempty,min=0,max=1000"`
	Subdir        string `json:"subdir" validate:"omitempty,max=255"`
	ProjectName   string `json:"projectName" validate:"omitempty,max=100"`
	AgeRecipient  string `json:"ageRecipient" validate:"omitempty,startswith=age1,max=255"`
	MaxIterations int    `json:"maxIterations" validate:"omitempty,min=1,max=25"`
	Wait          bool   `json:"wait"`
}

// LoginRequest is the JSON body of POST /api/v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// CreateUserRequest is the JSON body of POST /api/v1/auth/users.
type CreateUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Role     string `json:"role" validate:"required,oneof=admin builder"`
}

// CreateKeyRequest is the JSON body of POST /api/v1/auth/keys. An empty
// scope list grants the owner role's full scope set.
type CreateKeyRequest struct {
	Name      string   `json:"name" validate:"required,max=100"`
	Scopes    []string `json:"scopes" validate:"omitempty,max=16,dive,oneof=builds:write builds:read secrets:read keys:manage users:manage"`
	ExpiresIn string   `json:"expiresIn" validate:"omitempty,max=32"`
}

// validateRequest runs validator tags over req and converts failures into
// an APIError with per-field details.
func validateRequest(req any) *apierrors.APIError {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return apierrors.NewInternalError("request validation misconfigured")
	}

	var fields apierrors.ValidationErrors
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields.Add(jsonFieldName(fe), fieldMessage(fe))
		}
	}
	return fields.ToAPIError()
}

// jsonFieldName lowercases the struct field into its wire name.
func jsonFieldName(fe validator.FieldError) string {
	name := fe.Field()
	if name == "" {
		return "request"
	}
	return strings.ToLower(name[:1]) + name[1:]
}

// fieldMessage renders one tag failure as a client-facing message.
func fieldMessage(fe validator.FieldError) string {
	field := jsonFieldName(fe)
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
