package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// AppError is an error with an HTTP status. Fields names the offending
// request fields when validation failed.
type AppError struct {
	Code    int               `json:"-"`
	Message string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

const internalErrorMessage = "internal server error"

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func NewConflictError(msg string) *AppError {
	return &AppError{Code: http.StatusConflict, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

// FromValidation turns validator errors into a 400 listing each failed
// field and rule. Other errors become a plain validation error.
func FromValidation(err error) *AppError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError(err.Error())
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		// Namespace is "Type.field.sub"; the request type name is noise.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		fields[field] = fmt.Sprintf("failed %s", rule)
	}
	return &AppError{Code: http.StatusBadRequest, Message: "request validation failed", Fields: fields}
}

// HandleError writes err as a JSON error. Anything that is not an AppError
// is logged and reported as a bare 500.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		write(w, appErr.Code, Response{Error: appErr.Message, Fields: appErr.Fields})
		return
	}
	slog.ErrorContext(r.Context(), "api: unhandled error", "method", r.Method, "path", r.URL.Path, "error", err)
	JSONErrorMessage(w, http.StatusInternalServerError, internalErrorMessage)
}
