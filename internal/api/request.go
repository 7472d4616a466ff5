package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxRequestBody = 1 << 20

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type connectionRequest struct {
	Type     string `json:"type" validate:"required,oneof=mongodb postgresql postgres duckdb sqlite"`
	URI      string `json:"uri" validate:"omitempty,max=2048"`
	Host     string `json:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port     int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Username string `json:"username" validate:"omitempty,max=256"`
	Password string `json:"password" validate:"omitempty,max=1024"`
	Database string `json:"database" validate:"omitempty,max=256"`
	SSL      bool   `json:"ssl"`
	Path     string `json:"path" validate:"omitempty,max=4096"`
}

type createSourceRequest struct {
	Name       string            `json:"name" validate:"required,max=200"`
	Connection connectionRequest `json:"connection" validate:"required"`
}

type askRequest struct {
	SourceID string `json:"source_id" validate:"required"`
	Question string `json:"question" validate:"required,max=4000"`
	Title    string `json:"title" validate:"omitempty,max=200"`
}

type translateRequest struct {
	SourceID string `json:"source_id" validate:"required"`
	Question string `json:"question" validate:"required,max=4000"`
}

type renameRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

// decodeBody reads a JSON body strictly and validates it. Failures have
// already been written to w when it returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", false, map[string]any{"fields": validationDetails(err)})
		return false
	}
	return true
}

func validationDetails(err error) map[string]string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return map[string]string{"": err.Error()}
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		name := fe.Namespace()
		if _, rest, ok := strings.Cut(name, "."); ok {
			name = rest
		}
		if fe.Param() != "" {
			details[name] = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
			continue
		}
		details[name] = fe.Tag()
	}
	return details
}

// pageParams reads limit and offset. Zero values are left for the service to
// default.
func pageParams(r *http.Request) (int, int, error) {
	limit, err := intParam(r, "limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		return 0, 0, err
	}
	if limit < 0 || offset < 0 {
		return 0, 0, errors.New("limit and offset must be >= 0")
	}
	return limit, offset, nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}
