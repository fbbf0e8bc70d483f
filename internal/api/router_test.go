package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_Readiness(t *testing.T) {
	h := NewRouter(RouterConfig{
		Checks: map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("down") },
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Data["status"])
	assert.Equal(t, "healthy", body.Data["database"])
	assert.Equal(t, "unhealthy", body.Data["redis"])
}

func TestRouter_LivenessAndMetrics(t *testing.T) {
	h := NewRouter(RouterConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_MountsVersionedRoutesBehindLimiter(t *testing.T) {
	var limited bool
	h := NewRouter(RouterConfig{
		RateLimiter: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				limited = true
				next.ServeHTTP(w, r)
			})
		},
		Routes: func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
				JSONMessage(w, http.StatusOK, "pong")
			})
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, limited)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestHandleError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	rec := httptest.NewRecorder()
	HandleError(rec, req, NewConflictError("user already has an active quota"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "user already has an active quota")

	rec = httptest.NewRecorder()
	HandleError(rec, req, errors.New("connection reset"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Days int `json:"days"`
	}

	rec := httptest.NewRecorder()
	err := DecodeJSON(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"days":3}`)), &dst)
	require.NoError(t, err)
	assert.Equal(t, 3, dst.Days)

	err = DecodeJSON(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"days":3}{"days":4}`)), &dst)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.Code)

	err = DecodeJSON(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"weeks":3}`)), &dst)
	require.ErrorAs(t, err, &appErr)
}

func TestFromValidation(t *testing.T) {
	type inner struct {
		Max int `validate:"gte=0"`
	}
	type req struct {
		Name  string `validate:"required"`
		Inner inner
	}

	appErr := FromValidation(validator.New().Struct(req{Inner: inner{Max: -1}}))
	assert.Equal(t, http.StatusBadRequest, appErr.Code)
	assert.Equal(t, map[string]string{
		"Name":      "failed required",
		"Inner.Max": "failed gte=0",
	}, appErr.Fields)

	appErr = FromValidation(errors.New("threshold out of range"))
	assert.Equal(t, "threshold out of range", appErr.Message)
	assert.Nil(t, appErr.Fields)
}

func TestHandleError_WritesFields(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleError(rec, httptest.NewRequest(http.MethodPost, "/", nil),
		&AppError{Code: http.StatusBadRequest, Message: "request validation failed", Fields: map[string]string{"days": "failed gt=0"}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"request validation failed","fields":{"days":"failed gt=0"}}`, rec.Body.String())
}
