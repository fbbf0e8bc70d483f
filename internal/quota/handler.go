package quota

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/devicecloud/quotad/internal/api"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return &Handler{
		svc:      svc,
		validate: v,
	}
}

// jsonFieldName reports validation failures under the request's JSON names.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

type renewRequest struct {
	Days int `json:"days" validate:"required,gt=0"`
}

// Routes mounts the ledger endpoints under /quotas.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/quotas", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Post("/check", h.Check)
		r.Post("/deduct", h.Deduct)
		r.Post("/restore", h.Restore)
		r.Get("/alerts", h.Alerts)
		r.Get("/users/{userID}", h.GetByUser)
		r.Get("/users/{userID}/stats", h.Stats)
		r.Patch("/{quotaID}", h.Update)
		r.Delete("/{quotaID}", h.Delete)
		r.Post("/{quotaID}/renew", h.Renew)
	})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !h.decode(w, r, &req) {
		return
	}

	q, err := h.svc.CreateQuota(r.Context(), req)
	if err != nil {
		api.HandleError(w, r, toAppError(err))
		return
	}

	api.JSON(w, http.StatusCreated, q)
}

func (h *Handler) GetByUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseID(w, r, "userID")
	if !ok {
		return
	}

	q, err := h.svc.GetUserQuota(r.Context(), userID)
	if err != nil {
		api.HandleError(w, r, toAppError(err))
		return
	}

	api.JSON(w, http.StatusOK, q)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseID(w, r, "userID")
	if !ok {
		return
	}

	stats, err := h.svc.GetUsageStats(r.Context(), userID)
	if err != nil {
		api.HandleError(w, r, toAppError(err))
		return
	}

	api.JSON(w, http.StatusOK, stats)
}

func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.CheckQuota(r.Context(), req)
	if err != nil {
		api.HandleError(w, r, toAppError(err))
		return
	}

	api.JSON(w, http.StatusOK, res)
}

func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	h.applyDelta(w, r, h.svc.DeductQuota)
}

func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	h.applyDelta(w, r, h.svc.RestoreQuota)
}

func (h *Handler) applyDelta(w http.ResponseWriter, r *http.Request, apply func(context.Context, UsageDelta) (*Quota, error)) {
	var req UsageDelta
	if !h.decode(w, r, &req) {
		return
	}

	q, err := apply(r.Context(), req)
	if err != nil {
		api.HandleError(w, r, toAppError(err))
		return
	}

	api.JSON(w, http.StatusOK, q)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "quotaID")
	if !ok {
		return
	}

	var req UpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Status != nil && !req.Status.Valid() {
		api.HandleError(w, r, api.NewValidationError("unknown status "+string(*req.Status)))
		return
	}

	q, err := h.svc.UpdateQuota(r.Context(), id, req)
	if err != nil {
		api.HandleError(w, r, toAppError(err))
		return
	}

	api.JSON(w, http.StatusOK, q)
}

func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "quotaID")
	if !ok {
		return
	}

	var req renewRequest
	if !h.decode(w, r, &req) {
		return
	}

	q, err := h.svc.RenewQuota(r.Context(), id, req.Days)
	if err != nil {
		api.HandleError(w, r, toAppError(err))
		return
	}

	api.JSON(w, http.StatusOK, q)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "quotaID")
	if !ok {
		return
	}

	if err := h.svc.DeleteQuota(r.Context(), id); err != nil {
		api.HandleError(w, r, toAppError(err))
		return
	}

	api.JSONMessage(w, http.StatusOK, "quota suspended")
}

// Alerts lists live quotas above ?threshold= percent (default 80).
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	threshold := float64(DefaultAlertThreshold)
	if t := r.URL.Query().Get("threshold"); t != "" {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil || v <= 0 || v > 100 {
			api.HandleError(w, r, api.NewValidationError("threshold must be a number in (0, 100]"))
			return
		}
		threshold = v
	}

	report, err := h.svc.Alerts(r.Context(), threshold)
	if err != nil {
		api.HandleError(w, r, toAppError(err))
		return
	}

	api.JSON(w, http.StatusOK, report)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := api.DecodeJSON(w, r, dst); err != nil {
		api.HandleError(w, r, err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		api.HandleError(w, r, api.FromValidation(err))
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		api.HandleError(w, r, api.NewBadRequestError("invalid "+param))
		return uuid.Nil, false
	}
	return id, true
}

// toAppError maps ledger errors onto HTTP statuses. Anything unmapped is
// returned as is and reported as a 500.
func toAppError(err error) error {
	switch {
	case errors.Is(err, ErrQuotaNotFound):
		return api.NewNotFoundError(err.Error())
	case errors.Is(err, ErrActiveQuotaExists), errors.Is(err, ErrQuotaExpired):
		return api.NewConflictError(err.Error())
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnsupportedDimension):
		return api.NewValidationError(err.Error())
	}
	return err
}
