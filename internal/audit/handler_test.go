package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	gotUser   uuid.UUID
	gotParams ListParams
	entries   []Entry
	err       error
}

func (f *fakeLister) ListByUser(_ context.Context, userID uuid.UUID, params ListParams) ([]Entry, int64, error) {
	f.gotUser = userID
	f.gotParams = params
	return f.entries, int64(len(f.entries)), f.err
}

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandler_ListByUser(t *testing.T) {
	userID := uuid.New()
	repo := &fakeLister{entries: []Entry{{ID: uuid.New(), UserID: userID, Action: "deducted", Status: "active"}}}

	rec := serve(NewHandler(repo), "/audit/users/"+userID.String()+
		"?action=deducted&page=2&page_size=5&from=2026-10-01T00:00:00Z&to=bogus")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, userID, repo.gotUser)
	assert.Equal(t, "deducted", repo.gotParams.Action)
	assert.Equal(t, 2, repo.gotParams.Page)
	assert.Equal(t, 5, repo.gotParams.PageSize)
	require.NotNil(t, repo.gotParams.From)
	assert.Nil(t, repo.gotParams.To, "unparseable bounds are ignored")

	var body struct {
		Data       []Entry `json:"data"`
		TotalCount int64   `json:"total_count"`
		Page       int     `json:"page"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Len(t, body.Data, 1)
	assert.Equal(t, int64(1), body.TotalCount)
	assert.Equal(t, 2, body.Page)
}

func TestHandler_ListByUser_Defaults(t *testing.T) {
	repo := &fakeLister{}

	rec := serve(NewHandler(repo), "/audit/users/"+uuid.NewString()+"?page_size=500")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultListParams().PageSize, repo.gotParams.PageSize)
	assert.Equal(t, 1, repo.gotParams.Page)
}

func TestHandler_ListByUser_Errors(t *testing.T) {
	rec := serve(NewHandler(&fakeLister{}), "/audit/users/nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(NewHandler(&fakeLister{err: errors.New("db down")}), "/audit/users/"+uuid.NewString())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
