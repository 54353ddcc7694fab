package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/lease"
	"github.com/unclebandit/campaign-engine/internal/logger"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
	"github.com/unclebandit/campaign-engine/internal/service"
)

type mockRunner struct {
	res *service.ChunkResult
	err error
}

func (m mockRunner) ProcessChunk(context.Context, int) (*service.ChunkResult, error) {
	return m.res, m.err
}

type mockPinger struct{ err error }

func (m mockPinger) PingContext(context.Context) error { return m.err }

type mockCampaignRepo struct {
	repository.CampaignRepositoryInterface
}

func (mockCampaignRepo) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	if id != 7 {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return &model.Campaign{ID: 7, Name: "Spring", Status: model.StatusSending}, nil
}

type mockRecipientRepo struct {
	repository.RecipientRepositoryInterface
}

func (mockRecipientRepo) StatusCounts(context.Context, int) (model.StatusCounts, error) {
	return model.StatusCounts{model.RecipientPending: 3, model.RecipientSent: 5, model.RecipientOpened: 2}, nil
}

type mockVariantRepo struct {
	repository.VariantRepositoryInterface
}

func (mockVariantRepo) ListByCampaign(context.Context, int) ([]*model.Variant, error) {
	return nil, nil
}

func newRouter(runner service.ChunkRunner, db Pinger) chi.Router {
	svc := &service.CampaignService{
		CampaignRepo:  mockCampaignRepo{},
		RecipientRepo: mockRecipientRepo{},
		VariantRepo:   mockVariantRepo{},
	}
	r := chi.NewRouter()
	NewCampaignHandler(svc, runner, db, logger.Nop()).Register(r)
	return r
}

func serve(r chi.Router, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestProcessChunkHandler(t *testing.T) {
	r := newRouter(mockRunner{res: &service.ChunkResult{CampaignID: 7, Processed: 50, Remaining: 87}}, nil)

	w := serve(r, "POST", "/internal/campaigns/7/process-chunk")
	require.Equal(t, http.StatusOK, w.Code)

	var got service.ChunkResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, 50, got.Processed)
	assert.Equal(t, 87, got.Remaining)
	assert.False(t, got.Completed)
}

func TestProcessChunkHandlerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"lease held", lease.ErrLeaseHeld, http.StatusConflict},
		{"lease lost", lease.ErrLeaseLost, http.StatusConflict},
		{"not found", appErrors.NewCampaignNotFound(7), http.StatusNotFound},
		{"fatal", &appErrors.FatalEngineError{CampaignID: 7, Err: errors.New("db down")}, http.StatusInternalServerError},
		{"other", errors.New("timeout"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(mockRunner{err: tt.err}, nil)
			assert.Equal(t, tt.code, serve(r, "POST", "/internal/campaigns/7/process-chunk").Code)
		})
	}

	r := newRouter(mockRunner{}, nil)
	assert.Equal(t, http.StatusBadRequest, serve(r, "POST", "/internal/campaigns/x/process-chunk").Code)
}

func TestGetCampaignHandlerWithStats(t *testing.T) {
	r := newRouter(mockRunner{}, nil)

	w := serve(r, "GET", "/campaigns/7")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		ID    int            `json:"id"`
		Name  string         `json:"name"`
		Stats map[string]int `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, 7, got.ID)
	assert.Equal(t, "Spring", got.Name)
	assert.Equal(t, 10, got.Stats["total"])
	assert.Equal(t, 3, got.Stats["pending"])
	assert.Equal(t, 2, got.Stats["opened"])

	assert.Equal(t, http.StatusNotFound, serve(r, "GET", "/campaigns/8").Code)
}

func TestHealthz(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(newRouter(mockRunner{}, mockPinger{}), "GET", "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable,
		serve(newRouter(mockRunner{}, mockPinger{err: errors.New("down")}), "GET", "/healthz").Code)
}
