// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/lease"
	"github.com/unclebandit/campaign-engine/internal/logger"
	"github.com/unclebandit/campaign-engine/internal/service"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// CampaignHandler serves the read side of a campaign and the chunk endpoint
// an external scheduler calls during time-limited executions.
type CampaignHandler struct {
	Service *service.CampaignService
	Runner  service.ChunkRunner
	DB      Pinger
	Log     *logger.Logger
}

// NewCampaignHandler creates a new CampaignHandler
func NewCampaignHandler(svc *service.CampaignService, runner service.ChunkRunner, db Pinger, log *logger.Logger) *CampaignHandler {
	return &CampaignHandler{
		Service: svc,
		Runner:  runner,
		DB:      db,
		Log:     log.WithComponent("http"),
	}
}

// Register mounts the handler routes on r.
func (h *CampaignHandler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/campaigns/{id}", h.GetCampaignHandlerWithStats)
	r.Post("/internal/campaigns/{id}/process-chunk", h.ProcessChunkHandler)
}

// GetCampaignHandlerWithStats returns one campaign with its live recipient tally.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	details, err := h.Service.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		if appErrors.IsNotFound(err) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.Log.Error().Err(err).Int("campaign_id", id).Msg("failed to fetch campaign")
		http.Error(w, "failed to fetch campaign: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, details)
}

// ProcessChunkHandler processes one chunk and reports progress. The caller
// re-invokes it until completed is true.
func (h *CampaignHandler) ProcessChunkHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	start := time.Now()
	res, err := h.Runner.ProcessChunk(r.Context(), id)
	if err != nil {
		var fatal *appErrors.FatalEngineError
		switch {
		case errors.Is(err, lease.ErrLeaseHeld), errors.Is(err, lease.ErrLeaseLost):
			http.Error(w, err.Error(), http.StatusConflict)
		case appErrors.IsNotFound(err):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.As(err, &fatal):
			h.Log.Error().Err(err).Int("campaign_id", id).Msg("chunk aborted campaign")
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			h.Log.Error().Err(err).Int("campaign_id", id).Msg("chunk failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
		return
	}

	h.Log.Info().
		Int("campaign_id", id).
		Int("processed", res.Processed).
		Int("remaining", res.Remaining).
		Bool("completed", res.Completed).
		Dur("took", time.Since(start)).
		Msg("chunk processed")
	writeJSON(w, http.StatusOK, res)
}

// Healthz pings the database.
func (h *CampaignHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
