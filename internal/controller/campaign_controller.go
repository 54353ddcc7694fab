// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/lease"
	"github.com/unclebandit/campaign-engine/internal/logger"
	"github.com/unclebandit/campaign-engine/internal/repository"
	"github.com/unclebandit/campaign-engine/internal/service"
)

const (
	actorHeader  = "X-Actor"
	defaultActor = "admin"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Unsubscribes    repository.UnsubscribeRepositoryInterface
	Usage           repository.UsageRepositoryInterface
	Log             *logger.Logger
}

// Register mounts the admin routes on r.
func (c *CampaignController) Register(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)

	r.Post("/campaigns/{id}/start", c.Start)
	r.Post("/campaigns/{id}/schedule", c.Schedule)
	r.Post("/campaigns/{id}/unschedule", c.Unschedule)
	r.Post("/campaigns/{id}/pause", c.Pause)
	r.Post("/campaigns/{id}/resume", c.Resume)
	r.Post("/campaigns/{id}/cancel", c.Cancel)
	r.Post("/campaigns/{id}/duplicate", c.Duplicate)
	r.Post("/campaigns/{id}/rebuild", c.Rebuild)
	r.Post("/campaigns/{id}/reconcile", c.Reconcile)
	r.Get("/campaigns/{id}/history", c.History)

	// A/B testing
	r.Put("/campaigns/{id}/variants", c.ConfigureVariants)
	r.Get("/campaigns/{id}/results", c.Results)
	r.Get("/campaigns/{id}/winner", c.Winner)

	r.Post("/unsubscribes", c.Unsubscribe)
	r.Get("/usage/{month}", c.MonthlyUsage)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	res, err := c.CampaignService.CreateCampaign(r.Context(), body, actor(r))
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	kind := r.URL.Query().Get("kind")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, kind, status)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	res, err := c.CampaignService.Start(r.Context(), id, actor(r))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (c *CampaignController) Schedule(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	campaign, err := c.CampaignService.Schedule(r.Context(), id, body.ScheduledAt, actor(r))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) Unschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := c.CampaignService.Unschedule(r.Context(), id, actor(r))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := c.CampaignService.Pause(r.Context(), id, reason(r), actor(r))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	res, err := c.CampaignService.Resume(r.Context(), id, actor(r))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (c *CampaignController) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := c.CampaignService.Cancel(r.Context(), id, reason(r), actor(r))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) Duplicate(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	res, err := c.CampaignService.Duplicate(r.Context(), id, actor(r))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (c *CampaignController) Rebuild(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	res, err := c.CampaignService.Rebuild(r.Context(), id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	counts, err := c.CampaignService.ReconcileCounters(r.Context(), id, actor(r))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": id,
		"counts":      counts,
	})
}

func (c *CampaignController) History(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	entries, err := c.CampaignService.History(r.Context(), id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": entries})
}

func (c *CampaignController) ConfigureVariants(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		Variants []service.VariantInput `json:"variants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	variants, err := c.CampaignService.ABTest.CreateVariants(r.Context(), id, body.Variants)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": variants})
}

func (c *CampaignController) Results(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	results, err := c.CampaignService.ABTest.Results(r.Context(), id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": results})
}

func (c *CampaignController) Winner(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = service.MetricOpenRate
	}
	winner, err := c.CampaignService.ABTest.Winner(r.Context(), id, metric)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metric": metric,
		"winner": winner,
	})
}

func (c *CampaignController) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email  string `json:"email"`
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !strings.Contains(body.Email, "@") {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Source == "" {
		body.Source = "admin"
	}

	err := c.Unsubscribes.Add(r.Context(), body.Email, body.Source)
	if err != nil && !errors.Is(err, repository.ErrDuplicate) {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"email": strings.ToLower(body.Email)})
}

func (c *CampaignController) MonthlyUsage(w http.ResponseWriter, r *http.Request) {
	month := chi.URLParam(r, "month")
	if _, err := time.Parse("2006-01", month); err != nil {
		http.Error(w, "month must be YYYY-MM", http.StatusBadRequest)
		return
	}
	usage, err := c.Usage.Get(r.Context(), month)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// writeError maps the error taxonomy onto status codes.
func (c *CampaignController) writeError(w http.ResponseWriter, err error) {
	switch {
	case appErrors.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case appErrors.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, lease.ErrLeaseHeld), errors.Is(err, lease.ErrLeaseLost):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		if c.Log != nil {
			c.Log.Error().Err(err).Msg("request failed")
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func campaignID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(actorHeader)); a != "" {
		return a
	}
	return defaultActor
}

// reason reads an optional {"reason": "..."} body.
func reason(r *http.Request) string {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body.Reason
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
