package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/audience"
	"github.com/ignite/campaign-engine/internal/campaign"
)

// Handlers holds the operator API endpoints.
type Handlers struct {
	store      *campaign.Store
	controller *campaign.Controller
}

// NewHandlers creates the handler set.
func NewHandlers(store *campaign.Store, controller *campaign.Controller) *Handlers {
	return &Handlers{store: store, controller: controller}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type createCampaignRequest struct {
	Name                string             `json:"name"`
	Subject             string             `json:"subject"`
	HTMLContent         string             `json:"html_content"`
	PlainContent        string             `json:"plain_content"`
	FromName            string             `json:"from_name"`
	FromEmail           string             `json:"from_email"`
	ReplyTo             string             `json:"reply_to"`
	Filter              json.RawMessage    `json:"filter"`
	ParentCampaignID    *uuid.UUID         `json:"parent_campaign_id"`
	FollowUpWindowHours int                `json:"follow_up_window_hours"`
	Variants            []campaign.Variant `json:"variants"`
}

// HandleCreateCampaign creates a draft campaign, optionally with A/B arms.
func (h *Handlers) HandleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Subject == "" {
		respondError(w, http.StatusBadRequest, "subject is required")
		return
	}
	if req.FromEmail == "" {
		respondError(w, http.StatusBadRequest, "from_email is required")
		return
	}
	if req.ParentCampaignID != nil && req.FollowUpWindowHours <= 0 {
		respondError(w, http.StatusBadRequest, "follow-up campaigns require follow_up_window_hours > 0")
		return
	}
	if req.ParentCampaignID != nil && len(req.Filter) > 0 {
		respondError(w, http.StatusBadRequest, "follow-up campaigns derive their audience from the parent, filter not allowed")
		return
	}

	filter, err := audience.ParseFilter(req.Filter)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid filter: "+err.Error())
		return
	}

	if req.ParentCampaignID != nil {
		if _, err := h.store.GetCampaign(r.Context(), *req.ParentCampaignID); err != nil {
			if errors.Is(err, campaign.ErrNotFound) {
				respondError(w, http.StatusBadRequest, "parent campaign not found")
				return
			}
			respondStoreError(w, err)
			return
		}
	}

	c := &campaign.Campaign{
		Name:                req.Name,
		Subject:             req.Subject,
		HTMLContent:         req.HTMLContent,
		PlainContent:        req.PlainContent,
		FromName:            req.FromName,
		FromEmail:           req.FromEmail,
		ReplyTo:             req.ReplyTo,
		Filter:              filter,
		ParentCampaignID:    req.ParentCampaignID,
		FollowUpWindowHours: req.FollowUpWindowHours,
	}

	if err := h.store.CreateCampaign(r.Context(), c); err != nil {
		respondStoreError(w, err)
		return
	}

	if len(req.Variants) > 0 {
		if err := h.store.CreateVariants(r.Context(), c.ID, req.Variants); err != nil {
			respondCampaignError(w, err)
			return
		}
	}

	created, err := h.store.GetCampaign(r.Context(), c.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// HandleListCampaigns returns all campaigns, newest first.
func (h *Handlers) HandleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.store.ListCampaigns(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if campaigns == nil {
		campaigns = []campaign.Campaign{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": campaigns,
		"total":     len(campaigns),
	})
}

// HandleGetCampaign returns one campaign.
func (h *Handlers) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		respondCampaignError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

// HandleScheduleCampaign sets or re-stamps the campaign start time.
func (h *Handlers) HandleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ScheduledAt.IsZero() {
		respondError(w, http.StatusBadRequest, "scheduled_at is required")
		return
	}

	if err := h.controller.Schedule(r.Context(), id, req.ScheduledAt); err != nil {
		respondCampaignError(w, err)
		return
	}
	h.respondStatus(w, r, id)
}

// HandlePopulateSends materializes send records before the campaign starts.
func (h *Handlers) HandlePopulateSends(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	created, err := h.controller.PopulateSends(r.Context(), id)
	if err != nil {
		respondCampaignError(w, err)
		return
	}

	progress, err := h.controller.Progress(r.Context(), id)
	if err != nil {
		respondCampaignError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"records_created": created,
		"progress":        progress,
	})
}

// HandleStartCampaign starts a scheduled campaign immediately.
func (h *Handlers) HandleStartCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := h.controller.Start(r.Context(), id); err != nil {
		respondCampaignError(w, err)
		return
	}
	h.respondStatus(w, r, id)
}

// HandlePauseCampaign pauses a sending campaign.
func (h *Handlers) HandlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := h.controller.Pause(r.Context(), id); err != nil {
		respondCampaignError(w, err)
		return
	}
	h.respondStatus(w, r, id)
}

// HandleResumeCampaign resumes a paused campaign.
func (h *Handlers) HandleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := h.controller.Resume(r.Context(), id); err != nil {
		respondCampaignError(w, err)
		return
	}
	h.respondStatus(w, r, id)
}

// HandleCancelCampaign cancels a campaign from any non-terminal status.
func (h *Handlers) HandleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := h.controller.Cancel(r.Context(), id); err != nil {
		respondCampaignError(w, err)
		return
	}
	h.respondStatus(w, r, id)
}

// HandleCampaignProgress returns derived send counters for a campaign.
func (h *Handlers) HandleCampaignProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	progress, err := h.controller.Progress(r.Context(), id)
	if err != nil {
		respondCampaignError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

// HandleVariantProgress returns per-arm counters for A/B campaigns.
func (h *Handlers) HandleVariantProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	progress, err := h.controller.VariantProgress(r.Context(), id)
	if err != nil {
		respondCampaignError(w, err)
		return
	}
	if progress == nil {
		progress = []campaign.VariantProgress{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"variants": progress})
}

// HandleGetVariants returns a campaign's A/B arms.
func (h *Handlers) HandleGetVariants(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	variants, err := h.store.GetVariants(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if variants == nil {
		variants = []campaign.Variant{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"variants": variants})
}

type createVariantsRequest struct {
	Variants []campaign.Variant `json:"variants"`
}

// HandleCreateVariants defines the A/B arms for an unpopulated campaign.
func (h *Handlers) HandleCreateVariants(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var req createVariantsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Variants) < 2 {
		respondError(w, http.StatusBadRequest, "at least two variants are required")
		return
	}

	if _, err := h.store.GetCampaign(r.Context(), id); err != nil {
		respondCampaignError(w, err)
		return
	}
	if err := h.store.CreateVariants(r.Context(), id, req.Variants); err != nil {
		respondCampaignError(w, err)
		return
	}

	variants, err := h.store.GetVariants(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"variants": variants})
}

func (h *Handlers) respondStatus(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	status, err := h.store.GetStatus(r.Context(), id)
	if err != nil {
		respondCampaignError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": status,
	})
}

func campaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return uuid.Nil, false
	}
	return id, true
}

// respondCampaignError maps domain errors onto HTTP statuses.
func respondCampaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		respondError(w, http.StatusNotFound, "campaign not found")
	case campaign.IsInvalidTransition(err):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaign.ErrBadVariantSplit):
		respondError(w, http.StatusBadRequest, "variant percentages must be positive and sum to 100")
	case errors.Is(err, campaign.ErrVariantsLocked):
		respondError(w, http.StatusConflict, "variants cannot change after the campaign is populated")
	case errors.Is(err, campaign.ErrPopulateLocked):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondStoreError(w, err)
	}
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, campaign.ErrStoreUnavailable) || errors.Is(err, audience.ErrStoreUnavailable) {
		respondError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	respondError(w, http.StatusBadRequest, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
