// internal/controller/campaign_controller.go
package controller

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Log             *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto status codes.
func (c *CampaignController) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case appErrors.IsNotFound(err):
		status = http.StatusNotFound
	case appErrors.IsValidation(err):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, appErrors.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		c.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func campaignID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid campaign id")
	}
	return id, nil
}

type createCampaignRequest struct {
	TenantID            int64    `json:"tenant_id"`
	MarketplaceID       int64    `json:"marketplace_id"`
	TemplateID          int64    `json:"template_id"`
	Name                string   `json:"name"`
	TriggerOrderStatus  string   `json:"trigger_order_status"`
	ScheduleMode        string   `json:"schedule_mode"`
	ScheduleDays        int      `json:"schedule_days"`
	ScheduleTimeOfDay   *string  `json:"schedule_time_of_day"`
	ChannelFilter       []string `json:"channel_filter"`
	PurchaseCountFilter []int    `json:"buyer_purchase_count_filter"`
	ExcludeFilter       []string `json:"exclude_filter"`
	SendOnOptOut        bool     `json:"send_on_optout"`
	ChargePoints        *int     `json:"charge_points"`
}

func (req createCampaignRequest) campaign() (*model.EmailCampaign, error) {
	c := &model.EmailCampaign{
		TenantID:            req.TenantID,
		MarketplaceID:       req.MarketplaceID,
		TemplateID:          req.TemplateID,
		Name:                req.Name,
		TriggerOrderStatus:  model.OrderStatus(req.TriggerOrderStatus),
		ScheduleMode:        model.ScheduleMode(req.ScheduleMode),
		ScheduleDays:        req.ScheduleDays,
		PurchaseCountFilter: req.PurchaseCountFilter,
		SendOnOptOut:        req.SendOnOptOut,
		ChargePoints:        1,
	}
	if req.ChargePoints != nil {
		c.ChargePoints = *req.ChargePoints
	}
	if req.ScheduleTimeOfDay != nil && *req.ScheduleTimeOfDay != "" {
		tod, err := model.ParseTimeOfDay(*req.ScheduleTimeOfDay)
		if err != nil {
			return nil, &appErrors.ValidationError{Entity: "campaign", Key: req.Name, Reason: err.Error()}
		}
		c.ScheduleTimeOfDay = &tod
	}
	for _, ch := range req.ChannelFilter {
		c.ChannelFilter = append(c.ChannelFilter, model.FulfillmentChannel(ch))
	}
	for _, x := range req.ExcludeFilter {
		c.ExcludeFilter = append(c.ExcludeFilter, model.ExcludeFlag(x))
	}
	return c, nil
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	campaign, err := body.campaign()
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if err := c.CampaignService.CreateCampaign(r.Context(), campaign); err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, err := strconv.ParseInt(q.Get("tenant_id"), 10, 64)
	if err != nil || tenantID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id is required"})
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), tenantID, page, pageSize, q.Get("status"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination,
	})
}

// GetCampaignDetails returns the campaign with its queue row counts.
func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	details, err := c.CampaignService.Stats(r.Context(), id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) Activate(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := c.CampaignService.Activate(r.Context(), id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := c.CampaignService.Pause(r.Context(), id); err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "status": model.CampaignPaused})
}

func (c *CampaignController) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	archived, err := c.CampaignService.Delete(r.Context(), id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if archived {
		writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "status": model.CampaignArchived})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PersonalizedPreview renders the campaign for one stored order.
func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var body struct {
		OrderRef int64                    `json:"order_ref"`
		Override *service.PreviewOverride `json:"override"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OrderRef <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order_ref is required"})
		return
	}

	rendered, err := c.CampaignService.Preview(r.Context(), id, body.OrderRef, body.Override)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"order_ref":   body.OrderRef,
		"subject":     rendered.Subject,
		"body":        rendered.Body,
	})
}
