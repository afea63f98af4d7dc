package controller_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/controller"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository/memstore"
	"github.com/unclebandit/marketplace-automation/internal/service"
)

type fixture struct {
	store    *memstore.Store
	tenant   model.Tenant
	market   model.Marketplace
	template model.EmailTemplate
	ctrl     *controller.CampaignController
	mux      http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	store := memstore.New()
	f := &fixture{store: store}
	f.tenant = store.AddTenant(model.Tenant{Currency: "EUR", TimeZone: "UTC"})
	f.market = store.AddMarketplace(model.Marketplace{Region: "eu", Country: "DE", MarketplaceID: "A1PA6795UKMFR9"})
	f.template = store.AddTemplate(model.EmailTemplate{TenantID: f.tenant.ID, Subject: "Order {order_id}", Body: "Hi {buyer_name}"})

	matcher := &service.Matcher{
		Accounts:  store.Accounts(),
		Orders:    store.Orders(),
		Events:    store.Events(),
		Campaigns: store.Campaigns(),
		Templates: store.Templates(),
		Queue:     store.EmailQueue(),
		Log:       log,
	}
	f.ctrl = &controller.CampaignController{
		CampaignService: &service.CampaignService{
			CampaignRepo: store.Campaigns(),
			TemplateRepo: store.Templates(),
			OrderRepo:    store.Orders(),
			AccountRepo:  store.Accounts(),
			Matcher:      matcher,
			Log:          log,
		},
		Log: log,
	}

	r := chi.NewRouter()
	r.Post("/campaigns", f.ctrl.CreateCampaign)
	r.Get("/campaigns", f.ctrl.ListCampaigns)
	r.Get("/campaigns/{id}", f.ctrl.GetCampaignDetails)
	r.Post("/campaigns/{id}/pause", f.ctrl.Pause)
	f.mux = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func TestCreateCampaign(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/campaigns", map[string]any{
		"tenant_id":            f.tenant.ID,
		"marketplace_id":       f.market.ID,
		"template_id":          f.template.ID,
		"name":                 "thank you",
		"trigger_order_status": "Shipped",
		"schedule_mode":        "DELAY_DAYS",
		"schedule_days":        3,
		"schedule_time_of_day": "09:30",
		"exclude_filter":       []string{"WITH_RETURNS"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var got model.EmailCampaign
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotZero(t, got.ID)
	require.Equal(t, model.CampaignDraft, got.Status)
	require.Equal(t, 1, got.ChargePoints)
	require.Equal(t, model.TimeOfDay{Hour: 9, Minute: 30}, *got.ScheduleTimeOfDay)
	require.Equal(t, []model.ExcludeFlag{model.ExcludeWithReturns}, got.ExcludeFilter)
}

func TestCreateCampaignRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/campaigns", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/campaigns", map[string]any{
		"tenant_id":            f.tenant.ID,
		"template_id":          f.template.ID,
		"trigger_order_status": "Shipped",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodPost, "/campaigns", map[string]any{
		"template_id":          f.template.ID,
		"name":                 "late",
		"trigger_order_status": "Shipped",
		"schedule_time_of_day": "25:99",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodPost, "/campaigns", map[string]any{
		"template_id":          9999,
		"name":                 "orphan",
		"trigger_order_status": "Shipped",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListCampaignsPagination(t *testing.T) {
	f := newFixture(t)
	const total = 25
	for i := 1; i <= total; i++ {
		require.NoError(t, f.store.Campaigns().Create(context.Background(), &model.EmailCampaign{
			TenantID:   f.tenant.ID,
			TemplateID: f.template.ID,
			Name:       "Campaign " + strconv.Itoa(i),
		}))
	}
	// another tenant's campaign never shows up
	require.NoError(t, f.store.Campaigns().Create(context.Background(), &model.EmailCampaign{TenantID: f.tenant.ID + 100, Name: "foreign"}))

	seen := map[int64]bool{}
	for page := 1; page <= 3; page++ {
		w := f.do(t, http.MethodGet, "/campaigns?tenant_id="+strconv.FormatInt(f.tenant.ID, 10)+"&page="+strconv.Itoa(page)+"&page_size=10&status=DRAFT", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var res struct {
			Data       []model.EmailCampaign `json:"data"`
			Pagination map[string]int        `json:"pagination"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		require.Equal(t, page, res.Pagination["page"])
		require.Equal(t, total, res.Pagination["total_count"])
		require.Equal(t, 3, res.Pagination["total_pages"])
		for _, c := range res.Data {
			require.False(t, seen[c.ID], "campaign %d on two pages", c.ID)
			seen[c.ID] = true
			require.Equal(t, f.tenant.ID, c.TenantID)
		}
	}
	require.Len(t, seen, total)

	w := f.do(t, http.MethodGet, "/campaigns", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCampaignErrorsMapToStatusCodes(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/campaigns/abc", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/campaigns/404", nil).Code)

	draft := &model.EmailCampaign{TenantID: f.tenant.ID, TemplateID: f.template.ID, Name: "draft"}
	require.NoError(t, f.store.Campaigns().Create(context.Background(), draft))
	w := f.do(t, http.MethodPost, "/campaigns/"+strconv.FormatInt(draft.ID, 10)+"/pause", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Body.String(), "only active campaigns can be paused")
}
