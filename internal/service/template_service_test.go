package service_test

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/service"
)

func TestRenderTemplate(t *testing.T) {
	data := map[string]string{"buyer_name": "{order_id}", "order_id": "302-1"}

	got := service.RenderTemplate("Hi {buyer_name}, order {order_id} {unknown}", data)
	require.Equal(t, "Hi {order_id}, order 302-1 {unknown}", got)
	require.Equal(t, "", service.RenderTemplate("", data))
}

func TestRenderData(t *testing.T) {
	ac := model.AccountContext{
		Tenant:      model.Tenant{TimeZone: "UTC"},
		Account:     model.MarketplaceAccount{StoreName: "Kettle Shop"},
		Marketplace: model.Marketplace{Country: "gb"},
	}
	order := &model.Order{
		OrderID:       "202-7",
		SellerOrderID: "S-7",
		BuyerName:     "Sam",
		BuyerEmail:    "sam@example.com",
		PurchaseAt:    time.Date(2026, 2, 28, 23, 30, 0, 0, time.UTC),
		Items: []model.OrderItem{
			{SKU: "K-1", Title: "Kettle"},
			{SKU: "C-1", Title: "Cup", ASIN: "B000CUP"},
			{SKU: "K-1", Title: "Kettle"},
			{SKU: "L-1"},
		},
	}

	data := service.RenderData(ac, order)
	require.Equal(t, "202-7", data["order_id"])
	require.Equal(t, "S-7", data["seller_order_id"])
	require.Equal(t, "Sam", data["buyer_name"])
	require.Equal(t, "sam@example.com", data["buyer_email"])
	require.Equal(t, "Kettle", data["product_name"])
	require.Equal(t, "Kettle, Cup, L-1", data["product_titles"])
	require.Equal(t, "Kettle Shop", data["seller_name"])
	require.Equal(t, "GB", data["marketplace"])
	require.Equal(t, "amazon.co.uk", data["marketplace_domain"])
	require.Equal(t, "https://www.amazon.co.uk/gp/your-account/order-details?orderID=202-7", data["order_link"])
	require.Equal(t, "https://www.amazon.co.uk/review/create-review?asin=B000CUP", data["review_link"])
	require.Equal(t, "https://www.amazon.co.uk/hz/feedback", data["feedback_link"])
	require.Equal(t, "2026-02-28", data["purchase_date"])
}

func TestRenderDataUsesTenantZoneAndEmptyDefaults(t *testing.T) {
	ac := model.AccountContext{Tenant: model.Tenant{TimeZone: "Etc/GMT-2"}}
	order := &model.Order{OrderID: "1", PurchaseAt: time.Date(2026, 2, 28, 23, 30, 0, 0, time.UTC)}

	data := service.RenderData(ac, order)
	require.Equal(t, "2026-03-01", data["purchase_date"])
	require.Empty(t, data["buyer_name"])
	require.Empty(t, data["review_link"])
	require.Empty(t, data["product_titles"])
	require.Len(t, data, 13)
}
