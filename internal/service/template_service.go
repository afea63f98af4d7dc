package service

import (
	"strings"

	"github.com/unclebandit/marketplace-automation/internal/marketplace"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

// RenderTemplate substitutes {key} placeholders in one pass, so values that
// themselves look like placeholders are left alone. Unknown placeholders
// stay as written.
func RenderTemplate(template string, data map[string]string) string {
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// placeholders lists every key RenderData fills; missing values render empty.
var placeholders = []string{
	"order_id", "seller_order_id", "buyer_name", "buyer_email", "product_name",
	"product_titles", "seller_name", "marketplace", "marketplace_domain",
	"order_link", "review_link", "feedback_link", "purchase_date",
}

// RenderData builds the substitution map for one order.
func RenderData(ac model.AccountContext, order *model.Order) map[string]string {
	data := make(map[string]string, len(placeholders))
	for _, k := range placeholders {
		data[k] = ""
	}
	country := ac.Marketplace.Country

	data["order_id"] = order.OrderID
	data["seller_order_id"] = order.SellerOrderID
	data["buyer_name"] = order.BuyerName
	data["buyer_email"] = order.BuyerEmail
	data["seller_name"] = ac.Account.StoreName
	data["marketplace"] = strings.ToUpper(country)
	data["marketplace_domain"] = marketplace.Domain(country)
	data["order_link"] = marketplace.OrderLink(country, order.OrderID)
	data["feedback_link"] = marketplace.FeedbackLink(country)
	if !order.PurchaseAt.IsZero() {
		data["purchase_date"] = order.PurchaseAt.In(ac.Tenant.Location()).Format("2006-01-02")
	}

	var titles []string
	seen := map[string]bool{}
	for _, it := range order.Items {
		title := it.Title
		if title == "" {
			title = it.SKU
		}
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		titles = append(titles, title)
	}
	if len(titles) > 0 {
		data["product_name"] = titles[0]
		data["product_titles"] = strings.Join(titles, ", ")
	}
	for _, it := range order.Items {
		if it.ASIN != "" {
			data["review_link"] = marketplace.ReviewLink(country, it.ASIN)
			break
		}
	}
	return data
}

// RenderedEmail is a template after substitution.
type RenderedEmail struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func renderSnapshot(subject, body string, data map[string]string) RenderedEmail {
	return RenderedEmail{
		Subject: RenderTemplate(subject, data),
		Body:    RenderTemplate(body, data),
	}
}
