package marketplace

import (
	"context"
	"net/http"
	"net/url"

	"github.com/unclebandit/marketplace-automation/internal/model"
)

const (
	ActionNegativeFeedbackRemoval = "negativeFeedbackRemoval"
	ActionSendInvoice             = "sendInvoice"
	ActionProductReview           = "productReviewAndSellerFeedback"
)

type actionLink struct {
	Href string `json:"href"`
	Name string `json:"name"`
}

type actionsResponse struct {
	Links struct {
		Actions []actionLink `json:"actions"`
	} `json:"_links"`
}

func (r actionsResponse) names() map[string]bool {
	out := make(map[string]bool, len(r.Links.Actions))
	for _, a := range r.Links.Actions {
		out[a.Name] = true
	}
	return out
}

func marketplaceQuery(ac model.AccountContext) url.Values {
	return url.Values{"marketplaceIds": {ac.Marketplace.MarketplaceID}}
}

// MessagingActions lists the buyer-messaging actions allowed for an order.
func (c *Client) MessagingActions(ctx context.Context, ac model.AccountContext, orderID string) (map[string]bool, error) {
	var resp actionsResponse
	path := "/messaging/v1/orders/" + url.PathEscape(orderID)
	if err := c.call(ctx, ac, "messaging.actions", http.MethodGet, path, marketplaceQuery(ac), nil, &resp); err != nil {
		return nil, err
	}
	return resp.names(), nil
}

// IsOptOut is true when the buyer has opted out of unsolicited messages,
// which the marketplace signals by withholding both baseline actions.
func IsOptOut(actions map[string]bool) bool {
	return !actions[ActionNegativeFeedbackRemoval] && !actions[ActionSendInvoice]
}

// SolicitationActions lists the solicitation actions allowed for an order.
func (c *Client) SolicitationActions(ctx context.Context, ac model.AccountContext, orderID string) (map[string]bool, error) {
	var resp actionsResponse
	path := "/solicitations/v1/orders/" + url.PathEscape(orderID)
	if err := c.call(ctx, ac, "solicitations.actions", http.MethodGet, path, marketplaceQuery(ac), nil, &resp); err != nil {
		return nil, err
	}
	return resp.names(), nil
}

// SendReviewRequest asks the marketplace to send its native review request.
// It returns false without calling the send endpoint when the action is not
// offered for the order.
func (c *Client) SendReviewRequest(ctx context.Context, ac model.AccountContext, orderID string) (bool, error) {
	actions, err := c.SolicitationActions(ctx, ac, orderID)
	if err != nil {
		return false, err
	}
	if !actions[ActionProductReview] {
		return false, nil
	}
	path := "/solicitations/v1/orders/" + url.PathEscape(orderID) + "/solicitations/" + ActionProductReview
	if err := c.call(ctx, ac, "solicitations.review", http.MethodPost, path, marketplaceQuery(ac), nil, nil); err != nil {
		return false, err
	}
	return true, nil
}
