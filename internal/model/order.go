package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func ZeroMoney(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// Add sums two amounts. The receiver's currency wins unless it is empty.
func (m Money) Add(o Money) Money {
	cur := m.Currency
	if cur == "" {
		cur = o.Currency
	}
	return Money{Amount: m.Amount.Add(o.Amount), Currency: cur}
}

type OrderStatus string

const (
	OrderPending            OrderStatus = "Pending"
	OrderUnshipped          OrderStatus = "Unshipped"
	OrderPartiallyShipped   OrderStatus = "PartiallyShipped"
	OrderShipped            OrderStatus = "Shipped"
	OrderShipping           OrderStatus = "Shipping"
	OrderCanceled           OrderStatus = "Canceled"
	OrderUnfulfillable      OrderStatus = "Unfulfillable"
	OrderInvoiceUnconfirmed OrderStatus = "InvoiceUnconfirmed"
)

// NormalizeOrderStatus maps report spellings onto the canonical values.
func NormalizeOrderStatus(raw string) OrderStatus {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "pending":
		return OrderPending
	case "unshipped":
		return OrderUnshipped
	case "partiallyshipped", "partially shipped":
		return OrderPartiallyShipped
	case "shipped":
		return OrderShipped
	case "shipping":
		return OrderShipping
	case "canceled", "cancelled":
		return OrderCanceled
	case "unfulfillable":
		return OrderUnfulfillable
	case "invoiceunconfirmed":
		return OrderInvoiceUnconfirmed
	}
	return OrderStatus(s)
}

type FulfillmentChannel string

const (
	ChannelFBA FulfillmentChannel = "FBA"
	ChannelFBM FulfillmentChannel = "FBM"
)

// NormalizeChannel understands both the AFN/MFN codes and the
// Amazon/Merchant labels used by the flat-file reports.
func NormalizeChannel(raw string) FulfillmentChannel {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "AFN", "AMAZON", "FBA":
		return ChannelFBA
	case "MFN", "MERCHANT", "FBM":
		return ChannelFBM
	}
	return ""
}

type Order struct {
	ID                 int64              `db:"id" json:"id"`
	AccountID          int64              `db:"account_id" json:"account_id"`
	OrderID            string             `db:"order_id" json:"order_id"`
	SellerOrderID      string             `db:"seller_order_id" json:"seller_order_id"`
	PurchaseAt         time.Time          `db:"purchase_at" json:"purchase_at"`
	PaymentAt          *time.Time         `db:"payment_at" json:"payment_at,omitempty"`
	ShipAt             *time.Time         `db:"ship_at" json:"ship_at,omitempty"`
	ReportAt           time.Time          `db:"report_at" json:"report_at"`
	BuyerEmail         string             `db:"buyer_email" json:"buyer_email"`
	BuyerName          string             `db:"buyer_name" json:"buyer_name"`
	SalesChannel       string             `db:"sales_channel" json:"sales_channel"`
	FulfillmentChannel FulfillmentChannel `db:"fulfillment_channel" json:"fulfillment_channel"`
	Status             OrderStatus        `db:"status" json:"status"`
	Quantity           int                `db:"quantity" json:"quantity"`
	Amount             Money              `json:"amount"`
	Tax                Money              `json:"tax"`
	Shipping           Money              `json:"shipping"`
	FeedbackRating     *int               `db:"feedback_rating" json:"feedback_rating,omitempty"`
	HasReturn          bool               `db:"has_return" json:"has_return"`
	HasRefund          bool               `db:"has_refund" json:"has_refund"`
	OptOut             bool               `db:"opt_out" json:"opt_out"`
	ReviewRequested    bool               `db:"review_requested" json:"review_requested"`
	Items              []OrderItem        `json:"items,omitempty"`
}

type OrderItem struct {
	OrderRef          int64  `db:"order_ref" json:"order_ref"`
	ItemID            string `db:"item_id" json:"item_id"`
	ShipmentItemID    string `db:"shipment_item_id" json:"shipment_item_id,omitempty"`
	SKU               string `db:"sku" json:"sku"`
	Title             string `db:"title" json:"title,omitempty"`
	ASIN              string `json:"asin,omitempty"`
	Quantity          int    `db:"quantity" json:"quantity"`
	ItemPrice         Money  `json:"item_price"`
	ItemTax           Money  `json:"item_tax"`
	ShippingPrice     Money  `json:"shipping_price"`
	ShippingTax       Money  `json:"shipping_tax"`
	GiftWrapPrice     Money  `json:"gift_wrap_price"`
	GiftWrapTax       Money  `json:"gift_wrap_tax"`
	ItemPromotion     Money  `json:"item_promotion_discount"`
	ShippingPromotion Money  `json:"ship_promotion_discount"`
}

type ProductStatus string

const (
	ProductActive   ProductStatus = "Active"
	ProductInactive ProductStatus = "Inactive"
)

type Product struct {
	ID          int64         `db:"id" json:"id"`
	AccountID   int64         `db:"account_id" json:"account_id"`
	SKU         string        `db:"sku" json:"sku"`
	ASIN        string        `db:"asin" json:"asin"`
	EAN         string        `db:"ean" json:"ean"`
	Title       string        `db:"title" json:"title"`
	Description string        `db:"description" json:"description"`
	URL         string        `db:"url" json:"url"`
	Status      ProductStatus `db:"status" json:"status"`
}
