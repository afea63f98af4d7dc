// Package report turns marketplace flat-file reports into typed records and
// drives the create, poll, download, parse and upsert cycle per account.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

// table reads a tab-delimited report with a header row.
type table struct {
	name   string
	r      *csv.Reader
	index  map[string]int
	line   int
	record []string
}

func newTable(name string, r io.Reader) (*table, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return &table{name: name, r: cr, index: map[string]int{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s report header: %w", name, err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}
	return &table{name: name, r: cr, index: index, line: 1}, nil
}

// next advances to the following row. A malformed row yields a ParseError
// and the reader stays usable.
func (t *table) next() (bool, error) {
	rec, err := t.r.Read()
	t.line++
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return true, &appErrors.ParseError{Report: t.name, Line: t.line, Err: pe.Err}
		}
		return false, err
	}
	t.record = rec
	return true, nil
}

func (t *table) has(col string) bool {
	_, ok := t.index[col]
	return ok
}

// get returns the trimmed value of a column, empty when the column is
// absent or the row is short.
func (t *table) get(col string) string {
	i, ok := t.index[col]
	if !ok || i >= len(t.record) {
		return ""
	}
	return strings.TrimSpace(t.record[i])
}

func (t *table) fieldErr(col string, err error) error {
	return &appErrors.ParseError{Report: t.name, Line: t.line, Field: col, Err: err}
}

func (t *table) require(col string) (string, error) {
	v := t.get(col)
	if v == "" {
		return "", t.fieldErr(col, errors.New("missing value"))
	}
	return v, nil
}

// money parses an amount; an empty cell is zero in the given currency.
func (t *table) money(col, currency string) (model.Money, error) {
	v := t.get(col)
	if v == "" {
		return model.ZeroMoney(currency), nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(v, ",", ""))
	if err != nil {
		return model.Money{}, t.fieldErr(col, err)
	}
	return model.Money{Amount: d, Currency: currency}, nil
}

func (t *table) int(col string) (int, error) {
	v := t.get(col)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, t.fieldErr(col, err)
	}
	return n, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(v string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}

func (t *table) time(col string) (time.Time, error) {
	v, err := t.require(col)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := parseTime(v)
	if err != nil {
		return time.Time{}, t.fieldErr(col, err)
	}
	return ts, nil
}

func (t *table) optionalTime(col string) (*time.Time, error) {
	v := t.get(col)
	if v == "" {
		return nil, nil
	}
	ts, err := parseTime(v)
	if err != nil {
		return nil, t.fieldErr(col, err)
	}
	return &ts, nil
}

// Rows is what a parser hands back: the good records plus one error per
// skipped row.
type Rows[T any] struct {
	Records []T
	Skipped []error
}

func (r *Rows[T]) skip(err error) { r.Skipped = append(r.Skipped, err) }

// ====================== Merchant listings ======================

// ParseListings reads a merchant listings report.
func ParseListings(r io.Reader) (Rows[model.Product], error) {
	var out Rows[model.Product]
	t, err := newTable("listings", r)
	if err != nil {
		return out, err
	}
	for {
		ok, err := t.next()
		if !ok {
			return out, err
		}
		if err != nil {
			out.skip(err)
			continue
		}
		sku, err := t.require("seller-sku")
		if err != nil {
			out.skip(err)
			continue
		}
		p := model.Product{
			SKU:         sku,
			ASIN:        t.get("asin1"),
			Title:       t.get("item-name"),
			Description: t.get("item-description"),
			Status:      model.ProductInactive,
		}
		// product-id-type 4 is EAN
		if typ := t.get("product-id-type"); typ == "" || typ == "4" {
			p.EAN = t.get("product-id")
		}
		if strings.EqualFold(t.get("status"), "active") {
			p.Status = model.ProductActive
		}
		out.Records = append(out.Records, p)
	}
}

// ====================== Orders ======================

// ParseOrders reads an orders report. The report has one row per order line;
// rows are folded into one order with summed quantity and amounts.
// defaultCurrency fills rows without a currency.
func ParseOrders(r io.Reader, reportAt time.Time, defaultCurrency string) (Rows[model.Order], error) {
	var out Rows[model.Order]
	t, err := newTable("orders", r)
	if err != nil {
		return out, err
	}
	index := map[string]int{}
	for {
		ok, err := t.next()
		if !ok {
			return out, err
		}
		if err != nil {
			out.skip(err)
			continue
		}
		o, err := orderFromRow(t, reportAt, defaultCurrency)
		if err != nil {
			out.skip(err)
			continue
		}
		if i, seen := index[o.OrderID]; seen {
			merged := &out.Records[i]
			merged.Quantity += o.Quantity
			merged.Amount = merged.Amount.Add(o.Amount)
			merged.Tax = merged.Tax.Add(o.Tax)
			merged.Shipping = merged.Shipping.Add(o.Shipping)
			continue
		}
		index[o.OrderID] = len(out.Records)
		out.Records = append(out.Records, o)
	}
}

func orderFromRow(t *table, reportAt time.Time, defaultCurrency string) (model.Order, error) {
	id, err := t.require("amazon-order-id")
	if err != nil {
		return model.Order{}, err
	}
	purchaseAt, err := t.time("purchase-date")
	if err != nil {
		return model.Order{}, err
	}
	status, err := t.require("order-status")
	if err != nil {
		return model.Order{}, err
	}
	currency := t.get("currency")
	if currency == "" {
		currency = defaultCurrency
	}
	o := model.Order{
		OrderID:            id,
		SellerOrderID:      t.get("merchant-order-id"),
		PurchaseAt:         purchaseAt,
		ReportAt:           reportAt,
		BuyerEmail:         strings.ToLower(t.get("buyer-email")),
		BuyerName:          t.get("buyer-name"),
		SalesChannel:       t.get("sales-channel"),
		FulfillmentChannel: model.NormalizeChannel(t.get("fulfillment-channel")),
		Status:             model.NormalizeOrderStatus(status),
	}
	if o.PaymentAt, err = t.optionalTime("payments-date"); err != nil {
		return model.Order{}, err
	}
	if o.ShipAt, err = t.optionalTime("shipment-date"); err != nil {
		return model.Order{}, err
	}
	if o.Quantity, err = quantity(t); err != nil {
		return model.Order{}, err
	}
	if o.Amount, err = t.money("item-price", currency); err != nil {
		return model.Order{}, err
	}
	if o.Tax, err = t.money("item-tax", currency); err != nil {
		return model.Order{}, err
	}
	if o.Shipping, err = t.money("shipping-price", currency); err != nil {
		return model.Order{}, err
	}
	return o, nil
}

// quantity prefers an explicit quantity column and otherwise sums shipped
// and unshipped units.
func quantity(t *table) (int, error) {
	for _, col := range []string{"quantity", "quantity-purchased"} {
		if t.get(col) != "" {
			return t.int(col)
		}
	}
	shipped, err := t.int("quantity-shipped")
	if err != nil {
		return 0, err
	}
	unshippedCol := "quantity-unshipped"
	if !t.has(unshippedCol) {
		unshippedCol = "quantity-to-ship"
	}
	unshipped, err := t.int(unshippedCol)
	if err != nil {
		return 0, err
	}
	return shipped + unshipped, nil
}

// ====================== Order items ======================

// ItemRow is one shipped line plus the order-level fields the items report
// repeats on every line. It carries no order status.
type ItemRow struct {
	OrderID            string
	SellerOrderID      string
	PurchaseAt         time.Time
	PaymentAt          *time.Time
	ShipAt             *time.Time
	BuyerEmail         string
	BuyerName          string
	SalesChannel       string
	FulfillmentChannel model.FulfillmentChannel
	Item               model.OrderItem
}

// ParseOrderItems reads a shipped-items report.
func ParseOrderItems(r io.Reader, defaultCurrency string) (Rows[ItemRow], error) {
	var out Rows[ItemRow]
	t, err := newTable("order_items", r)
	if err != nil {
		return out, err
	}
	for {
		ok, err := t.next()
		if !ok {
			return out, err
		}
		if err != nil {
			out.skip(err)
			continue
		}
		row, err := itemFromRow(t, defaultCurrency)
		if err != nil {
			out.skip(err)
			continue
		}
		out.Records = append(out.Records, row)
	}
}

func itemFromRow(t *table, defaultCurrency string) (ItemRow, error) {
	orderID, err := t.require("amazon-order-id")
	if err != nil {
		return ItemRow{}, err
	}
	itemID, err := t.require("amazon-order-item-id")
	if err != nil {
		return ItemRow{}, err
	}
	currency := t.get("currency")
	if currency == "" {
		currency = defaultCurrency
	}
	row := ItemRow{
		OrderID:            orderID,
		SellerOrderID:      t.get("merchant-order-id"),
		BuyerEmail:         strings.ToLower(t.get("buyer-email")),
		BuyerName:          t.get("buyer-name"),
		SalesChannel:       t.get("sales-channel"),
		FulfillmentChannel: model.NormalizeChannel(t.get("fulfillment-channel")),
		Item: model.OrderItem{
			ItemID:         itemID,
			ShipmentItemID: t.get("shipment-item-id"),
			SKU:            t.get("sku"),
		},
	}
	if row.FulfillmentChannel == "" {
		// the shipments report only covers marketplace-fulfilled orders
		row.FulfillmentChannel = model.ChannelFBA
	}
	if t.get("purchase-date") != "" {
		if row.PurchaseAt, err = t.time("purchase-date"); err != nil {
			return ItemRow{}, err
		}
	}
	if row.PaymentAt, err = t.optionalTime("payments-date"); err != nil {
		return ItemRow{}, err
	}
	if row.ShipAt, err = t.optionalTime("shipment-date"); err != nil {
		return ItemRow{}, err
	}
	if row.Item.Quantity, err = quantity(t); err != nil {
		return ItemRow{}, err
	}

	it := &row.Item
	for col, dst := range map[string]*model.Money{
		"item-price":              &it.ItemPrice,
		"item-tax":                &it.ItemTax,
		"shipping-price":          &it.ShippingPrice,
		"shipping-tax":            &it.ShippingTax,
		"gift-wrap-price":         &it.GiftWrapPrice,
		"gift-wrap-tax":           &it.GiftWrapTax,
		"item-promotion-discount": &it.ItemPromotion,
		"ship-promotion-discount": &it.ShippingPromotion,
	} {
		m, err := t.money(col, currency)
		if err != nil {
			return ItemRow{}, err
		}
		*dst = m
	}
	return row, nil
}
