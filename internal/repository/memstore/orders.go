package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

type orderRepo struct{ s *Store }

func (r orderRepo) UpsertProducts(_ context.Context, accountID int64, products []model.Product) (model.UpsertResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var result model.UpsertResult
	for _, p := range products {
		if strings.TrimSpace(p.SKU) == "" {
			result.Rejected = append(result.Rejected, &appErrors.ValidationError{Entity: "product", Key: p.ASIN, Reason: "missing sku"})
			continue
		}
		key := productKey{accountID, p.SKU}
		existing, ok := r.s.products[key]
		if !ok {
			p.ID = r.s.nextID()
			p.AccountID = accountID
			cp := p
			r.s.products[key] = &cp
			result.Inserted++
			continue
		}
		if existing.ASIN == p.ASIN && existing.EAN == p.EAN && existing.Title == p.Title &&
			existing.Description == p.Description && existing.URL == p.URL && existing.Status == p.Status {
			result.Unchanged++
			continue
		}
		existing.ASIN, existing.EAN, existing.Title = p.ASIN, p.EAN, p.Title
		existing.Description, existing.URL, existing.Status = p.Description, p.URL, p.Status
		result.Updated++
	}
	return result, nil
}

func validateOrder(o model.Order) error {
	switch {
	case strings.TrimSpace(o.OrderID) == "":
		return &appErrors.ValidationError{Entity: "order", Key: o.SellerOrderID, Reason: "missing order id"}
	case o.PurchaseAt.IsZero():
		return &appErrors.ValidationError{Entity: "order", Key: o.OrderID, Reason: "missing purchase date"}
	case o.ReportAt.IsZero():
		return &appErrors.ValidationError{Entity: "order", Key: o.OrderID, Reason: "missing report time"}
	case o.Status == "":
		return &appErrors.ValidationError{Entity: "order", Key: o.OrderID, Reason: "missing status"}
	}
	return nil
}

// UpsertOrders mirrors the SQL store: newest report_at wins, opt_out and
// review_requested survive every update, and the batch is atomic.
func (r orderRepo) UpsertOrders(_ context.Context, accountID int64, orders []model.Order) (model.UpsertResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var result model.UpsertResult
	for _, o := range orders {
		if err := validateOrder(o); err != nil {
			result.Rejected = append(result.Rejected, err)
			continue
		}
		key := orderKey{accountID, o.OrderID}
		id, exists := r.s.orderIndex[key]

		switch {
		case !exists:
			id = r.s.nextID()
			stored := o
			stored.ID = id
			stored.AccountID = accountID
			stored.OptOut = false
			stored.ReviewRequested = false
			stored.Items = nil
			r.s.orders[id] = &stored
			r.s.orderIndex[key] = id
			result.Inserted++
			result.Events = append(result.Events, model.OrderEvent{
				AccountID: accountID, OrderID: o.OrderID, Kind: model.EventOrderCreated, NewStatus: o.Status,
			})
		case o.ReportAt.After(r.s.orders[id].ReportAt):
			cur := r.s.orders[id]
			old := cur.Status
			applyOrderUpdate(cur, o)
			result.Updated++
			if old != o.Status {
				result.Events = append(result.Events, model.OrderEvent{
					AccountID: accountID, OrderID: o.OrderID, Kind: model.EventOrderStatusChanged,
					OldStatus: old, NewStatus: o.Status,
				})
			}
		default:
			result.Unchanged++
		}

		if last, seen := r.s.itemsReportAt[id]; len(o.Items) > 0 && (!seen || o.ReportAt.After(last)) {
			r.s.orders[id].Items = mergeItems(id, o.Items)
			r.s.itemsReportAt[id] = o.ReportAt
		}
	}

	now := r.s.now()
	for i := range result.Events {
		evt := &result.Events[i]
		evt.ID = r.s.nextID()
		evt.CreatedAt = now
		cp := *evt
		r.s.events = append(r.s.events, &cp)
	}
	return result, nil
}

func applyOrderUpdate(cur *model.Order, o model.Order) {
	if o.SellerOrderID != "" {
		cur.SellerOrderID = o.SellerOrderID
	}
	cur.PurchaseAt = o.PurchaseAt
	if o.PaymentAt != nil {
		cur.PaymentAt = o.PaymentAt
	}
	if o.ShipAt != nil {
		cur.ShipAt = o.ShipAt
	}
	cur.ReportAt = o.ReportAt
	if o.BuyerEmail != "" {
		cur.BuyerEmail = o.BuyerEmail
	}
	if o.BuyerName != "" {
		cur.BuyerName = o.BuyerName
	}
	if o.SalesChannel != "" {
		cur.SalesChannel = o.SalesChannel
	}
	if o.FulfillmentChannel != "" {
		cur.FulfillmentChannel = o.FulfillmentChannel
	}
	cur.Status = o.Status
	cur.Quantity = o.Quantity
	cur.Amount, cur.Tax, cur.Shipping = o.Amount, o.Tax, o.Shipping
	if o.FeedbackRating != nil {
		cur.FeedbackRating = o.FeedbackRating
	}
	cur.HasReturn = cur.HasReturn || o.HasReturn
	cur.HasRefund = cur.HasRefund || o.HasRefund
}

// mergeItems folds duplicate (item, shipment item) lines by summing quantity.
func mergeItems(orderRef int64, items []model.OrderItem) []model.OrderItem {
	type itemKey struct{ item, shipment string }
	index := map[itemKey]int{}
	var out []model.OrderItem
	for _, it := range items {
		k := itemKey{it.ItemID, it.ShipmentItemID}
		if i, ok := index[k]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		it.OrderRef = orderRef
		it.Title = ""
		index[k] = len(out)
		out = append(out, it)
	}
	return out
}

func (r orderRepo) copyLocked(o *model.Order) *model.Order {
	cp := *o
	cp.Items = make([]model.OrderItem, len(o.Items))
	copy(cp.Items, o.Items)
	for i := range cp.Items {
		if p, ok := r.s.products[productKey{o.AccountID, cp.Items[i].SKU}]; ok {
			cp.Items[i].Title = p.Title
			cp.Items[i].ASIN = p.ASIN
		}
	}
	return &cp
}

func (r orderRepo) GetByID(_ context.Context, id int64) (*model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, appErrors.NewNotFound("order", id)
	}
	return r.copyLocked(o), nil
}

func (r orderRepo) GetByOrderID(_ context.Context, accountID int64, orderID string) (*model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.orderIndex[orderKey{accountID, orderID}]
	if !ok {
		return nil, appErrors.NewNotFound("order", orderID)
	}
	return r.copyLocked(r.s.orders[id]), nil
}

func (r orderRepo) KnownStatuses(_ context.Context, accountID int64, orderIDs []string) (map[string]model.OrderStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string]model.OrderStatus, len(orderIDs))
	for _, oid := range orderIDs {
		if id, ok := r.s.orderIndex[orderKey{accountID, oid}]; ok {
			out[oid] = r.s.orders[id].Status
		}
	}
	return out, nil
}

func (r orderRepo) CountPriorPurchases(_ context.Context, accountID int64, buyerEmail string, before time.Time, excludeID int64) (int, error) {
	if buyerEmail == "" {
		return 0, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, o := range r.s.orders {
		if o.AccountID == accountID && o.BuyerEmail == buyerEmail && o.PurchaseAt.Before(before) && o.ID != excludeID {
			n++
		}
	}
	return n, nil
}

func (r orderRepo) ListForActivation(_ context.Context, accountIDs []int64, status model.OrderStatus, since time.Time, afterID int64, limit int) ([]model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	accounts := map[int64]bool{}
	for _, id := range accountIDs {
		accounts[id] = true
	}
	var out []model.Order
	for _, o := range r.s.orders {
		if accounts[o.AccountID] && o.Status == status && !o.PurchaseAt.Before(since) && o.ID > afterID {
			cp := *o
			cp.Items = nil
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ====================== Events ======================

type eventRepo struct{ s *Store }

func (r eventRepo) ListPending(_ context.Context, limit int) ([]model.OrderEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.OrderEvent
	for _, e := range r.s.events {
		if e.ConsumedAt != nil {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r eventRepo) MarkConsumed(_ context.Context, ids []int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	now := r.s.now()
	for _, e := range r.s.events {
		if want[e.ID] && e.ConsumedAt == nil {
			at := now
			e.ConsumedAt = &at
		}
	}
	return nil
}
