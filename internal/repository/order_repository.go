package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/marketplace-automation/internal/db"
	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

// OrderRepositoryInterface is the catalog & order store. Every upsert batch is
// one transaction and writes its order events to the outbox in that same
// transaction.
type OrderRepositoryInterface interface {
	UpsertProducts(ctx context.Context, accountID int64, products []model.Product) (model.UpsertResult, error)
	UpsertOrders(ctx context.Context, accountID int64, orders []model.Order) (model.UpsertResult, error)
	GetByID(ctx context.Context, id int64) (*model.Order, error)
	GetByOrderID(ctx context.Context, accountID int64, orderID string) (*model.Order, error)
	KnownStatuses(ctx context.Context, accountID int64, orderIDs []string) (map[string]model.OrderStatus, error)
	CountPriorPurchases(ctx context.Context, accountID int64, buyerEmail string, before time.Time, excludeID int64) (int, error)
	ListForActivation(ctx context.Context, accountIDs []int64, status model.OrderStatus, since time.Time, afterID int64, limit int) ([]model.Order, error)
}

type OrderRepository struct {
	DB *sql.DB
}

// ====================== Products ======================

func (r *OrderRepository) UpsertProducts(ctx context.Context, accountID int64, products []model.Product) (model.UpsertResult, error) {
	var result model.UpsertResult
	query := `
        INSERT INTO products (account_id, sku, asin, ean, title, description, url, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (account_id, sku) DO UPDATE SET
            asin = EXCLUDED.asin,
            ean = EXCLUDED.ean,
            title = EXCLUDED.title,
            description = EXCLUDED.description,
            url = EXCLUDED.url,
            status = EXCLUDED.status,
            updated_at = NOW()
        WHERE (products.asin, products.ean, products.title, products.description, products.url, products.status)
            IS DISTINCT FROM (EXCLUDED.asin, EXCLUDED.ean, EXCLUDED.title, EXCLUDED.description, EXCLUDED.url, EXCLUDED.status)
        RETURNING (xmax = 0) AS inserted`

	err := db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, accountID); err != nil {
			return fmt.Errorf("lock account %d: %w", accountID, err)
		}
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare product upsert: %w", err)
		}
		defer stmt.Close()

		for _, p := range products {
			if err := validateProduct(p); err != nil {
				result.Rejected = append(result.Rejected, err)
				continue
			}
			var inserted bool
			err := stmt.QueryRowContext(ctx, accountID, p.SKU, p.ASIN, p.EAN, p.Title, p.Description, p.URL, string(p.Status)).Scan(&inserted)
			switch {
			case err == sql.ErrNoRows:
				result.Unchanged++
			case err != nil:
				return fmt.Errorf("upsert product %s: %w", p.SKU, err)
			case inserted:
				result.Inserted++
			default:
				result.Updated++
			}
		}
		return nil
	})
	return result, err
}

func validateProduct(p model.Product) error {
	if strings.TrimSpace(p.SKU) == "" {
		return &appErrors.ValidationError{Entity: "product", Key: p.ASIN, Reason: "missing sku"}
	}
	return nil
}

// ====================== Orders ======================

const orderColumns = `
    o.id, o.account_id, o.order_id, o.seller_order_id, o.purchase_at, o.payment_at, o.ship_at,
    o.report_at, o.buyer_email, o.buyer_name, o.sales_channel, o.fulfillment_channel, o.status,
    o.quantity, o.currency, o.amount, o.tax, o.shipping, o.feedback_rating,
    o.has_return, o.has_refund, o.opt_out, o.review_requested`

func scanOrder(row rowScanner) (*model.Order, error) {
	var (
		o        model.Order
		currency string
		channel  string
		status   string
		rating   sql.NullInt64
	)
	err := row.Scan(
		&o.ID, &o.AccountID, &o.OrderID, &o.SellerOrderID, &o.PurchaseAt, &o.PaymentAt, &o.ShipAt,
		&o.ReportAt, &o.BuyerEmail, &o.BuyerName, &o.SalesChannel, &channel, &status,
		&o.Quantity, &currency, &o.Amount.Amount, &o.Tax.Amount, &o.Shipping.Amount, &rating,
		&o.HasReturn, &o.HasRefund, &o.OptOut, &o.ReviewRequested,
	)
	if err != nil {
		return nil, err
	}
	o.FulfillmentChannel = model.FulfillmentChannel(channel)
	o.Status = model.OrderStatus(status)
	o.Amount.Currency = currency
	o.Tax.Currency = currency
	o.Shipping.Currency = currency
	if rating.Valid {
		n := int(rating.Int64)
		o.FeedbackRating = &n
	}
	return &o, nil
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

// UpsertOrders applies a batch with newest-report-wins semantics. A row whose
// report_at is not newer than the stored one is a no-op and emits nothing.
// Items replace the stored line set only when the batch's report is newer
// than the one that last wrote items.
func (r *OrderRepository) UpsertOrders(ctx context.Context, accountID int64, orders []model.Order) (model.UpsertResult, error) {
	var result model.UpsertResult

	err := db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, accountID); err != nil {
			return fmt.Errorf("lock account %d: %w", accountID, err)
		}

		for _, o := range orders {
			if err := validateOrder(o); err != nil {
				result.Rejected = append(result.Rejected, err)
				continue
			}

			var (
				id            int64
				oldStatus     string
				oldReportAt   time.Time
				itemsReportAt sql.NullTime
			)
			err := tx.QueryRowContext(ctx, `
                SELECT id, status, report_at, items_report_at
                FROM orders WHERE account_id = $1 AND order_id = $2
                FOR UPDATE`, accountID, o.OrderID).Scan(&id, &oldStatus, &oldReportAt, &itemsReportAt)

			switch {
			case err == sql.ErrNoRows:
				id, err = insertOrder(ctx, tx, accountID, o)
				if err != nil {
					return err
				}
				result.Inserted++
				result.Events = append(result.Events, model.OrderEvent{
					AccountID: accountID,
					OrderID:   o.OrderID,
					Kind:      model.EventOrderCreated,
					NewStatus: o.Status,
				})
			case err != nil:
				return fmt.Errorf("lookup order %s: %w", o.OrderID, err)
			case o.ReportAt.After(oldReportAt):
				if err := updateOrder(ctx, tx, id, o); err != nil {
					return err
				}
				result.Updated++
				if model.OrderStatus(oldStatus) != o.Status {
					result.Events = append(result.Events, model.OrderEvent{
						AccountID: accountID,
						OrderID:   o.OrderID,
						Kind:      model.EventOrderStatusChanged,
						OldStatus: model.OrderStatus(oldStatus),
						NewStatus: o.Status,
					})
				}
			default:
				result.Unchanged++
			}

			if len(o.Items) > 0 && (!itemsReportAt.Valid || o.ReportAt.After(itemsReportAt.Time)) {
				if err := replaceItems(ctx, tx, id, o); err != nil {
					return err
				}
			}
		}

		for i := range result.Events {
			evt := &result.Events[i]
			err := tx.QueryRowContext(ctx, `
                INSERT INTO order_events (account_id, order_id, kind, old_status, new_status)
                VALUES ($1, $2, $3, $4, $5)
                RETURNING id, created_at`,
				evt.AccountID, evt.OrderID, string(evt.Kind), string(evt.OldStatus), string(evt.NewStatus),
			).Scan(&evt.ID, &evt.CreatedAt)
			if err != nil {
				return fmt.Errorf("write order event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return model.UpsertResult{}, err
	}
	return result, nil
}

func nullRating(r *int) sql.NullInt64 {
	if r == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*r), Valid: true}
}

func insertOrder(ctx context.Context, tx *sql.Tx, accountID int64, o model.Order) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
        INSERT INTO orders (
            account_id, order_id, seller_order_id, purchase_at, payment_at, ship_at, report_at,
            buyer_email, buyer_name, sales_channel, fulfillment_channel, status, quantity,
            currency, amount, tax, shipping, feedback_rating, has_return, has_refund
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
        RETURNING id`,
		accountID, o.OrderID, o.SellerOrderID, o.PurchaseAt, o.PaymentAt, o.ShipAt, o.ReportAt,
		o.BuyerEmail, o.BuyerName, o.SalesChannel, string(o.FulfillmentChannel), string(o.Status), o.Quantity,
		o.Amount.Currency, o.Amount.Amount, o.Tax.Amount, o.Shipping.Amount, nullRating(o.FeedbackRating),
		o.HasReturn, o.HasRefund,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order %s: %w", o.OrderID, err)
	}
	return id, nil
}

// updateOrder never touches opt_out or review_requested, and only ever sets
// the return/refund tags.
func updateOrder(ctx context.Context, tx *sql.Tx, id int64, o model.Order) error {
	_, err := tx.ExecContext(ctx, `
        UPDATE orders SET
            seller_order_id = COALESCE(NULLIF($2, ''), seller_order_id),
            purchase_at = $3,
            payment_at = COALESCE($4, payment_at),
            ship_at = COALESCE($5, ship_at),
            report_at = $6,
            buyer_email = COALESCE(NULLIF($7, ''), buyer_email),
            buyer_name = COALESCE(NULLIF($8, ''), buyer_name),
            sales_channel = COALESCE(NULLIF($9, ''), sales_channel),
            fulfillment_channel = COALESCE(NULLIF($10, ''), fulfillment_channel),
            status = $11,
            quantity = $12,
            currency = COALESCE(NULLIF($13, ''), currency),
            amount = $14,
            tax = $15,
            shipping = $16,
            feedback_rating = COALESCE($17, feedback_rating),
            has_return = has_return OR $18,
            has_refund = has_refund OR $19,
            updated_at = NOW()
        WHERE id = $1`,
		id, o.SellerOrderID, o.PurchaseAt, o.PaymentAt, o.ShipAt, o.ReportAt,
		o.BuyerEmail, o.BuyerName, o.SalesChannel, string(o.FulfillmentChannel), string(o.Status),
		o.Quantity, o.Amount.Currency, o.Amount.Amount, o.Tax.Amount, o.Shipping.Amount,
		nullRating(o.FeedbackRating), o.HasReturn, o.HasRefund,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.OrderID, err)
	}
	return nil
}

func replaceItems(ctx context.Context, tx *sql.Tx, orderRef int64, o model.Order) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_ref = $1`, orderRef); err != nil {
		return fmt.Errorf("clear items of %s: %w", o.OrderID, err)
	}
	for _, it := range o.Items {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO order_items (
                order_ref, item_id, shipment_item_id, sku, quantity, currency,
                item_price, item_tax, shipping_price, shipping_tax,
                gift_wrap_price, gift_wrap_tax, item_promotion, ship_promotion
            )
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
            ON CONFLICT (order_ref, item_id, shipment_item_id) DO UPDATE SET
                quantity = order_items.quantity + EXCLUDED.quantity`,
			orderRef, it.ItemID, it.ShipmentItemID, it.SKU, it.Quantity, it.ItemPrice.Currency,
			it.ItemPrice.Amount, it.ItemTax.Amount, it.ShippingPrice.Amount, it.ShippingTax.Amount,
			it.GiftWrapPrice.Amount, it.GiftWrapTax.Amount, it.ItemPromotion.Amount, it.ShippingPromotion.Amount,
		)
		if err != nil {
			return fmt.Errorf("insert item %s of %s: %w", it.ItemID, o.OrderID, err)
		}
	}
	_, err := tx.ExecContext(ctx, `UPDATE orders SET items_report_at = $2 WHERE id = $1`, orderRef, o.ReportAt)
	return err
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*model.Order, error) {
	o, err := scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("order", id)
		}
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	if o.Items, err = r.items(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *OrderRepository) GetByOrderID(ctx context.Context, accountID int64, orderID string) (*model.Order, error) {
	o, err := scanOrder(r.DB.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders o WHERE o.account_id = $1 AND o.order_id = $2`, accountID, orderID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("order", orderID)
		}
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if o.Items, err = r.items(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

// items loads the line set with product title and ASIN resolved from the catalog.
func (r *OrderRepository) items(ctx context.Context, orderRef int64) ([]model.OrderItem, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT i.item_id, i.shipment_item_id, i.sku, COALESCE(p.title, ''), COALESCE(p.asin, ''), i.quantity, i.currency,
               i.item_price, i.item_tax, i.shipping_price, i.shipping_tax,
               i.gift_wrap_price, i.gift_wrap_tax, i.item_promotion, i.ship_promotion
        FROM order_items i
        JOIN orders o ON o.id = i.order_ref
        LEFT JOIN products p ON p.account_id = o.account_id AND p.sku = i.sku
        WHERE i.order_ref = $1
        ORDER BY i.id`, orderRef)
	if err != nil {
		return nil, fmt.Errorf("list items of order %d: %w", orderRef, err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		it := model.OrderItem{OrderRef: orderRef}
		var currency string
		if err := rows.Scan(&it.ItemID, &it.ShipmentItemID, &it.SKU, &it.Title, &it.ASIN, &it.Quantity, &currency,
			&it.ItemPrice.Amount, &it.ItemTax.Amount, &it.ShippingPrice.Amount, &it.ShippingTax.Amount,
			&it.GiftWrapPrice.Amount, &it.GiftWrapTax.Amount, &it.ItemPromotion.Amount, &it.ShippingPromotion.Amount,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		for _, m := range []*model.Money{&it.ItemPrice, &it.ItemTax, &it.ShippingPrice, &it.ShippingTax,
			&it.GiftWrapPrice, &it.GiftWrapTax, &it.ItemPromotion, &it.ShippingPromotion} {
			m.Currency = currency
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *OrderRepository) KnownStatuses(ctx context.Context, accountID int64, orderIDs []string) (map[string]model.OrderStatus, error) {
	out := make(map[string]model.OrderStatus, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT order_id, status FROM orders WHERE account_id = $1 AND order_id = ANY($2)`,
		accountID, pq.Array(orderIDs))
	if err != nil {
		return nil, fmt.Errorf("known statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = model.OrderStatus(status)
	}
	return out, rows.Err()
}

// CountPriorPurchases counts the buyer's orders placed before the given one.
func (r *OrderRepository) CountPriorPurchases(ctx context.Context, accountID int64, buyerEmail string, before time.Time, excludeID int64) (int, error) {
	if buyerEmail == "" {
		return 0, nil
	}
	var n int
	err := r.DB.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM orders
        WHERE account_id = $1 AND buyer_email = $2 AND purchase_at < $3 AND id <> $4`,
		accountID, buyerEmail, before, excludeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prior purchases: %w", err)
	}
	return n, nil
}

// ListForActivation pages through orders by id for a campaign fan-out.
func (r *OrderRepository) ListForActivation(ctx context.Context, accountIDs []int64, status model.OrderStatus, since time.Time, afterID int64, limit int) ([]model.Order, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders o
        WHERE o.account_id = ANY($1) AND o.status = $2 AND o.purchase_at >= $3 AND o.id > $4
        ORDER BY o.id
        LIMIT $5`,
		pq.Array(accountIDs), string(status), since, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders for activation: %w", err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

var _ OrderRepositoryInterface = (*OrderRepository)(nil)
