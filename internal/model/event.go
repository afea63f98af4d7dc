package model

import "time"

type OrderEventKind string

const (
	EventOrderCreated       OrderEventKind = "ORDER_CREATED"
	EventOrderStatusChanged OrderEventKind = "ORDER_STATUS_CHANGED"
)

// OrderEvent is an outbox row written in the same transaction as the upsert.
type OrderEvent struct {
	ID         int64          `db:"id" json:"id"`
	AccountID  int64          `db:"account_id" json:"account_id"`
	OrderID    string         `db:"order_id" json:"order_id"`
	Kind       OrderEventKind `db:"kind" json:"kind"`
	OldStatus  OrderStatus    `db:"old_status" json:"old_status,omitempty"`
	NewStatus  OrderStatus    `db:"new_status" json:"new_status"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	ConsumedAt *time.Time     `db:"consumed_at" json:"consumed_at,omitempty"`
}

// UpsertResult summarizes one ingest batch.
type UpsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	Rejected  []error
	Events    []OrderEvent
}
