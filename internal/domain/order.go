package domain

import (
	"time"
)

// Order is a placed order with its snapshot attached verbatim.
type Order struct {
	ID       string        `json:"id"`
	TenantID string        `json:"tenantId"`
	Buyer    Buyer         `json:"buyer"`
	Lines    []CartLine    `json:"lines"`
	Snapshot OrderSnapshot `json:"snapshot"`

	CreatedAt time.Time `json:"createdAt"`
}

// Amendment re-prices an existing order without touching it.
type Amendment struct {
	ID       string        `json:"id"`
	TenantID string        `json:"tenantId"`
	OrderID  string        `json:"orderId"`
	Reason   string        `json:"reason"`
	Buyer    Buyer         `json:"buyer"`
	Lines    []CartLine    `json:"lines"`
	Snapshot OrderSnapshot `json:"snapshot"`

	CreatedAt time.Time `json:"createdAt"`
}
