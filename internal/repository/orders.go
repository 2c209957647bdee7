package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/tariff/internal/domain"
)

// SaveOrder inserts order. Orders are never updated: saving an id that
// already exists returns ErrDuplicate and leaves the stored snapshot intact.
func (r *SQLRepository) SaveOrder(ctx context.Context, tenantID string, order *domain.Order) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if order == nil || order.ID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	buyer, lines, snapshot, err := marshalPriced(order.Buyer, order.Lines, &order.Snapshot)
	if err != nil {
		return err
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO orders (
			id, tenant_id, buyer_id, buyer, lines, snapshot, final_total, pricing_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		order.ID, tenantID, order.Buyer.ID, buyer, lines, snapshot,
		order.Snapshot.FinalTotal.String(), order.Snapshot.PricingVersion, order.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	if err := expectInserted(result, "order", order.ID); err != nil {
		return err
	}

	order.TenantID = tenantID
	return nil
}

// GetOrder retrieves an order with its snapshot exactly as stored.
func (r *SQLRepository) GetOrder(ctx context.Context, tenantID string, orderID string) (*domain.Order, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, buyer, lines, snapshot, created_at
		FROM orders
		WHERE tenant_id = ? AND id = ?
	`

	var order domain.Order
	var buyer, lines, snapshot string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, orderID).Scan(
		&order.ID, &order.TenantID, &buyer, &lines, &snapshot, &order.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := unmarshalPriced(buyer, lines, snapshot, &order.Buyer, &order.Lines, &order.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", order.ID, err)
	}
	order.CreatedAt = order.CreatedAt.UTC()

	return &order, nil
}

// SaveAmendment inserts a re-pricing record for an existing order.
func (r *SQLRepository) SaveAmendment(ctx context.Context, tenantID string, amendment *domain.Amendment) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if amendment == nil || amendment.ID == "" || amendment.OrderID == "" {
		return fmt.Errorf("%w: amendment id and order id are required", ErrInvalidInput)
	}

	buyer, lines, snapshot, err := marshalPriced(amendment.Buyer, amendment.Lines, &amendment.Snapshot)
	if err != nil {
		return err
	}
	if amendment.CreatedAt.IsZero() {
		amendment.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO order_amendments (
			id, tenant_id, order_id, reason, buyer, lines, snapshot, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		amendment.ID, tenantID, amendment.OrderID, amendment.Reason,
		buyer, lines, snapshot, amendment.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save amendment %s: %w", amendment.ID, err)
	}
	if err := expectInserted(result, "amendment", amendment.ID); err != nil {
		return err
	}

	amendment.TenantID = tenantID
	return nil
}

// ListAmendments returns an order's amendments, oldest first.
func (r *SQLRepository) ListAmendments(ctx context.Context, tenantID string, orderID string) ([]*domain.Amendment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, order_id, reason, buyer, lines, snapshot, created_at
		FROM order_amendments
		WHERE tenant_id = ? AND order_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	amendments := make([]*domain.Amendment, 0)
	for rows.Next() {
		var a domain.Amendment
		var buyer, lines, snapshot string

		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.OrderID, &a.Reason, &buyer, &lines, &snapshot, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := unmarshalPriced(buyer, lines, snapshot, &a.Buyer, &a.Lines, &a.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode amendment %s: %w", a.ID, err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		amendments = append(amendments, &a)
	}

	return amendments, rows.Err()
}

func marshalPriced(buyer domain.Buyer, lines []domain.CartLine, snapshot *domain.OrderSnapshot) (string, string, string, error) {
	if lines == nil {
		lines = []domain.CartLine{}
	}
	b, err := json.Marshal(buyer)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode buyer: %w", err)
	}
	l, err := json.Marshal(lines)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode lines: %w", err)
	}
	s, err := json.Marshal(snapshot)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return string(b), string(l), string(s), nil
}

func unmarshalPriced(buyer, lines, snapshot string, b *domain.Buyer, l *[]domain.CartLine, s *domain.OrderSnapshot) error {
	if err := json.Unmarshal([]byte(buyer), b); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(lines), l); err != nil {
		return err
	}
	return json.Unmarshal([]byte(snapshot), s)
}

func expectInserted(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrDuplicate, kind, id)
	}
	return nil
}
