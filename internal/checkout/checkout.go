// Package checkout attaches pricing snapshots to orders.
//
// A checkout prices the cart exactly once, stores the snapshot with the
// order verbatim and never recomputes it. Changing a placed order's price
// creates an Amendment; the original order is left as it was.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/tariff/internal/bus"
	"github.com/opensource-finance/tariff/internal/domain"
	"github.com/opensource-finance/tariff/internal/pricing"
	"github.com/opensource-finance/tariff/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrPricingUnavailable means the order could not be priced and no order
	// was created. It wraps the underlying cause.
	ErrPricingUnavailable = errors.New("pricing unavailable")

	// ErrInvalidRequest is returned for requests that can never be priced.
	ErrInvalidRequest = errors.New("invalid checkout request")

	// ErrOrderNotFound is returned when amending an unknown order.
	ErrOrderNotFound = errors.New("order not found")
)

var tracer = otel.Tracer("tariff-checkout")

// Pricer computes snapshots. *pricing.Engine satisfies it.
type Pricer interface {
	ComputeSnapshot(ctx context.Context, tenantID string, cart domain.Cart, buyer domain.Buyer, asOf time.Time, opts ...pricing.ComputeOption) (*domain.OrderSnapshot, error)
}

// Store is the subset of the repository checkout writes to.
type Store interface {
	SaveOrder(ctx context.Context, tenantID string, order *domain.Order) error
	GetOrder(ctx context.Context, tenantID string, orderID string) (*domain.Order, error)
	SaveAmendment(ctx context.Context, tenantID string, amendment *domain.Amendment) error
	ListAmendments(ctx context.Context, tenantID string, orderID string) ([]*domain.Amendment, error)
}

// Request is the input to Quote, PlaceOrder and Amend.
type Request struct {
	// OrderID is optional. When set, placing the same id twice returns the
	// stored order instead of pricing again.
	OrderID        string                `json:"orderId,omitempty"`
	Buyer          domain.Buyer          `json:"buyer"`
	Lines          []domain.CartLine     `json:"lines"`
	SettlementMode domain.SettlementMode `json:"settlementMode,omitempty"`
}

// Validate reports whether req could be priced for tenantID. It does not
// look at the rule pool.
func (req Request) Validate(tenantID string) error {
	return validate(tenantID, req)
}

// OrderEvent is published on order.priced and order.amended.
type OrderEvent struct {
	OrderID     string               `json:"orderId"`
	AmendmentID string               `json:"amendmentId,omitempty"`
	TenantID    string               `json:"tenantId"`
	BuyerID     string               `json:"buyerId"`
	Snapshot    domain.OrderSnapshot `json:"snapshot"`
}

// FailedEvent is published on checkout.failed.
type FailedEvent struct {
	OrderID string `json:"orderId,omitempty"`
	BuyerID string `json:"buyerId"`
	Error   string `json:"error"`
}

// Service runs checkouts. It is safe for concurrent use.
type Service struct {
	pricer Pricer
	store  Store
	bus    domain.EventBus
	now    func() time.Time
}

// NewService creates a checkout service. bus may be nil, in which case no
// events are published.
func NewService(pricer Pricer, store Store, eventBus domain.EventBus) *Service {
	return &Service{
		pricer: pricer,
		store:  store,
		bus:    eventBus,
		now:    time.Now,
	}
}

// Quote prices a cart without creating an order.
func (s *Service) Quote(ctx context.Context, tenantID string, req Request) (*domain.OrderSnapshot, error) {
	if err := validate(tenantID, req); err != nil {
		return nil, err
	}
	return s.price(ctx, tenantID, req.Buyer, req.Lines, req.SettlementMode)
}

// PlaceOrder prices the cart once, stores the order with its snapshot and
// publishes order.priced. If pricing fails no order exists afterwards.
func (s *Service) PlaceOrder(ctx context.Context, tenantID string, req Request) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "checkout.PlaceOrder",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("buyer.id", req.Buyer.ID),
		),
	)
	defer span.End()

	order, err := s.placeOrder(ctx, tenantID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID))
	return order, nil
}

func (s *Service) placeOrder(ctx context.Context, tenantID string, req Request) (*domain.Order, error) {
	if err := validate(tenantID, req); err != nil {
		return nil, err
	}

	if req.OrderID != "" {
		existing, err := s.store.GetOrder(ctx, tenantID, req.OrderID)
		if err == nil {
			slog.Info("order already placed", "tenant_id", tenantID, "order_id", req.OrderID)
			return existing, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up order %s: %w", req.OrderID, err)
		}
	}

	snapshot, err := s.price(ctx, tenantID, req.Buyer, req.Lines, req.SettlementMode)
	if err != nil {
		s.publishFailure(ctx, tenantID, req, err)
		return nil, err
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.New().String()
	}

	order := &domain.Order{
		ID:        orderID,
		TenantID:  tenantID,
		Buyer:     req.Buyer,
		Lines:     req.Lines,
		Snapshot:  *snapshot,
		CreatedAt: s.now().UTC(),
	}

	if err := s.store.SaveOrder(ctx, tenantID, order); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost a race with a concurrent placement of the same id.
			return s.store.GetOrder(ctx, tenantID, orderID)
		}
		return nil, fmt.Errorf("failed to save order %s: %w", orderID, err)
	}

	slog.Info("order placed",
		"tenant_id", tenantID,
		"order_id", order.ID,
		"buyer_id", order.Buyer.ID,
		"final_total", order.Snapshot.FinalTotal.String(),
		"rules_applied", len(order.Snapshot.AppliedRules),
	)

	s.publish(ctx, tenantID, domain.TopicOrderPriced, OrderEvent{
		OrderID:  order.ID,
		TenantID: tenantID,
		BuyerID:  order.Buyer.ID,
		Snapshot: order.Snapshot,
	})

	return order, nil
}

// Amend re-prices an existing order into a new Amendment. An empty buyer id,
// nil lines or empty settlement mode reuse the order's own values.
func (s *Service) Amend(ctx context.Context, tenantID string, orderID string, reason string, req Request) (*domain.Amendment, error) {
	if tenantID == "" || orderID == "" {
		return nil, fmt.Errorf("%w: tenant and order id are required", ErrInvalidRequest)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}

	order, err := s.store.GetOrder(ctx, tenantID, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}

	if req.Buyer.ID == "" {
		req.Buyer = order.Buyer
	}
	if req.Lines == nil {
		req.Lines = order.Lines
	}
	if req.SettlementMode == "" {
		req.SettlementMode = order.Snapshot.SettlementMode
	}
	if err := validate(tenantID, req); err != nil {
		return nil, err
	}

	snapshot, err := s.price(ctx, tenantID, req.Buyer, req.Lines, req.SettlementMode)
	if err != nil {
		return nil, err
	}

	amendment := &domain.Amendment{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		OrderID:   order.ID,
		Reason:    reason,
		Buyer:     req.Buyer,
		Lines:     req.Lines,
		Snapshot:  *snapshot,
		CreatedAt: s.now().UTC(),
	}

	if err := s.store.SaveAmendment(ctx, tenantID, amendment); err != nil {
		return nil, fmt.Errorf("failed to save amendment for order %s: %w", order.ID, err)
	}

	slog.Info("order amended",
		"tenant_id", tenantID,
		"order_id", order.ID,
		"amendment_id", amendment.ID,
		"previous_total", order.Snapshot.FinalTotal.String(),
		"final_total", amendment.Snapshot.FinalTotal.String(),
	)

	s.publish(ctx, tenantID, domain.TopicOrderAmended, OrderEvent{
		OrderID:     order.ID,
		AmendmentID: amendment.ID,
		TenantID:    tenantID,
		BuyerID:     amendment.Buyer.ID,
		Snapshot:    amendment.Snapshot,
	})

	return amendment, nil
}

// GetOrder returns a stored order.
func (s *Service) GetOrder(ctx context.Context, tenantID string, orderID string) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, tenantID, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, err
}

// ListAmendments returns an order's amendments, oldest first.
func (s *Service) ListAmendments(ctx context.Context, tenantID string, orderID string) ([]*domain.Amendment, error) {
	if _, err := s.GetOrder(ctx, tenantID, orderID); err != nil {
		return nil, err
	}
	return s.store.ListAmendments(ctx, tenantID, orderID)
}

func (s *Service) price(ctx context.Context, tenantID string, buyer domain.Buyer, lines []domain.CartLine, mode domain.SettlementMode) (*domain.OrderSnapshot, error) {
	snapshot, err := s.pricer.ComputeSnapshot(ctx, tenantID, domain.Cart{Lines: lines}, buyer, s.now(), pricing.WithSettlementMode(mode))
	if err == nil {
		return snapshot, nil
	}

	if errors.Is(err, domain.ErrInvalidCart) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	slog.Error("pricing failed",
		"tenant_id", tenantID,
		"buyer_id", buyer.ID,
		"malformed_rule", domain.IsMalformedRule(err),
		"error", err,
	)
	return nil, fmt.Errorf("%w: %w", ErrPricingUnavailable, err)
}

func (s *Service) publish(ctx context.Context, tenantID, topic string, event any) {
	if s.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, s.bus, tenantID, topic, event); err != nil {
		slog.Error("failed to publish event", "tenant_id", tenantID, "topic", topic, "error", err)
	}
}

func (s *Service) publishFailure(ctx context.Context, tenantID string, req Request, err error) {
	s.publish(ctx, tenantID, domain.TopicCheckoutFailed, FailedEvent{
		OrderID: req.OrderID,
		BuyerID: req.Buyer.ID,
		Error:   err.Error(),
	})
}

func validate(tenantID string, req Request) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if req.Buyer.ID == "" {
		return fmt.Errorf("%w: buyer id is required", ErrInvalidRequest)
	}
	if !req.Buyer.Role.Valid() || req.Buyer.Role == "" {
		return fmt.Errorf("%w: unknown buyer role %q", ErrInvalidRequest, req.Buyer.Role)
	}
	if req.SettlementMode != "" && !req.SettlementMode.Valid() {
		return fmt.Errorf("%w: unknown settlement mode %q", ErrInvalidRequest, req.SettlementMode)
	}
	return nil
}
