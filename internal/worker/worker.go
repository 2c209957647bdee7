// Package worker provides async checkout processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/tariff/internal/checkout"
	"github.com/opensource-finance/tariff/internal/domain"
)

// Checkout is the part of checkout.Service the worker drives.
type Checkout interface {
	PlaceOrder(ctx context.Context, tenantID string, req checkout.Request) (*domain.Order, error)
}

// Invalidator drops a tenant's cached rule pool. *pricing.CachedRulePool satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// Worker consumes checkout requests and rule changes from the EventBus.
type Worker struct {
	bus      domain.EventBus
	checkout Checkout
	rules    Invalidator

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = every tenant)
	TenantIDs []string
}

// CheckoutMessage is the payload of a checkout.requested event.
type CheckoutMessage struct {
	TenantID string `json:"tenantId,omitempty"`
	checkout.Request
}

// Result is the reply sent to a checkout requester.
type Result struct {
	Order *domain.Order `json:"order,omitempty"`
	Error string        `json:"error,omitempty"`
}

// NewWorker creates a new async worker. rules may be nil when no cache
// sits in front of the rule pool.
func NewWorker(bus domain.EventBus, svc Checkout, rules Invalidator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		checkout: svc,
		rules:    rules,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to checkout.requested and rule.changed for every tenant.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		if err := w.subscribeTenant(domain.AllTenants); err != nil {
			return err
		}
		slog.Info("global worker started")
		return nil
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribeTenant(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

func (w *Worker) subscribeTenant(tenantID string) error {
	checkoutSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicCheckoutRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processCheckout(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	ruleSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicRuleChanged, func(ctx context.Context, msg *domain.Message) error {
		return w.invalidateRules(ctx, tenantID, msg)
	})
	if err != nil {
		checkoutSub.Unsubscribe()
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, checkoutSub, ruleSub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topics", []string{domain.TopicCheckoutRequested, domain.TopicRuleChanged},
	)

	return nil
}

// processCheckout places the order described by msg and answers the
// requester when one is waiting.
func (w *Worker) processCheckout(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var in CheckoutMessage
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		slog.Error("failed to parse checkout message",
			"message_id", msg.ID,
			"error", err,
		)
		w.reply(ctx, msg, Result{Error: "malformed checkout request"})
		return err
	}

	// The envelope tenant is authoritative; the payload may only fill it in.
	switch {
	case msg.TenantID != "":
		tenantID = msg.TenantID
	case in.TenantID != "":
		tenantID = in.TenantID
	}
	if tenantID == domain.AllTenants {
		w.reply(ctx, msg, Result{Error: "tenant is required"})
		return errors.New("checkout message carries no tenant")
	}

	order, err := w.checkout.PlaceOrder(ctx, tenantID, in.Request)
	if err != nil {
		slog.Error("async checkout failed",
			"message_id", msg.ID,
			"tenant_id", tenantID,
			"order_id", in.OrderID,
			"error", err,
		)
		w.reply(ctx, msg, Result{Error: publicError(err)})
		return err
	}

	w.reply(ctx, msg, Result{Order: order})

	slog.Info("async checkout processed",
		"order_id", order.ID,
		"tenant_id", tenantID,
		"final_total", order.Snapshot.FinalTotal.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) invalidateRules(ctx context.Context, tenantID string, msg *domain.Message) error {
	if w.rules == nil {
		return nil
	}
	if msg.TenantID != "" {
		tenantID = msg.TenantID
	}
	if tenantID == domain.AllTenants {
		return errors.New("rule change carries no tenant")
	}
	if err := w.rules.Invalidate(ctx, tenantID); err != nil {
		slog.Warn("failed to invalidate rule pool", "tenant_id", tenantID, "error", err)
		return err
	}
	slog.Debug("rule pool invalidated", "tenant_id", tenantID)
	return nil
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, result Result) {
	if msg.ReplyTo == "" {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		slog.Error("failed to encode checkout reply", "message_id", msg.ID, "error", err)
		return
	}
	if err := w.bus.Reply(ctx, msg, payload); err != nil {
		slog.Error("failed to send checkout reply", "message_id", msg.ID, "error", err)
	}
}

// publicError hides pricing internals from requesters.
func publicError(err error) string {
	switch {
	case errors.Is(err, checkout.ErrPricingUnavailable):
		return "unable to price order, try again"
	case errors.Is(err, checkout.ErrInvalidRequest):
		return err.Error()
	}
	return "checkout failed"
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
