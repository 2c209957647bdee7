package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/tariff/internal/bus"
	"github.com/opensource-finance/tariff/internal/checkout"
	"github.com/opensource-finance/tariff/internal/domain"
	"github.com/opensource-finance/tariff/internal/pricing"
	"github.com/opensource-finance/tariff/internal/repository"
)

// pricingFailedMessage is the only thing a caller learns about a failed
// computation. The cause is logged.
const pricingFailedMessage = "unable to price order, try again"

// RuleInvalidator drops a tenant's cached rule pool.
type RuleInvalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *pricing.Engine
	checkout *checkout.Service
	rules    RuleInvalidator
	version  string

	// asyncCheckout is set when a worker consumes queued checkouts.
	asyncCheckout bool
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *pricing.Engine, svc *checkout.Service, rules RuleInvalidator, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		engine:   engine,
		checkout: svc,
		rules:    rules,
		version:  version,
	}
}

// OrderAccepted is the response for an async POST /orders.
type OrderAccepted struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// AmendRequest is the request body for POST /orders/{id}/amendments.
// Omitted buyer, lines or settlement mode are taken from the order.
type AmendRequest struct {
	Reason string `json:"reason"`
	checkout.Request
}

// RuleChangedEvent is published on rule.changed.
type RuleChangedEvent struct {
	RuleID string `json:"ruleId,omitempty"`
	Action string `json:"action"`
}

// Quote handles POST /quote. Nothing is stored.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkout.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	snapshot, err := h.checkout.Quote(ctx, GetTenantID(ctx), req)
	if err != nil {
		writeCheckoutError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// PlaceOrder handles POST /orders. With ?async=true the checkout is queued
// on the event bus and 202 is returned with the order id to poll.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req checkout.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	if r.URL.Query().Get("async") == "true" {
		h.enqueueOrder(w, r, tenantID, req)
		return
	}

	order, err := h.checkout.PlaceOrder(ctx, tenantID, req)
	if err != nil {
		writeCheckoutError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) enqueueOrder(w http.ResponseWriter, r *http.Request, tenantID string, req checkout.Request) {
	if h.bus == nil || !h.asyncCheckout {
		writeError(w, http.StatusServiceUnavailable, "async checkout not available")
		return
	}
	if err := req.Validate(tenantID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OrderID == "" {
		req.OrderID = uuid.New().String()
	}

	if err := bus.PublishJSON(r.Context(), h.bus, tenantID, domain.TopicCheckoutRequested, req); err != nil {
		slog.Error("failed to queue checkout", "tenant_id", tenantID, "order_id", req.OrderID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unable to queue order, try again")
		return
	}

	writeJSON(w, http.StatusAccepted, OrderAccepted{OrderID: req.OrderID, Status: "queued"})
}

// GetOrder handles GET /orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	order, err := h.checkout.GetOrder(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeCheckoutError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// AmendOrder handles POST /orders/{id}/amendments.
func (h *Handler) AmendOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AmendRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	amendment, err := h.checkout.Amend(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), req.Reason, req.Request)
	if err != nil {
		writeCheckoutError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, amendment)
}

// ListAmendments handles GET /orders/{id}/amendments.
func (h *Handler) ListAmendments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	amendments, err := h.checkout.ListAmendments(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeCheckoutError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"amendments": amendments,
		"count":      len(amendments),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			slog.Warn("repository health check failed", "error", err)
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			slog.Warn("cache health check failed", "error", err)
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			slog.Warn("event bus health check failed", "error", err)
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the rule store can be reached. Without it no order
// can be priced.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns every stored rule for the tenant, highest priority first.
// Rows that no longer decode are listed under "malformed" so they can be fixed.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireRepo(w) {
		return
	}

	listing, err := h.repo.ListRules(ctx, GetTenantID(ctx))
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":     listing.Rules,
		"count":     len(listing.Rules),
		"malformed": listing.Malformed,
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")
	if !h.requireRepo(w) {
		return
	}

	rule, err := h.repo.GetRule(ctx, GetTenantID(ctx), ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.Error("failed to get rule", "id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and stores a new rule. Existing ids are rejected;
// use PUT to change a rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	if !h.requireRepo(w) {
		return
	}

	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}

	if _, err := h.repo.GetRule(ctx, tenantID, rule.ID); err == nil {
		writeError(w, http.StatusConflict, "rule already exists")
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		slog.Error("failed to check rule", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	if !h.saveRule(w, r, rule) {
		return
	}

	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule handles PUT /rules/{id}. Locked rules answer 409; publish a
// new rule that supersedes them instead.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}

	if id := chi.URLParam(r, "id"); rule.ID != id {
		writeError(w, http.StatusBadRequest, "rule id does not match path")
		return
	}

	if !h.saveRule(w, r, rule) {
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// LockRule marks a rule as referenced by placed orders.
func (h *Handler) LockRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")
	if !h.requireRepo(w) {
		return
	}

	err := h.repo.LockRule(ctx, tenantID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.Error("failed to lock rule", "id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to lock rule")
		return
	}

	h.ruleChanged(ctx, tenantID, ruleID, "locked")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       ruleID,
		"isLocked": true,
	})
}

// ReloadRules drops the cached rule pool so the next checkout reads the
// store, and tells other instances to do the same.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	if !h.requireRepo(w) {
		return
	}

	h.ruleChanged(ctx, tenantID, "", "reloaded")

	rules, err := h.repo.ListActiveRulePool(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	slog.Info("rules reloaded from database", "tenant_id", tenantID, "count", len(rules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(rules),
	})
}

// decodeRule reads a rule body. The rule's own decoder rejects unknown
// enums and bad amounts; the condition is compiled here.
func (h *Handler) decodeRule(w http.ResponseWriter, r *http.Request) (*domain.PricingRule, bool) {
	var rule domain.PricingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		if domain.IsMalformedRule(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}

	if h.engine != nil {
		if err := h.engine.ValidateRule(&rule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
	}

	return &rule, true
}

func (h *Handler) saveRule(w http.ResponseWriter, r *http.Request, rule *domain.PricingRule) bool {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	err := h.repo.SaveRule(ctx, tenantID, rule)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrRuleLocked):
		writeError(w, http.StatusConflict, "rule is locked; create a new rule that supersedes it")
		return false
	case domain.IsMalformedRule(err), errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	default:
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return false
	}

	slog.Info("rule saved",
		"tenant_id", tenantID,
		"rule_id", rule.ID,
		"rule_type", rule.RuleType,
		"priority", rule.Priority,
	)

	h.ruleChanged(ctx, tenantID, rule.ID, "saved")
	return true
}

// ruleChanged invalidates this instance's cached pool and announces the
// change on the bus for every other instance.
func (h *Handler) ruleChanged(ctx context.Context, tenantID, ruleID, action string) {
	if h.rules != nil {
		if err := h.rules.Invalidate(ctx, tenantID); err != nil {
			slog.Warn("failed to invalidate rule pool", "tenant_id", tenantID, "error", err)
		}
	}
	if h.bus != nil {
		event := RuleChangedEvent{RuleID: ruleID, Action: action}
		if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicRuleChanged, event); err != nil {
			slog.Warn("failed to publish rule change", "tenant_id", tenantID, "error", err)
		}
	}
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return false
	}
	return true
}

// writeCheckoutError maps checkout errors to responses. Pricing internals
// never reach the caller.
func writeCheckoutError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkout.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, checkout.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, checkout.ErrPricingUnavailable):
		writeError(w, http.StatusServiceUnavailable, pricingFailedMessage)
	default:
		slog.Error("checkout request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
