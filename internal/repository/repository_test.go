package repository

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/tariff/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "tariff-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testRule(id string) *domain.PricingRule {
	return &domain.PricingRule{
		ID:              id,
		Name:            "Festive discount",
		RuleType:        domain.RuleTypeDiscount,
		CalculationType: domain.CalcPercentage,
		Value:           decimal.RequireFromString("5.25"),
		TargetRole:      domain.RoleGaddi,
		Priority:        10,
		MinOrderValue:   decimal.RequireFromString("2500"),
		EffectiveFrom:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Condition:       "lots >= 2",
	}
}

func testSnapshot() domain.OrderSnapshot {
	return domain.OrderSnapshot{
		BaseTotal:  decimal.RequireFromString("10000"),
		FinalTotal: decimal.RequireFromString("9700"),
		AppliedRules: []domain.AppliedRule{
			{RuleID: "d", RuleName: "5% off", Amount: decimal.RequireFromString("-500"), Type: domain.RuleTypeDiscount},
			{RuleID: "s", RuleName: "Shipping", Amount: decimal.RequireFromString("200"), Type: domain.RuleTypeShipping},
		},
		SettlementMode: domain.SettlementAutoLedger,
		Pipeline:       domain.Pipeline{GaddiID: "gaddi-9"},
		PricingVersion: domain.PricingVersion,
		PricedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetRule", func(t *testing.T) {
		rule := testRule("festive")
		end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		rule.EffectiveTo = &end

		if err := repo.SaveRule(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		got, err := repo.GetRule(ctx, tenantID, "festive")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if got.TenantID != tenantID {
			t.Errorf("expected tenant %s, got %s", tenantID, got.TenantID)
		}
		if !got.Value.Equal(rule.Value) || !got.MinOrderValue.Equal(rule.MinOrderValue) {
			t.Errorf("money mismatch: value %s min %s", got.Value, got.MinOrderValue)
		}
		if got.RuleType != domain.RuleTypeDiscount || got.TargetRole != domain.RoleGaddi {
			t.Errorf("enum mismatch: %s %s", got.RuleType, got.TargetRole)
		}
		if !got.EffectiveFrom.Equal(rule.EffectiveFrom) {
			t.Errorf("expected effectiveFrom %s, got %s", rule.EffectiveFrom, got.EffectiveFrom)
		}
		if got.EffectiveTo == nil || !got.EffectiveTo.Equal(end) {
			t.Errorf("expected effectiveTo %s, got %v", end, got.EffectiveTo)
		}
		if got.Condition != rule.Condition || got.IsLocked {
			t.Errorf("unexpected rule: %+v", got)
		}
	})

	t.Run("UpdateUnlockedRule", func(t *testing.T) {
		rule := testRule("editable")
		_ = repo.SaveRule(ctx, tenantID, rule)

		rule.Value = decimal.NewFromInt(7)
		if err := repo.SaveRule(ctx, tenantID, rule); err != nil {
			t.Fatalf("update failed: %v", err)
		}

		got, _ := repo.GetRule(ctx, tenantID, "editable")
		if !got.Value.Equal(decimal.NewFromInt(7)) {
			t.Errorf("expected value 7, got %s", got.Value)
		}
	})

	t.Run("LockedRuleRejectsUpdate", func(t *testing.T) {
		rule := testRule("locked")
		_ = repo.SaveRule(ctx, tenantID, rule)

		if err := repo.LockRule(ctx, tenantID, "locked"); err != nil {
			t.Fatalf("LockRule failed: %v", err)
		}

		rule.Value = decimal.NewFromInt(50)
		err := repo.SaveRule(ctx, tenantID, rule)
		if !errors.Is(err, domain.ErrRuleLocked) {
			t.Fatalf("expected ErrRuleLocked, got %v", err)
		}

		got, _ := repo.GetRule(ctx, tenantID, "locked")
		if !got.IsLocked {
			t.Error("expected rule to be locked")
		}
		if !got.Value.Equal(decimal.RequireFromString("5.25")) {
			t.Errorf("locked rule changed: %s", got.Value)
		}
	})

	t.Run("LockMissingRule", func(t *testing.T) {
		if err := repo.LockRule(ctx, tenantID, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RejectsMalformedRule", func(t *testing.T) {
		rule := testRule("bad")
		rule.Value = decimal.NewFromInt(-3)
		if err := repo.SaveRule(ctx, tenantID, rule); !domain.IsMalformedRule(err) {
			t.Errorf("expected MalformedRuleError, got %v", err)
		}
	})

	t.Run("ListActiveRulePool", func(t *testing.T) {
		pool, err := repo.ListActiveRulePool(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListActiveRulePool failed: %v", err)
		}
		if len(pool) != 3 {
			t.Errorf("expected 3 rules, got %d", len(pool))
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		if _, err := repo.GetRule(ctx, "tenant-002", "festive"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		pool, err := repo.ListActiveRulePool(ctx, "tenant-002")
		if err != nil {
			t.Fatalf("ListActiveRulePool failed: %v", err)
		}
		if len(pool) != 0 {
			t.Errorf("expected empty pool, got %d rules", len(pool))
		}

		if err := repo.SaveRule(ctx, "tenant-002", testRule("locked")); err != nil {
			t.Errorf("same id in another tenant should save: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if _, err := repo.ListActiveRulePool(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if err := repo.SaveOrder(ctx, "", &domain.Order{ID: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestMalformedRowFailsPool(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SaveRule(ctx, "tenant-001", testRule("good")); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	tests := []struct {
		name  string
		query string
		field string
	}{
		{"UnknownRuleType", `UPDATE pricing_rules SET rule_type = 'REBATE'`, "ruleType"},
		{"UnknownCalculationType", `UPDATE pricing_rules SET rule_type = 'DISCOUNT', calculation_type = 'TIERED'`, "calculationType"},
		{"NonNumericValue", `UPDATE pricing_rules SET calculation_type = 'PERCENTAGE', value = 'ten'`, "value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := repo.db.ExecContext(ctx, tt.query); err != nil {
				t.Fatalf("corrupting row failed: %v", err)
			}

			_, err := repo.ListActiveRulePool(ctx, "tenant-001")
			var malformed *domain.MalformedRuleError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedRuleError, got %v", err)
			}
			if malformed.Field != tt.field || malformed.RuleID != "good" {
				t.Errorf("expected %s on rule good, got %+v", tt.field, malformed)
			}
		})
	}
}

func TestListRulesReportsMalformedRows(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"good", "broken"} {
		if err := repo.SaveRule(ctx, "tenant-001", testRule(id)); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
	}
	if _, err := repo.db.ExecContext(ctx, `UPDATE pricing_rules SET rule_type = 'REBATE' WHERE id = 'broken'`); err != nil {
		t.Fatalf("corrupting row failed: %v", err)
	}

	listing, err := repo.ListRules(ctx, "tenant-001")
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(listing.Rules) != 1 || listing.Rules[0].ID != "good" {
		t.Errorf("expected only the good rule, got %+v", listing.Rules)
	}
	if len(listing.Malformed) != 1 {
		t.Fatalf("expected 1 malformed row, got %d", len(listing.Malformed))
	}
	bad := listing.Malformed[0]
	if bad.Rule.ID != "broken" || bad.Field != "ruleType" || bad.Rule.RuleType != "REBATE" {
		t.Errorf("unexpected malformed entry: %+v", bad)
	}
	if !bad.Rule.Value.Equal(decimal.RequireFromString("5.25")) {
		t.Errorf("expected readable columns to survive, got value %s", bad.Rule.Value)
	}

	if _, err := repo.ListActiveRulePool(ctx, "tenant-001"); !domain.IsMalformedRule(err) {
		t.Errorf("expected the pricing read to keep failing, got %v", err)
	}
}

func TestOrders(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	order := &domain.Order{
		ID:    "order-001",
		Buyer: domain.Buyer{ID: "retailer-1", Role: domain.RoleRetailer, Pipeline: domain.Pipeline{GaddiID: "gaddi-9"}},
		Lines: []domain.CartLine{
			{ProductID: "saree", VariantID: "red", UnitPrice: decimal.NewFromInt(100), PiecesPerLot: 50, Lots: 2},
		},
		Snapshot: testSnapshot(),
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		if err := repo.SaveOrder(ctx, tenantID, order); err != nil {
			t.Fatalf("SaveOrder failed: %v", err)
		}

		got, err := repo.GetOrder(ctx, tenantID, order.ID)
		if err != nil {
			t.Fatalf("GetOrder failed: %v", err)
		}

		want, _ := json.Marshal(order.Snapshot)
		have, _ := json.Marshal(got.Snapshot)
		if string(want) != string(have) {
			t.Errorf("snapshot changed in storage:\nwant %s\nhave %s", want, have)
		}
		if got.Buyer.Pipeline.GaddiID != "gaddi-9" || len(got.Lines) != 1 {
			t.Errorf("unexpected order: %+v", got)
		}
		if got.CreatedAt.IsZero() {
			t.Error("expected created_at to be set")
		}
	})

	t.Run("InsertOnly", func(t *testing.T) {
		changed := *order
		changed.Snapshot = testSnapshot()
		changed.Snapshot.FinalTotal = decimal.NewFromInt(1)

		if err := repo.SaveOrder(ctx, tenantID, &changed); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}

		got, _ := repo.GetOrder(ctx, tenantID, order.ID)
		if !got.Snapshot.FinalTotal.Equal(decimal.NewFromInt(9700)) {
			t.Errorf("stored snapshot was overwritten: %s", got.Snapshot.FinalTotal)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetOrder(ctx, "tenant-002", order.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Amendments", func(t *testing.T) {
		first := &domain.Amendment{
			ID:        "amend-1",
			OrderID:   order.ID,
			Reason:    "buyer added lots",
			Buyer:     order.Buyer,
			Lines:     order.Lines,
			Snapshot:  testSnapshot(),
			CreatedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		}
		second := &domain.Amendment{
			ID:        "amend-2",
			OrderID:   order.ID,
			Reason:    "price correction",
			Buyer:     order.Buyer,
			Snapshot:  testSnapshot(),
			CreatedAt: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		}

		if err := repo.SaveAmendment(ctx, tenantID, second); err != nil {
			t.Fatalf("SaveAmendment failed: %v", err)
		}
		if err := repo.SaveAmendment(ctx, tenantID, first); err != nil {
			t.Fatalf("SaveAmendment failed: %v", err)
		}
		if err := repo.SaveAmendment(ctx, tenantID, first); !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}

		list, err := repo.ListAmendments(ctx, tenantID, order.ID)
		if err != nil {
			t.Fatalf("ListAmendments failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != "amend-1" || list[1].ID != "amend-2" {
			t.Fatalf("unexpected amendments: %+v", list)
		}
		if list[1].Lines == nil {
			t.Error("expected empty lines slice, not nil")
		}

		original, _ := repo.GetOrder(ctx, tenantID, order.ID)
		if !original.Snapshot.FinalTotal.Equal(decimal.NewFromInt(9700)) {
			t.Error("amendment modified the original order")
		}
	})
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{"sqlite", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"pgx", "SELECT * FROM t WHERE a = $1 AND b = $2"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			r := &SQLRepository{driver: tt.driver}
			if got := r.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
