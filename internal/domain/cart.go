package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CartLine is one line of a wholesale cart. Goods are sold in lots
// of PiecesPerLot pieces.
type CartLine struct {
	ProductID    string          `json:"productId"`
	VariantID    string          `json:"variantId,omitempty"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	PiecesPerLot int             `json:"piecesPerLot"`
	Lots         int             `json:"lots"`
}

// Subtotal returns unit price x pieces per lot x lots.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.
		Mul(decimal.NewFromInt(int64(l.PiecesPerLot))).
		Mul(decimal.NewFromInt(int64(l.Lots)))
}

// Validate rejects lines that would price negatively.
func (l CartLine) Validate() error {
	if l.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: product %s has negative unit price", ErrInvalidCart, l.ProductID)
	}
	if l.PiecesPerLot < 0 || l.Lots < 0 {
		return fmt.Errorf("%w: product %s has negative quantity", ErrInvalidCart, l.ProductID)
	}
	return nil
}

// Cart is the read-only input to the pricing engine.
type Cart struct {
	Lines []CartLine `json:"lines"`
}

// BaseTotal sums every line's subtotal.
func (c Cart) BaseTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// Validate checks every line.
func (c Cart) Validate() error {
	for _, l := range c.Lines {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TotalLots returns the number of lots across all lines.
func (c Cart) TotalLots() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Lots
	}
	return n
}

// TotalPieces returns the number of pieces across all lines.
func (c Cart) TotalPieces() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Lots * l.PiecesPerLot
	}
	return n
}

// Buyer is the purchasing party with its pipeline links.
type Buyer struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Pipeline Pipeline `json:"pipeline"`
}

// Pipeline holds the intermediaries associated with a buyer.
type Pipeline struct {
	AgentID       string `json:"agentId,omitempty"`
	GaddiID       string `json:"gaddiId,omitempty"`
	DistributorID string `json:"distributorId,omitempty"`
}

// Has reports whether the pipeline has a non-empty link for role.
// Non-pipeline roles always return false.
func (p Pipeline) Has(role Role) bool {
	switch role {
	case RoleAgent:
		return p.AgentID != ""
	case RoleGaddi:
		return p.GaddiID != ""
	case RoleDistributor:
		return p.DistributorID != ""
	}
	return false
}
