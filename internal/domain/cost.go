package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CostCategory classifies a ledger entry.
type CostCategory string

const (
	CategoryProtocol    CostCategory = "protocol"
	CategoryDNA         CostCategory = "dna"
	CategoryManual      CostCategory = "manual"
	CategoryFeed        CostCategory = "feed"
	CategoryVeterinary  CostCategory = "veterinary"
	CategoryAcquisition CostCategory = "acquisition"

	// CategoryReversal cancels an earlier entry; its amount subtracts.
	CategoryReversal CostCategory = "reversal"
)

// Valid reports whether c is a known category.
func (c CostCategory) Valid() bool {
	switch c {
	case CategoryProtocol, CategoryDNA, CategoryManual, CategoryFeed,
		CategoryVeterinary, CategoryAcquisition, CategoryReversal:
		return true
	}
	return false
}

// CostEntryDraft is what a caller hands to the ledger.
type CostEntryDraft struct {
	Category    CostCategory    `json:"category"`
	Subcategory string          `json:"subcategory"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	Notes       string          `json:"notes,omitempty"`
	LineItems   []LineItem      `json:"lineItems,omitempty"`
	ReversalOf  string          `json:"reversalOf,omitempty"`
}

// CostEntry is a stored ledger record. It is never mutated after creation.
type CostEntry struct {
	ID          string          `json:"id"`
	AnimalID    string          `json:"animalId"`
	Category    CostCategory    `json:"category"`
	Subcategory string          `json:"subcategory"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	Notes       string          `json:"notes,omitempty"`
	LineItems   []LineItem      `json:"lineItems,omitempty"`
	ReversalOf  string          `json:"reversalOf,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// SignedAmount is the entry's contribution to totals.
func (e *CostEntry) SignedAmount() decimal.Decimal {
	if e.Category == CategoryReversal {
		return e.Amount.Neg()
	}
	return e.Amount
}

// ValidateEntry checks the invariants every stored entry must hold:
// an animal, a known category and a non-negative amount. A reversal must
// name the entry it cancels and only a reversal may do so.
func ValidateEntry(e *CostEntry) error {
	if e == nil {
		return fmt.Errorf("%w: entry is required", ErrInvalidInput)
	}
	if strings.TrimSpace(e.AnimalID) == "" {
		return fmt.Errorf("%w: animal ID is required", ErrInvalidInput)
	}
	if !e.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, e.Category)
	}
	if e.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must be non-negative, got %s", ErrInvalidInput, e.Amount)
	}
	switch {
	case e.Category == CategoryReversal && e.ReversalOf == "":
		return fmt.Errorf("%w: reversal must reference the entry it cancels", ErrInvalidInput)
	case e.Category != CategoryReversal && e.ReversalOf != "":
		return fmt.Errorf("%w: only reversal entries may reference another entry", ErrInvalidInput)
	}
	return nil
}

// CostFilter narrows a gateway query. An empty AnimalID matches all.
type CostFilter struct {
	AnimalID string
}

// LedgerSummary aggregates the whole ledger.
type LedgerSummary struct {
	TotalAcrossAllAnimals   decimal.Decimal                  `json:"totalAcrossAllAnimals"`
	PerAnimalTotals         map[string]decimal.Decimal       `json:"perAnimalTotals"`
	CountOfAnimalsWithCosts int                              `json:"countOfAnimalsWithCosts"`
	AveragePerAnimal        decimal.Decimal                  `json:"averagePerAnimal"`
	TotalsByCategory        map[CostCategory]decimal.Decimal `json:"totalsByCategory"`
}
