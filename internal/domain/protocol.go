package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Condition is the closed set of inclusion conditions a protocol item
// can carry. The zero value means the item is unconditional.
type Condition string

const (
	ConditionNone           Condition = ""
	ConditionIVFOnly        Condition = "IVF_ONLY"
	ConditionIVFOrSurrogate Condition = "IVF_OR_SURROGATE"
	ConditionAgeZeroToSeven Condition = "AGE_0_TO_7_ALL"
)

// Conditions lists every non-empty condition.
func Conditions() []Condition {
	return []Condition{ConditionIVFOnly, ConditionIVFOrSurrogate, ConditionAgeZeroToSeven}
}

// ParseCondition maps a condition name to its Condition.
// An empty string is the unconditional marker.
func ParseCondition(s string) (Condition, error) {
	switch c := Condition(s); c {
	case ConditionNone, ConditionIVFOnly, ConditionIVFOrSurrogate, ConditionAgeZeroToSeven:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown condition %q", ErrInvalidInput, s)
}

// ProtocolItem references a catalog entry by name.
// Unconditional items carry a fixed Quantity; conditional items carry a
// Condition and an implicit quantity of one.
type ProtocolItem struct {
	Item      string          `json:"item"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit,omitempty"`
	Condition Condition       `json:"condition,omitempty"`
}

// Conditional reports whether inclusion depends on the animal's flags.
func (i ProtocolItem) Conditional() bool {
	return i.Condition != ConditionNone
}

// ProtocolDefinition is the ordered item list for one (sex, bracket).
type ProtocolDefinition struct {
	Sex     Sex            `json:"sex"`
	Bracket AgeBracket     `json:"bracket"`
	Name    string         `json:"name"`
	Items   []ProtocolItem `json:"items"`
}

// CatalogEntry is the priced definition of a medication or procedure.
// PerAnimalCost is what one application costs an animal, which differs
// from UnitPrice when one purchased unit serves several doses.
type CatalogEntry struct {
	Name          string          `json:"name"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Unit          string          `json:"unit"`
	PerAnimalCost decimal.Decimal `json:"perAnimalCost"`
}

// LineItem is one priced row of a breakdown.
type LineItem struct {
	ItemName string          `json:"itemName"`
	Quantity decimal.Decimal `json:"quantity"`
	Unit     string          `json:"unit"`
	UnitCost decimal.Decimal `json:"unitCost"`
	LineCost decimal.Decimal `json:"lineCost"`
}

// CostBreakdown is the calculator output for one animal.
// Total is the exact sum of every LineCost. Skipped names the items that
// were included by the protocol but had no catalog entry.
type CostBreakdown struct {
	AnimalID     string          `json:"animalId,omitempty"`
	Sex          Sex             `json:"sex"`
	Bracket      AgeBracket      `json:"bracket"`
	ProtocolName string          `json:"protocolName,omitempty"`
	Items        []LineItem      `json:"items"`
	Total        decimal.Decimal `json:"total"`
	Skipped      []string        `json:"skipped,omitempty"`
}
