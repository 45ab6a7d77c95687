package rules

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/beefsync/costengine/internal/domain"
)

// MissHook is told about every included item that has no catalog entry.
type MissHook func(protocol, item string)

// Calculator prices protocols against a catalog. It holds no mutable
// state, so one Calculator serves any number of goroutines.
type Calculator struct {
	catalog    *Catalog
	conditions *ConditionSet
	logger     *slog.Logger
	onMiss     MissHook
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithMissHook registers a hook for catalog misses, typically a metric.
func WithMissHook(h MissHook) CalculatorOption {
	return func(c *Calculator) { c.onMiss = h }
}

// NewCalculator compiles the inclusion conditions and binds them to catalog.
func NewCalculator(catalog *Catalog, logger *slog.Logger, opts ...CalculatorOption) (*Calculator, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	conditions, err := NewConditionSet()
	if err != nil {
		return nil, err
	}
	c := &Calculator{
		catalog:    catalog,
		conditions: conditions,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Catalog returns the catalog the calculator prices against.
func (c *Calculator) Catalog() *Catalog {
	return c.catalog
}

// Calculate resolves the animal's bracket, walks its protocol in order and
// prices every included item. A bracket without a protocol yields an empty
// breakdown with a zero total.
func (c *Calculator) Calculate(animal domain.AnimalSnapshot) (domain.CostBreakdown, error) {
	bracket, err := ResolveBracket(animal.AgeMonths, animal.Sex)
	if err != nil {
		return domain.CostBreakdown{}, err
	}

	breakdown := domain.CostBreakdown{
		AnimalID: animal.ID,
		Sex:      animal.Sex,
		Bracket:  bracket,
		Items:    []domain.LineItem{},
		Total:    decimal.Zero,
	}

	protocol, ok := c.catalog.Protocol(animal.Sex, bracket)
	if !ok {
		c.logger.Debug("no protocol for bracket",
			"animal_id", animal.ID,
			"sex", animal.Sex,
			"bracket", bracket,
		)
		return breakdown, nil
	}
	breakdown.ProtocolName = protocol.Name

	for _, item := range protocol.Items {
		included, err := c.conditions.Evaluate(item.Condition, animal)
		if err != nil {
			return domain.CostBreakdown{}, fmt.Errorf("protocol %q item %q: %w", protocol.Name, item.Item, err)
		}
		if !included {
			continue
		}

		entry, ok := c.catalog.Entry(item.Item)
		if !ok {
			c.miss(protocol.Name, item.Item, animal.ID)
			breakdown.Skipped = append(breakdown.Skipped, item.Item)
			continue
		}

		qty := item.Quantity
		if item.Conditional() {
			qty = decimal.NewFromInt(1)
		}
		unit := item.Unit
		if unit == "" {
			unit = entry.Unit
		}
		line := domain.LineItem{
			ItemName: item.Item,
			Quantity: qty,
			Unit:     unit,
			UnitCost: entry.PerAnimalCost,
			LineCost: entry.PerAnimalCost.Mul(qty),
		}
		breakdown.Items = append(breakdown.Items, line)
		breakdown.Total = breakdown.Total.Add(line.LineCost)
	}

	c.logger.Debug("protocol priced",
		"animal_id", animal.ID,
		"protocol", protocol.Name,
		"items", len(breakdown.Items),
		"skipped", len(breakdown.Skipped),
		"total", breakdown.Total.String(),
	)

	return breakdown, nil
}

// CalculateDnaCharges returns the DNA test drafts the animal incurs. The
// paternity test is due for IVF calves and calves of surrogate dams; the
// genomic test is due up to seven months of age. Either, both or neither
// may apply.
func (c *Calculator) CalculateDnaCharges(animal domain.AnimalSnapshot) ([]domain.CostEntryDraft, error) {
	if _, err := ResolveBracket(animal.AgeMonths, animal.Sex); err != nil {
		return nil, err
	}

	charges := []domain.CostEntryDraft{}
	dnaRules := []struct {
		item string
		cond domain.Condition
	}{
		{ItemDNAPaternity, domain.ConditionIVFOrSurrogate},
		{ItemDNAGenomic, domain.ConditionAgeZeroToSeven},
	}
	for _, r := range dnaRules {
		due, err := c.conditions.Evaluate(r.cond, animal)
		if err != nil {
			return nil, err
		}
		if !due {
			continue
		}
		entry, ok := c.catalog.Entry(r.item)
		if !ok {
			c.miss("dna", r.item, animal.ID)
			continue
		}
		one := decimal.NewFromInt(1)
		charges = append(charges, domain.CostEntryDraft{
			Category:    domain.CategoryDNA,
			Subcategory: r.item,
			Amount:      entry.PerAnimalCost,
			LineItems: []domain.LineItem{{
				ItemName: r.item,
				Quantity: one,
				Unit:     entry.Unit,
				UnitCost: entry.PerAnimalCost,
				LineCost: entry.PerAnimalCost,
			}},
		})
	}
	return charges, nil
}

func (c *Calculator) miss(protocol, item, animalID string) {
	c.logger.Warn("catalog entry missing, item skipped",
		"item", item,
		"protocol", protocol,
		"animal_id", animalID,
	)
	if c.onMiss != nil {
		c.onMiss(protocol, item)
	}
}
