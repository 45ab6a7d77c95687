// Package apply commits a priced protocol to the ledger.
// It turns a calculator breakdown and the DNA charges into ledger entries.
package apply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/beefsync/costengine/internal/domain"
)

// Calculator prices an animal.
type Calculator interface {
	Calculate(animal domain.AnimalSnapshot) (domain.CostBreakdown, error)
	CalculateDnaCharges(animal domain.AnimalSnapshot) ([]domain.CostEntryDraft, error)
}

// Ledger stores entries.
type Ledger interface {
	Append(ctx context.Context, animalID string, draft domain.CostEntryDraft) (*domain.CostEntry, error)
}

// Processor applies protocols.
type Processor struct {
	calc   Calculator
	ledger Ledger
}

// NewProcessor creates a processor.
func NewProcessor(calc Calculator, ledger Ledger) *Processor {
	return &Processor{calc: calc, ledger: ledger}
}

// Input describes one protocol application.
type Input struct {
	Animal domain.AnimalSnapshot `json:"animal"`

	// Date is the date charged on the entries; zero means now.
	Date  time.Time `json:"date,omitempty"`
	Notes string    `json:"notes,omitempty"`

	// SkipDNA leaves DNA charges out, for animals already tested.
	SkipDNA bool `json:"skipDna,omitempty"`

	TraceID   string    `json:"traceId,omitempty"`
	StartTime time.Time `json:"-"`
}

// Result is the outcome of Process. On a persistence failure Entries
// holds what was stored before the failure.
type Result struct {
	ID         string                  `json:"id"`
	AnimalID   string                  `json:"animalId"`
	Breakdown  domain.CostBreakdown    `json:"breakdown"`
	DnaCharges []domain.CostEntryDraft `json:"dnaCharges"`
	Entries    []*domain.CostEntry     `json:"entries"`
	Total      decimal.Decimal         `json:"total"`
	Metadata   Metadata                `json:"metadata"`
}

// Metadata carries processing details.
type Metadata struct {
	TraceID   string `json:"traceId,omitempty"`
	ProcessMs int64  `json:"processMs"`
	TotalMs   int64  `json:"totalMs"`
}

// Process prices the animal and appends a protocol entry plus one entry
// per DNA charge. Invalid input fails before anything is written. A
// persistence error stops further writes.
func (p *Processor) Process(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()
	begin := input.StartTime
	if begin.IsZero() {
		begin = start
	}

	animal := input.Animal
	if strings.TrimSpace(animal.ID) == "" {
		return nil, fmt.Errorf("%w: animal ID is required", domain.ErrInvalidInput)
	}

	breakdown, err := p.calc.Calculate(animal)
	if err != nil {
		return nil, err
	}
	var dna []domain.CostEntryDraft
	if !input.SkipDNA {
		if dna, err = p.calc.CalculateDnaCharges(animal); err != nil {
			return nil, err
		}
	}

	result := &Result{
		ID:         uuid.New().String(),
		AnimalID:   animal.ID,
		Breakdown:  breakdown,
		DnaCharges: dna,
		Entries:    []*domain.CostEntry{},
		Total:      decimal.Zero,
	}

	drafts := make([]domain.CostEntryDraft, 0, len(dna)+1)
	if len(breakdown.Items) > 0 {
		drafts = append(drafts, domain.CostEntryDraft{
			Category:    domain.CategoryProtocol,
			Subcategory: breakdown.ProtocolName,
			Amount:      breakdown.Total,
			LineItems:   breakdown.Items,
		})
	}
	drafts = append(drafts, dna...)

	for _, d := range drafts {
		d.Date = input.Date
		if d.Notes == "" {
			d.Notes = input.Notes
		}
		entry, err := p.ledger.Append(ctx, animal.ID, d)
		if err != nil {
			p.finish(result, input.TraceID, start, begin)
			return result, err
		}
		result.Entries = append(result.Entries, entry)
		result.Total = result.Total.Add(entry.Amount)
	}

	p.finish(result, input.TraceID, start, begin)
	return result, nil
}

func (p *Processor) finish(r *Result, traceID string, start, begin time.Time) {
	r.Metadata = Metadata{
		TraceID:   traceID,
		ProcessMs: time.Since(start).Milliseconds(),
		TotalMs:   time.Since(begin).Milliseconds(),
	}
}

// Outcome labels the result of Process for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	default:
		return "failed"
	}
}
