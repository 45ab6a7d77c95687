// Package ledger implements the append-only per-animal cost ledger.
//
// Entries are never modified. A mistaken entry is cancelled by appending
// a reversal that points at it; totals are always recomputed from the
// stored entries.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/beefsync/costengine/internal/domain"
	"github.com/beefsync/costengine/internal/metrics"
)

// Ledger records cost entries through a gateway and aggregates them.
type Ledger struct {
	gateway domain.CostGateway
	bus     domain.EventBus
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithEventBus publishes every stored entry on TopicEntryAppended.
func WithEventBus(bus domain.EventBus) Option {
	return func(l *Ledger) { l.bus = bus }
}

// WithMetrics records appends and gateway failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a ledger over gateway.
func New(gateway domain.CostGateway, opts ...Option) *Ledger {
	l := &Ledger{
		gateway: gateway,
		logger:  slog.Default(),
		tracer:  otel.Tracer("costengine/ledger"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates draft, stamps it and stores it for animalID.
// Reversal entries cannot be appended directly; use Reverse.
func (l *Ledger) Append(ctx context.Context, animalID string, draft domain.CostEntryDraft) (*domain.CostEntry, error) {
	if err := validateDraft(animalID, draft); err != nil {
		return nil, err
	}
	if draft.Category == domain.CategoryReversal || draft.ReversalOf != "" {
		return nil, fmt.Errorf("%w: reversal entries are created through Reverse", domain.ErrInvalidInput)
	}
	return l.append(ctx, animalID, draft)
}

func (l *Ledger) append(ctx context.Context, animalID string, draft domain.CostEntryDraft) (*domain.CostEntry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Append", trace.WithAttributes(
		attribute.String("animal_id", animalID),
		attribute.String("category", string(draft.Category)),
	))
	defer span.End()

	created := l.now().UTC()
	date := draft.Date
	if date.IsZero() {
		date = created
	}

	entry := &domain.CostEntry{
		AnimalID:    animalID,
		Category:    draft.Category,
		Subcategory: draft.Subcategory,
		Amount:      draft.Amount,
		Date:        date.UTC(),
		Notes:       draft.Notes,
		LineItems:   draft.LineItems,
		ReversalOf:  draft.ReversalOf,
		CreatedAt:   created,
	}

	id, err := l.gateway.Write(ctx, entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway write failed")
		return nil, l.persistenceError("write", err)
	}
	entry.ID = id
	span.SetAttributes(attribute.String("entry_id", id))

	l.metrics.EntryAppended(string(entry.Category))
	l.logger.Info("cost entry appended",
		"entry_id", entry.ID,
		"animal_id", animalID,
		"category", entry.Category,
		"amount", entry.Amount.String(),
	)
	l.publish(ctx, entry)

	return entry, nil
}

// publish announces an entry. Delivery is best effort: the entry is
// already stored, so a bus failure is only logged.
func (l *Ledger) publish(ctx context.Context, entry *domain.CostEntry) {
	if l.bus == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("failed to encode entry event", "entry_id", entry.ID, "error", err)
		return
	}
	if err := l.bus.Publish(ctx, domain.TopicEntryAppended, payload); err != nil {
		l.logger.Warn("failed to publish entry event", "entry_id", entry.ID, "error", err)
	}
}

// ListByAnimal returns an animal's entries in creation order.
func (l *Ledger) ListByAnimal(ctx context.Context, animalID string) ([]*domain.CostEntry, error) {
	if strings.TrimSpace(animalID) == "" {
		return nil, fmt.Errorf("%w: animal ID is required", domain.ErrInvalidInput)
	}
	return l.query(ctx, domain.CostFilter{AnimalID: animalID})
}

// TotalForAnimal sums an animal's entries. Reversals subtract.
func (l *Ledger) TotalForAnimal(ctx context.Context, animalID string) (decimal.Decimal, error) {
	entries, err := l.ListByAnimal(ctx, animalID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.SignedAmount())
	}
	return total, nil
}

// TotalsByCategory sums entries per category for one animal, or for the
// whole ledger when animalID is empty. A reversal is charged against the
// category of the entry it cancels.
func (l *Ledger) TotalsByCategory(ctx context.Context, animalID string) (map[domain.CostCategory]decimal.Decimal, error) {
	entries, err := l.query(ctx, domain.CostFilter{AnimalID: animalID})
	if err != nil {
		return nil, err
	}
	return categoryTotals(entries), nil
}

// AggregateAll summarizes the whole ledger. A failed read is returned as
// an error, never as an empty summary.
func (l *Ledger) AggregateAll(ctx context.Context) (*domain.LedgerSummary, error) {
	entries, err := l.query(ctx, domain.CostFilter{})
	if err != nil {
		return nil, err
	}

	summary := &domain.LedgerSummary{
		TotalAcrossAllAnimals: decimal.Zero,
		PerAnimalTotals:       make(map[string]decimal.Decimal),
		AveragePerAnimal:      decimal.Zero,
		TotalsByCategory:      categoryTotals(entries),
	}
	for _, e := range entries {
		amount := e.SignedAmount()
		current, ok := summary.PerAnimalTotals[e.AnimalID]
		if !ok {
			current = decimal.Zero
		}
		summary.PerAnimalTotals[e.AnimalID] = current.Add(amount)
		summary.TotalAcrossAllAnimals = summary.TotalAcrossAllAnimals.Add(amount)
	}
	summary.CountOfAnimalsWithCosts = len(summary.PerAnimalTotals)
	if summary.CountOfAnimalsWithCosts > 0 {
		summary.AveragePerAnimal = summary.TotalAcrossAllAnimals.Div(decimal.NewFromInt(int64(summary.CountOfAnimalsWithCosts)))
	}

	return summary, nil
}

// Reverse cancels entryID by appending a reversal of the same amount.
// Reversals themselves cannot be reversed. An entry is reversed at most
// once only when callers do not race: the check reads the ledger and the
// append is a separate write, with no lock held across the two.
func (l *Ledger) Reverse(ctx context.Context, animalID, entryID, notes string) (*domain.CostEntry, error) {
	entries, err := l.ListByAnimal(ctx, animalID)
	if err != nil {
		return nil, err
	}
	original, err := reversalTarget(entries, animalID, entryID)
	if err != nil {
		return nil, err
	}

	return l.append(ctx, animalID, domain.CostEntryDraft{
		Category:    domain.CategoryReversal,
		Subcategory: original.Subcategory,
		Amount:      original.Amount,
		Notes:       notes,
		ReversalOf:  original.ID,
	})
}

// Accept stores an entry assembled by a remote ledger, as received on the
// gateway wire endpoint. It applies the checks of Append, and a reversal
// must cancel an existing, unreversed entry of the same animal. The entry
// is stamped with this ledger's clock and gets a fresh ID.
func (l *Ledger) Accept(ctx context.Context, entry *domain.CostEntry) (*domain.CostEntry, error) {
	if err := domain.ValidateEntry(entry); err != nil {
		return nil, err
	}
	if entry.Category == domain.CategoryReversal {
		entries, err := l.ListByAnimal(ctx, entry.AnimalID)
		if err != nil {
			return nil, err
		}
		original, err := reversalTarget(entries, entry.AnimalID, entry.ReversalOf)
		if err != nil {
			return nil, err
		}
		if !entry.Amount.Equal(original.Amount) {
			return nil, fmt.Errorf("%w: reversal amount %s does not match entry %s amount %s",
				domain.ErrInvalidInput, entry.Amount, original.ID, original.Amount)
		}
	}

	return l.append(ctx, entry.AnimalID, domain.CostEntryDraft{
		Category:    entry.Category,
		Subcategory: entry.Subcategory,
		Amount:      entry.Amount,
		Date:        entry.Date,
		Notes:       entry.Notes,
		LineItems:   entry.LineItems,
		ReversalOf:  entry.ReversalOf,
	})
}

// reversalTarget finds entryID among an animal's entries and checks it can
// still be reversed.
func reversalTarget(entries []*domain.CostEntry, animalID, entryID string) (*domain.CostEntry, error) {
	var original *domain.CostEntry
	for _, e := range entries {
		if e.ID == entryID {
			original = e
		}
		if e.ReversalOf == entryID {
			return nil, fmt.Errorf("%w: entry %s is already reversed by %s", domain.ErrInvalidInput, entryID, e.ID)
		}
	}
	if original == nil {
		return nil, fmt.Errorf("%w: entry %s for animal %s", domain.ErrNotFound, entryID, animalID)
	}
	if original.Category == domain.CategoryReversal {
		return nil, fmt.Errorf("%w: entry %s is a reversal", domain.ErrInvalidInput, entryID)
	}
	return original, nil
}

// Ping checks the gateway.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.gateway.Ping(ctx); err != nil {
		return l.persistenceError("ping", err)
	}
	return nil
}

func (l *Ledger) query(ctx context.Context, filter domain.CostFilter) ([]*domain.CostEntry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Query", trace.WithAttributes(
		attribute.String("animal_id", filter.AnimalID),
	))
	defer span.End()

	entries, err := l.gateway.Query(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway query failed")
		return nil, l.persistenceError("query", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// persistenceError wraps a gateway failure. Rejections the gateway
// reports as invalid input or not found keep their meaning.
func (l *Ledger) persistenceError(op string, err error) error {
	if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound) {
		l.logger.Warn("gateway rejected request", "op", op, "error", err)
		return err
	}
	l.metrics.PersistenceFailed(op)
	l.logger.Error("gateway failure", "op", op, "error", err)

	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}

func validateDraft(animalID string, draft domain.CostEntryDraft) error {
	if strings.TrimSpace(animalID) == "" {
		return fmt.Errorf("%w: animal ID is required", domain.ErrInvalidInput)
	}
	if !draft.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", domain.ErrInvalidInput, draft.Category)
	}
	if draft.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must be non-negative, got %s", domain.ErrInvalidInput, draft.Amount)
	}
	return nil
}

func categoryTotals(entries []*domain.CostEntry) map[domain.CostCategory]decimal.Decimal {
	categoryOf := make(map[string]domain.CostCategory, len(entries))
	for _, e := range entries {
		categoryOf[e.ID] = e.Category
	}

	totals := make(map[domain.CostCategory]decimal.Decimal)
	for _, e := range entries {
		cat := e.Category
		if e.Category == domain.CategoryReversal {
			if orig, ok := categoryOf[e.ReversalOf]; ok {
				cat = orig
			}
		}
		current, ok := totals[cat]
		if !ok {
			current = decimal.Zero
		}
		totals[cat] = current.Add(e.SignedAmount())
	}
	return totals
}
