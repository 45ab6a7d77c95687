package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/beefsync/costengine/internal/domain"
)

// memGateway is an in-memory gateway with failure injection.
type memGateway struct {
	mu        sync.Mutex
	entries   []*domain.CostEntry
	seq       int
	failWrite error
	failQuery error
}

func (g *memGateway) Write(_ context.Context, e *domain.CostEntry) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWrite != nil {
		return "", g.failWrite
	}
	g.seq++
	stored := *e
	stored.ID = fmt.Sprintf("e-%d", g.seq)
	g.entries = append(g.entries, &stored)
	return stored.ID, nil
}

func (g *memGateway) Query(_ context.Context, f domain.CostFilter) ([]*domain.CostEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failQuery != nil {
		return nil, g.failQuery
	}
	var out []*domain.CostEntry
	for _, e := range g.entries {
		if f.AnimalID == "" || e.AnimalID == f.AnimalID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (g *memGateway) Ping(context.Context) error { return g.failQuery }
func (g *memGateway) Close() error               { return nil }

type recordingBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
	fail     error
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	if b.messages == nil {
		b.messages = make(map[string][][]byte)
	}
	b.messages[topic] = append(b.messages[topic], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}
func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// steppingClock returns a strictly increasing time per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestLedger(gw *memGateway, opts ...Option) *Ledger {
	opts = append([]Option{WithLogger(quietLogger()), WithClock(steppingClock())}, opts...)
	return New(gw, opts...)
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func manual(a string) domain.CostEntryDraft {
	return domain.CostEntryDraft{Category: domain.CategoryManual, Subcategory: "misc", Amount: amount(a)}
}

func TestAppendThenRead(t *testing.T) {
	ctx := context.Background()
	gw := &memGateway{}
	l := newTestLedger(gw)

	before, err := l.TotalForAnimal(ctx, "BR-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, err := l.Append(ctx, "BR-001", manual("42.35"))
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if entry.ID == "" {
		t.Error("expected stored entry to carry an ID")
	}
	if entry.CreatedAt.IsZero() || entry.Date.IsZero() {
		t.Error("expected timestamps to be stamped")
	}

	list, err := l.ListByAnimal(ctx, "BR-001")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	found := false
	for _, e := range list {
		if e.ID == entry.ID {
			found = true
		}
	}
	if !found {
		t.Error("expected appended entry in ListByAnimal")
	}

	after, err := l.TotalForAnimal(ctx, "BR-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !after.Sub(before).Equal(amount("42.35")) {
		t.Errorf("expected total to grow by 42.35, grew by %s", after.Sub(before))
	}
}

func TestAppendKeepsExplicitDate(t *testing.T) {
	l := newTestLedger(&memGateway{})
	date := time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC)

	draft := manual("10")
	draft.Date = date
	entry, err := l.Append(context.Background(), "a", draft)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !entry.Date.Equal(date) {
		t.Errorf("expected date %s, got %s", date, entry.Date)
	}
}

func TestListByAnimalCreationOrder(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(&memGateway{})

	var ids []string
	for i := 1; i <= 5; i++ {
		e, err := l.Append(ctx, "a", manual(fmt.Sprintf("%d", i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, e.ID)
		if _, err := l.Append(ctx, "other", manual("1")); err != nil {
			t.Fatalf("append other: %v", err)
		}
	}

	list, err := l.ListByAnimal(ctx, "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != len(ids) {
		t.Fatalf("expected %d entries, got %d", len(ids), len(list))
	}
	for i, e := range list {
		if e.ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], e.ID)
		}
	}
}

func TestAppendValidation(t *testing.T) {
	l := newTestLedger(&memGateway{})
	ctx := context.Background()

	tests := []struct {
		name     string
		animalID string
		draft    domain.CostEntryDraft
	}{
		{"missing animal", " ", manual("1")},
		{"unknown category", "a", domain.CostEntryDraft{Category: "travel", Amount: amount("1")}},
		{"negative amount", "a", manual("-0.01")},
		{"direct reversal", "a", domain.CostEntryDraft{Category: domain.CategoryReversal, Amount: amount("1")}},
		{"reversal pointer", "a", domain.CostEntryDraft{Category: domain.CategoryManual, Amount: amount("1"), ReversalOf: "e-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, tt.animalID, tt.draft)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestAppendPersistenceError(t *testing.T) {
	cause := errors.New("connection refused")
	gw := &memGateway{failWrite: cause}
	l := newTestLedger(gw)

	_, err := l.Append(context.Background(), "a", manual("5"))
	if !domain.IsPersistence(err) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be preserved")
	}

	gw.failWrite = nil
	list, err := l.ListByAnimal(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected nothing stored after a failed write, got %d", len(list))
	}
}

func TestReadsPropagatePersistenceError(t *testing.T) {
	gw := &memGateway{failQuery: errors.New("timeout")}
	l := newTestLedger(gw)
	ctx := context.Background()

	if _, err := l.ListByAnimal(ctx, "a"); !domain.IsPersistence(err) {
		t.Errorf("ListByAnimal: expected PersistenceError, got %v", err)
	}
	if _, err := l.TotalForAnimal(ctx, "a"); !domain.IsPersistence(err) {
		t.Errorf("TotalForAnimal: expected PersistenceError, got %v", err)
	}
	summary, err := l.AggregateAll(ctx)
	if !domain.IsPersistence(err) {
		t.Errorf("AggregateAll: expected PersistenceError, got %v", err)
	}
	if summary != nil {
		t.Error("AggregateAll: expected no summary on failure")
	}
	if _, err := l.TotalsByCategory(ctx, ""); !domain.IsPersistence(err) {
		t.Errorf("TotalsByCategory: expected PersistenceError, got %v", err)
	}
	if err := l.Ping(ctx); !domain.IsPersistence(err) {
		t.Errorf("Ping: expected PersistenceError, got %v", err)
	}
}

func TestAggregateAll(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(&memGateway{})

	t.Run("empty ledger", func(t *testing.T) {
		s, err := l.AggregateAll(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !s.TotalAcrossAllAnimals.IsZero() || s.CountOfAnimalsWithCosts != 0 || !s.AveragePerAnimal.IsZero() {
			t.Errorf("expected zero summary, got %+v", s)
		}
	})

	drafts := []struct {
		animal string
		draft  domain.CostEntryDraft
	}{
		{"a", domain.CostEntryDraft{Category: domain.CategoryProtocol, Amount: amount("100.50")}},
		{"a", domain.CostEntryDraft{Category: domain.CategoryDNA, Amount: amount("95.00")}},
		{"b", domain.CostEntryDraft{Category: domain.CategoryProtocol, Amount: amount("60.25")}},
		{"c", domain.CostEntryDraft{Category: domain.CategoryFeed, Amount: amount("44.25")}},
	}
	for _, d := range drafts {
		if _, err := l.Append(ctx, d.animal, d.draft); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	s, err := l.AggregateAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.TotalAcrossAllAnimals.Equal(amount("300.00")) {
		t.Errorf("expected total 300.00, got %s", s.TotalAcrossAllAnimals)
	}
	if s.CountOfAnimalsWithCosts != 3 {
		t.Errorf("expected 3 animals, got %d", s.CountOfAnimalsWithCosts)
	}
	if !s.AveragePerAnimal.Equal(amount("100")) {
		t.Errorf("expected average 100, got %s", s.AveragePerAnimal)
	}
	if !s.PerAnimalTotals["a"].Equal(amount("195.50")) {
		t.Errorf("expected a total 195.50, got %s", s.PerAnimalTotals["a"])
	}
	if !s.TotalsByCategory[domain.CategoryProtocol].Equal(amount("160.75")) {
		t.Errorf("expected protocol total 160.75, got %s", s.TotalsByCategory[domain.CategoryProtocol])
	}
}

func TestReverse(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(&memGateway{})

	original, err := l.Append(ctx, "a", domain.CostEntryDraft{Category: domain.CategoryDNA, Subcategory: "DNA Genômico", Amount: amount("95.00")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, "a", manual("5.00")); err != nil {
		t.Fatalf("append: %v", err)
	}

	rev, err := l.Reverse(ctx, "a", original.ID, "charged twice")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if rev.Category != domain.CategoryReversal || rev.ReversalOf != original.ID || !rev.Amount.Equal(original.Amount) {
		t.Errorf("unexpected reversal entry: %+v", rev)
	}

	total, err := l.TotalForAnimal(ctx, "a")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.Equal(amount("5.00")) {
		t.Errorf("expected total 5.00 after reversal, got %s", total)
	}

	byCat, err := l.TotalsByCategory(ctx, "a")
	if err != nil {
		t.Fatalf("totals by category: %v", err)
	}
	if !byCat[domain.CategoryDNA].IsZero() {
		t.Errorf("expected dna total 0 after reversal, got %s", byCat[domain.CategoryDNA])
	}
	if _, ok := byCat[domain.CategoryReversal]; ok {
		t.Error("expected reversal to be charged against the original category")
	}

	t.Run("twice", func(t *testing.T) {
		if _, err := l.Reverse(ctx, "a", original.ID, ""); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
	t.Run("a reversal", func(t *testing.T) {
		if _, err := l.Reverse(ctx, "a", rev.ID, ""); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
	t.Run("unknown entry", func(t *testing.T) {
		if _, err := l.Reverse(ctx, "a", "nope", ""); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
	t.Run("other animal's entry", func(t *testing.T) {
		if _, err := l.Reverse(ctx, "b", original.ID, ""); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestAppendPublishesEvent(t *testing.T) {
	bus := &recordingBus{}
	l := newTestLedger(&memGateway{}, WithEventBus(bus))

	if _, err := l.Append(context.Background(), "a", manual("1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := len(bus.messages[domain.TopicEntryAppended]); got != 1 {
		t.Errorf("expected 1 event, got %d", got)
	}
}

func TestAppendSurvivesBusFailure(t *testing.T) {
	bus := &recordingBus{fail: errors.New("bus down")}
	l := newTestLedger(&memGateway{}, WithEventBus(bus))

	if _, err := l.Append(context.Background(), "a", manual("1")); err != nil {
		t.Fatalf("expected append to succeed despite bus failure, got %v", err)
	}
}

func TestAccept(t *testing.T) {
	ctx := context.Background()
	gw := &memGateway{}
	l := newTestLedger(gw)

	stored, err := l.Accept(ctx, &domain.CostEntry{
		ID:       "client-chosen",
		AnimalID: "a",
		Category: domain.CategoryFeed,
		Amount:   amount("40.00"),
		Date:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if stored.ID == "client-chosen" || stored.ID == "" {
		t.Errorf("expected a ledger-assigned ID, got %q", stored.ID)
	}

	t.Run("rejects invalid entries", func(t *testing.T) {
		tests := []struct {
			name  string
			entry *domain.CostEntry
		}{
			{"negative amount", &domain.CostEntry{AnimalID: "a", Category: domain.CategoryFeed, Amount: amount("-500")}},
			{"unknown category", &domain.CostEntry{AnimalID: "a", Category: "bogus", Amount: amount("1")}},
			{"reversal of missing entry", &domain.CostEntry{AnimalID: "a", Category: domain.CategoryReversal, Amount: amount("1"), ReversalOf: "e-99"}},
			{"reversal with other amount", &domain.CostEntry{AnimalID: "a", Category: domain.CategoryReversal, Amount: amount("1"), ReversalOf: stored.ID}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := l.Accept(ctx, tt.entry)
				if !errors.Is(err, domain.ErrInvalidInput) && !errors.Is(err, domain.ErrNotFound) {
					t.Errorf("expected a rejection, got %v", err)
				}
			})
		}
		if len(gw.entries) != 1 {
			t.Errorf("expected only the accepted entry stored, got %d", len(gw.entries))
		}
	})

	t.Run("reversal once", func(t *testing.T) {
		rev := &domain.CostEntry{AnimalID: "a", Category: domain.CategoryReversal, Amount: amount("40.00"), ReversalOf: stored.ID}
		if _, err := l.Accept(ctx, rev); err != nil {
			t.Fatalf("expected reversal to be accepted, got %v", err)
		}
		if _, err := l.Accept(ctx, rev); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected second reversal to be rejected, got %v", err)
		}
	})
}

func TestGatewayRejectionIsNotPersistence(t *testing.T) {
	gw := &memGateway{failWrite: fmt.Errorf("remote: %w", domain.ErrInvalidInput)}
	l := newTestLedger(gw)

	_, err := l.Append(context.Background(), "a", manual("5"))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if domain.IsPersistence(err) {
		t.Error("expected a rejected write not to be retryable")
	}
}
