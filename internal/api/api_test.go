package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/beefsync/costengine/internal/apply"
	"github.com/beefsync/costengine/internal/bus"
	"github.com/beefsync/costengine/internal/cache"
	"github.com/beefsync/costengine/internal/domain"
	"github.com/beefsync/costengine/internal/ledger"
	"github.com/beefsync/costengine/internal/metrics"
	"github.com/beefsync/costengine/internal/repository"
	"github.com/beefsync/costengine/internal/rules"
	"github.com/beefsync/costengine/internal/worker"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// memGateway is an in-memory CostGateway whose writes can be failed.
type memGateway struct {
	mu      sync.Mutex
	entries []*domain.CostEntry
	fail    bool
}

func (g *memGateway) Write(_ context.Context, e *domain.CostEntry) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return "", errors.New("database unavailable")
	}
	if e.AnimalID == "" {
		return "", fmt.Errorf("%w: animal ID is required", domain.ErrInvalidInput)
	}
	stored := *e
	if stored.ID == "" {
		stored.ID = fmt.Sprintf("e-%d", len(g.entries)+1)
	}
	g.entries = append(g.entries, &stored)
	return stored.ID, nil
}

func (g *memGateway) Query(_ context.Context, f domain.CostFilter) ([]*domain.CostEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*domain.CostEntry
	for _, e := range g.entries {
		if f.AnimalID == "" || f.AnimalID == e.AnimalID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (g *memGateway) Ping(context.Context) error { return nil }
func (g *memGateway) Close() error               { return nil }

func (g *memGateway) setFail(fail bool) {
	g.mu.Lock()
	g.fail = fail
	g.mu.Unlock()
}

func (g *memGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// rejectingBus refuses every publish the way a full channel bus does.
type rejectingBus struct{}

func (rejectingBus) Publish(context.Context, string, []byte) error {
	return fmt.Errorf("%w: queue saturated", bus.ErrBufferFull)
}
func (rejectingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}
func (rejectingBus) Ping(context.Context) error { return nil }
func (rejectingBus) Close() error               { return nil }

func withAsyncApply(d *Dependencies) { d.AsyncApply = true }

type testEnv struct {
	server    *Server
	gateway   *memGateway
	bus       *bus.ChannelBus
	processor *apply.Processor
}

func newTestEnv(t *testing.T, configure ...func(*Dependencies)) *testEnv {
	t.Helper()

	cat, err := rules.DefaultCatalog()
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	m := metrics.New()
	calc, err := rules.NewCalculator(cat, discard, rules.WithMissHook(m.CatalogMiss))
	if err != nil {
		t.Fatalf("failed to create calculator: %v", err)
	}

	gw := &memGateway{}
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	l := ledger.New(gw, ledger.WithLogger(discard), ledger.WithMetrics(m))
	lru := cache.NewLRUCache(100)

	processor := apply.NewProcessor(calc, l)

	deps := Dependencies{
		Gateway:    gw,
		Ledger:     l,
		Calculator: calc,
		Processor:  processor,
		Previews:   cache.NewPreviewCache(lru, time.Minute, cat.Fingerprint(), discard),
		Cache:      lru,
		Bus:        eventBus,
		Metrics:    m,
		Version:    "test-v1",
	}
	for _, fn := range configure {
		fn(&deps)
	}
	server := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, deps)
	return &testEnv{server: server, gateway: gw, bus: eventBus, processor: processor}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	t.Run("Health", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/health", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp map[string]string
		decode(t, rec, &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %s", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/ready", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("RequestHeaders", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/health", nil)
		if rec.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header")
		}
		if rec.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header")
		}
	})

	t.Run("Preflight", func(t *testing.T) {
		rec := env.do(t, http.MethodOptions, "/calculate", nil)
		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
	})
}

func TestCatalogEndpoints(t *testing.T) {
	env := newTestEnv(t)

	t.Run("Protocols", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/catalog/protocols", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp struct {
			Protocols []domain.ProtocolDefinition `json:"protocols"`
			Count     int                         `json:"count"`
		}
		decode(t, rec, &resp)
		if resp.Count != 9 || len(resp.Protocols) != 9 {
			t.Errorf("expected 9 protocols, got %d", resp.Count)
		}
	})

	t.Run("Items", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/catalog/items", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp struct {
			Count       int      `json:"count"`
			Dangling    []string `json:"dangling"`
			Fingerprint string   `json:"fingerprint"`
		}
		decode(t, rec, &resp)
		if resp.Count != 18 {
			t.Errorf("expected 18 items, got %d", resp.Count)
		}
		if len(resp.Dangling) != 0 {
			t.Errorf("expected no dangling items, got %v", resp.Dangling)
		}
		if resp.Fingerprint == "" {
			t.Error("expected a catalog fingerprint")
		}
	})

	t.Run("BracketsForSex", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/brackets?sex=macho", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp struct {
			Brackets map[domain.Sex][]domain.AgeBracket `json:"brackets"`
		}
		decode(t, rec, &resp)
		male := resp.Brackets[domain.SexMale]
		if len(male) != 5 || male[4] != domain.Bracket22Plus {
			t.Errorf("expected male ladder ending at 22+, got %v", male)
		}
		if _, ok := resp.Brackets[domain.SexFemale]; ok {
			t.Error("expected only the male ladder")
		}
	})

	t.Run("AllBrackets", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/brackets", nil)
		var resp struct {
			Brackets map[domain.Sex][]domain.AgeBracket `json:"brackets"`
		}
		decode(t, rec, &resp)
		if len(resp.Brackets) != 2 {
			t.Errorf("expected both ladders, got %v", resp.Brackets)
		}
	})

	t.Run("UnknownSex", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/brackets?sex=boi", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestCalculateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("MaleEighteenToTwentyTwo", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/calculate", AnimalRequest{ID: "BZ-1", AgeMonths: 20, Sex: "male"})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp CalculateResponse
		decode(t, rec, &resp)
		if !resp.Breakdown.Total.Equal(decimal.RequireFromString("260.00")) {
			t.Errorf("expected total 260.00, got %s", resp.Breakdown.Total)
		}
		if resp.Breakdown.Bracket != domain.Bracket18To22 {
			t.Errorf("expected bracket 18/22, got %s", resp.Breakdown.Bracket)
		}
		if resp.Cached {
			t.Error("expected first calculation not to be cached")
		}
		if len(resp.DnaCharges) != 0 {
			t.Errorf("expected no DNA charges, got %d", len(resp.DnaCharges))
		}
	})

	t.Run("SecondCallIsCached", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/calculate", AnimalRequest{ID: "BZ-2", AgeMonths: 20, Sex: "M"})
		var resp CalculateResponse
		decode(t, rec, &resp)
		if !resp.Cached {
			t.Error("expected cached preview")
		}
		if resp.Breakdown.AnimalID != "BZ-2" {
			t.Errorf("expected breakdown relabelled to BZ-2, got %s", resp.Breakdown.AnimalID)
		}
		if !resp.Breakdown.Total.Equal(decimal.RequireFromString("260.00")) {
			t.Errorf("expected total 260.00, got %s", resp.Breakdown.Total)
		}
	})

	t.Run("IVFCalfDnaCharges", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/calculate", AnimalRequest{ID: "BZ-3", AgeMonths: 3, Sex: "female", IsIVFOrigin: true})
		var resp CalculateResponse
		decode(t, rec, &resp)
		if !resp.Breakdown.Total.Equal(decimal.RequireFromString("277.88")) {
			t.Errorf("expected total 277.88, got %s", resp.Breakdown.Total)
		}
		if len(resp.DnaCharges) != 2 {
			t.Errorf("expected 2 DNA charges, got %d", len(resp.DnaCharges))
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		tests := []struct {
			name string
			body interface{}
		}{
			{"unknown sex", AnimalRequest{AgeMonths: 3, Sex: "boi"}},
			{"negative age", AnimalRequest{AgeMonths: -1, Sex: "male"}},
			{"malformed body", "not an object"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := env.do(t, http.MethodPost, "/calculate", tt.body)
				if rec.Code != http.StatusBadRequest {
					t.Errorf("expected 400, got %d", rec.Code)
				}
			})
		}
	})

	t.Run("NothingWritten", func(t *testing.T) {
		env.gateway.mu.Lock()
		defer env.gateway.mu.Unlock()
		if len(env.gateway.entries) != 0 {
			t.Errorf("expected calculate not to write, got %d entries", len(env.gateway.entries))
		}
	})
}

func TestApplyEndpoint(t *testing.T) {
	t.Run("Sync", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodPost, "/animals/BZ-10/apply", ApplyRequest{
			AnimalRequest: AnimalRequest{AgeMonths: 3, Sex: "male", IsIVFOrigin: true},
			Date:          "2024-03-01",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		var res apply.Result
		decode(t, rec, &res)
		if len(res.Entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(res.Entries))
		}
		if !res.Total.Equal(decimal.RequireFromString("432.88")) {
			t.Errorf("expected total 432.88, got %s", res.Total)
		}
		if res.AnimalID != "BZ-10" {
			t.Errorf("expected animal BZ-10, got %s", res.AnimalID)
		}
		want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		if !res.Entries[0].Date.Equal(want) {
			t.Errorf("expected entry date %v, got %v", want, res.Entries[0].Date)
		}

		rec = env.do(t, http.MethodGet, "/animals/BZ-10/total", nil)
		var total struct {
			Total      decimal.Decimal                        `json:"total"`
			ByCategory map[domain.CostCategory]decimal.Decimal `json:"byCategory"`
		}
		decode(t, rec, &total)
		if !total.Total.Equal(decimal.RequireFromString("432.88")) {
			t.Errorf("expected ledger total 432.88, got %s", total.Total)
		}
		if !total.ByCategory[domain.CategoryDNA].Equal(decimal.RequireFromString("155.00")) {
			t.Errorf("expected dna total 155.00, got %s", total.ByCategory[domain.CategoryDNA])
		}
	})

	t.Run("InvalidDate", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodPost, "/animals/BZ-11/apply", ApplyRequest{
			AnimalRequest: AnimalRequest{AgeMonths: 3, Sex: "male"},
			Date:          "01/03/2024",
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("PersistenceFailure", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.setFail(true)

		rec := env.do(t, http.MethodPost, "/animals/BZ-12/apply", ApplyRequest{
			AnimalRequest: AnimalRequest{AgeMonths: 20, Sex: "male"},
		})
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rec.Code)
		}
		var resp errorBody
		decode(t, rec, &resp)
		if !resp.Retryable {
			t.Error("expected retryable error")
		}
	})

	t.Run("Async", func(t *testing.T) {
		env := newTestEnv(t, withAsyncApply)
		w := worker.NewWorker(env.bus, env.processor, worker.WithLogger(discard))
		if err := w.Start(); err != nil {
			t.Fatalf("failed to start worker: %v", err)
		}
		defer w.Stop()

		rec := env.do(t, http.MethodPost, "/animals/BZ-13/apply?async=true", ApplyRequest{
			AnimalRequest: AnimalRequest{AgeMonths: 20, Sex: "male"},
		})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp map[string]string
		decode(t, rec, &resp)
		if resp["requestId"] == "" || resp["status"] != "queued" {
			t.Errorf("unexpected response %v", resp)
		}

		deadline := time.Now().Add(2 * time.Second)
		for env.gateway.count() == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if got := env.gateway.count(); got != 1 {
			t.Errorf("expected the worker to store 1 entry, got %d", got)
		}
	})

	t.Run("AsyncWithoutWorker", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodPost, "/animals/BZ-15/apply?async=true", ApplyRequest{
			AnimalRequest: AnimalRequest{AgeMonths: 20, Sex: "male"},
		})
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp errorBody
		decode(t, rec, &resp)
		if resp.Retryable {
			t.Error("expected a disabled async apply not to be retryable")
		}
		if got := env.gateway.count(); got != 0 {
			t.Errorf("expected nothing stored, got %d", got)
		}
	})

	t.Run("AsyncQueueRejected", func(t *testing.T) {
		env := newTestEnv(t, withAsyncApply, func(d *Dependencies) {
			d.Bus = rejectingBus{}
		})
		rec := env.do(t, http.MethodPost, "/animals/BZ-16/apply?async=true", ApplyRequest{
			AnimalRequest: AnimalRequest{AgeMonths: 20, Sex: "male"},
		})
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp errorBody
		decode(t, rec, &resp)
		if !resp.Retryable {
			t.Error("expected a rejected enqueue to be retryable")
		}
	})

	t.Run("AsyncInvalidInput", func(t *testing.T) {
		env := newTestEnv(t, withAsyncApply)
		rec := env.do(t, http.MethodPost, "/animals/BZ-14/apply?async=true", ApplyRequest{
			AnimalRequest: AnimalRequest{AgeMonths: -3, Sex: "male"},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestLedgerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var feed domain.CostEntry
	t.Run("AppendCost", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/animals/BZ-20/costs", CostRequest{
			Category:    domain.CategoryFeed,
			Subcategory: "silage",
			Amount:      decimal.RequireFromString("120.50"),
			Date:        "2024-05-10",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		decode(t, rec, &feed)
		if feed.ID == "" || feed.AnimalID != "BZ-20" {
			t.Errorf("unexpected entry %+v", feed)
		}
	})

	env.do(t, http.MethodPost, "/animals/BZ-21/costs", CostRequest{
		Category: domain.CategoryVeterinary,
		Amount:   decimal.RequireFromString("79.50"),
	})

	t.Run("AppendCostValidation", func(t *testing.T) {
		tests := []struct {
			name string
			req  CostRequest
		}{
			{"unknown category", CostRequest{Category: "lodging", Amount: decimal.NewFromInt(1)}},
			{"negative amount", CostRequest{Category: domain.CategoryFeed, Amount: decimal.NewFromInt(-1)}},
			{"reversal category", CostRequest{Category: domain.CategoryReversal, Amount: decimal.NewFromInt(1)}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := env.do(t, http.MethodPost, "/animals/BZ-20/costs", tt.req)
				if rec.Code != http.StatusBadRequest {
					t.Errorf("expected 400, got %d", rec.Code)
				}
			})
		}
	})

	t.Run("ListCosts", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/animals/BZ-20/costs", nil)
		var resp struct {
			Entries []domain.CostEntry `json:"entries"`
			Count   int                `json:"count"`
		}
		decode(t, rec, &resp)
		if resp.Count != 1 || resp.Entries[0].ID != feed.ID {
			t.Errorf("expected the feed entry only, got %+v", resp.Entries)
		}
	})

	t.Run("Summary", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/costs/summary", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var summary domain.LedgerSummary
		decode(t, rec, &summary)
		if !summary.TotalAcrossAllAnimals.Equal(decimal.RequireFromString("200.00")) {
			t.Errorf("expected total 200.00, got %s", summary.TotalAcrossAllAnimals)
		}
		if summary.CountOfAnimalsWithCosts != 2 {
			t.Errorf("expected 2 animals, got %d", summary.CountOfAnimalsWithCosts)
		}
		if !summary.AveragePerAnimal.Equal(decimal.RequireFromString("100")) {
			t.Errorf("expected average 100, got %s", summary.AveragePerAnimal)
		}
	})

	t.Run("Reverse", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/animals/BZ-20/costs/"+feed.ID+"/reverse", ReverseRequest{Notes: "typo"})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var reversal domain.CostEntry
		decode(t, rec, &reversal)
		if reversal.ReversalOf != feed.ID || reversal.Category != domain.CategoryReversal {
			t.Errorf("unexpected reversal %+v", reversal)
		}

		rec = env.do(t, http.MethodGet, "/animals/BZ-20/total", nil)
		var total struct {
			Total decimal.Decimal `json:"total"`
		}
		decode(t, rec, &total)
		if !total.Total.IsZero() {
			t.Errorf("expected total 0 after reversal, got %s", total.Total)
		}
	})

	t.Run("ReverseTwice", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/animals/BZ-20/costs/"+feed.ID+"/reverse", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("ReverseUnknown", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/animals/BZ-20/costs/missing/reverse", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("WriteFailure", func(t *testing.T) {
		failing := newTestEnv(t)
		failing.gateway.setFail(true)
		rec := failing.do(t, http.MethodPost, "/animals/BZ-30/costs", CostRequest{
			Category: domain.CategoryFeed,
			Amount:   decimal.NewFromInt(5),
		})
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rec.Code)
		}
		var resp errorBody
		decode(t, rec, &resp)
		if !resp.Retryable {
			t.Error("expected retryable error")
		}
	})
}

func TestGatewayEndpoints(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Router())
	defer srv.Close()

	gw, err := repository.NewHTTPGateway(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("failed to create HTTP gateway: %v", err)
	}
	defer gw.Close()

	ctx := context.Background()

	t.Run("WriteAndQuery", func(t *testing.T) {
		id, err := gw.Write(ctx, &domain.CostEntry{
			AnimalID:  "BZ-40",
			Category:  domain.CategoryAcquisition,
			Amount:    decimal.RequireFromString("3500.00"),
			Date:      time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if id == "" {
			t.Fatal("expected an assigned ID")
		}

		entries, err := gw.Query(ctx, domain.CostFilter{AnimalID: "BZ-40"})
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(entries) != 1 || entries[0].ID != id {
			t.Fatalf("expected the written entry, got %+v", entries)
		}
		if !entries[0].Amount.Equal(decimal.RequireFromString("3500.00")) {
			t.Errorf("expected amount 3500.00, got %s", entries[0].Amount)
		}
	})

	t.Run("EmptyQuery", func(t *testing.T) {
		entries, err := gw.Query(ctx, domain.CostFilter{AnimalID: "nobody"})
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("expected no entries, got %d", len(entries))
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := gw.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("MissingAnimal", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, repository.GatewayCostsPath, domain.CostEntry{Category: domain.CategoryFeed})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("RejectsLedgerViolations", func(t *testing.T) {
		before := env.gateway.count()
		tests := []struct {
			name     string
			body     map[string]string
			expected int
		}{
			{"bogus category and negative amount", map[string]string{"animalId": "a1", "category": "bogus", "amount": "-500"}, http.StatusBadRequest},
			{"negative amount", map[string]string{"animalId": "a1", "category": "feed", "amount": "-500"}, http.StatusBadRequest},
			{"reversal of unknown entry", map[string]string{"animalId": "a1", "category": "reversal", "amount": "10", "reversalOf": "nope"}, http.StatusNotFound},
			{"reversal without target", map[string]string{"animalId": "a1", "category": "reversal", "amount": "10"}, http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := env.do(t, http.MethodPost, repository.GatewayCostsPath, tt.body)
				if rec.Code != tt.expected {
					t.Errorf("expected %d, got %d: %s", tt.expected, rec.Code, rec.Body.String())
				}
			})
		}
		if got := env.gateway.count(); got != before {
			t.Errorf("expected nothing stored, got %d new entries", got-before)
		}

		rec := env.do(t, http.MethodGet, "/animals/a1/total", nil)
		var total struct {
			Total decimal.Decimal `json:"total"`
		}
		decode(t, rec, &total)
		if !total.Total.IsZero() {
			t.Errorf("expected total 0, got %s", total.Total)
		}
	})

	t.Run("RemoteRejectionIsNotRetryable", func(t *testing.T) {
		_, err := gw.Write(ctx, &domain.CostEntry{
			AnimalID: "BZ-42",
			Category: domain.CategoryFeed,
			Amount:   decimal.RequireFromString("-1"),
		})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}

		_, err = gw.Write(ctx, &domain.CostEntry{
			AnimalID:   "BZ-42",
			Category:   domain.CategoryReversal,
			Amount:     decimal.RequireFromString("1"),
			ReversalOf: "missing",
		})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RemoteLedgerReversal", func(t *testing.T) {
		remote := ledger.New(gw, ledger.WithLogger(discard))
		entry, err := remote.Append(ctx, "BZ-43", domain.CostEntryDraft{
			Category: domain.CategoryVeterinary,
			Amount:   decimal.RequireFromString("80.00"),
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if _, err := remote.Reverse(ctx, "BZ-43", entry.ID, "wrong animal"); err != nil {
			t.Fatalf("reverse failed: %v", err)
		}
		if _, err := gw.Write(ctx, &domain.CostEntry{
			AnimalID:   "BZ-43",
			Category:   domain.CategoryReversal,
			Amount:     decimal.RequireFromString("80.00"),
			ReversalOf: entry.ID,
		}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected a second reversal to be rejected, got %v", err)
		}

		total, err := remote.TotalForAnimal(ctx, "BZ-43")
		if err != nil {
			t.Fatalf("total failed: %v", err)
		}
		if !total.IsZero() {
			t.Errorf("expected total 0, got %s", total)
		}
	})

	t.Run("WriteFailure", func(t *testing.T) {
		env.gateway.setFail(true)
		defer env.gateway.setFail(false)

		rec := env.do(t, http.MethodPost, repository.GatewayCostsPath, domain.CostEntry{AnimalID: "BZ-41", Category: domain.CategoryFeed})
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/animals/BZ-50/apply", ApplyRequest{
		AnimalRequest: AnimalRequest{AgeMonths: 20, Sex: "male"},
	})
	env.do(t, http.MethodPost, "/calculate", AnimalRequest{AgeMonths: 20, Sex: "male"})

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`costengine_apply_requests_total{mode="sync",outcome="ok"} 1`,
		`costengine_ledger_entries_appended_total{category="protocol"} 1`,
		`costengine_preview_cache_lookups_total{result="miss"} 1`,
		`costengine_breakdowns_total{bracket="18/22",sex="male"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics to contain %s", want)
		}
	}
}

func TestEndToEndSQLite(t *testing.T) {
	gw, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: t.TempDir() + "/costs.db",
	})
	if err != nil {
		t.Fatalf("failed to open sqlite gateway: %v", err)
	}
	defer gw.Close()

	cat, err := rules.DefaultCatalog()
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	calc, err := rules.NewCalculator(cat, discard)
	if err != nil {
		t.Fatalf("failed to create calculator: %v", err)
	}
	l := ledger.New(gw, ledger.WithLogger(discard))
	env := &testEnv{server: NewServer(domain.ServerConfig{}, Dependencies{
		Gateway:    gw,
		Ledger:     l,
		Calculator: calc,
		Processor:  apply.NewProcessor(calc, l),
		Version:    "test-v1",
	})}

	rec := env.do(t, http.MethodPost, "/animals/BZ-60/apply", ApplyRequest{
		AnimalRequest: AnimalRequest{AgeMonths: 5, Sex: "femea", HasSurrogateDam: true},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res apply.Result
	decode(t, rec, &res)

	// 157.88 protocol + 60.00 paternity + 95.00 genomic
	if !res.Total.Equal(decimal.RequireFromString("312.88")) {
		t.Errorf("expected applied total 312.88, got %s", res.Total)
	}

	rec = env.do(t, http.MethodGet, "/animals/BZ-60/costs", nil)
	var listed struct {
		Entries []domain.CostEntry `json:"entries"`
	}
	decode(t, rec, &listed)
	if len(listed.Entries) != 3 {
		t.Fatalf("expected 3 stored entries, got %d", len(listed.Entries))
	}
	if listed.Entries[0].Category != domain.CategoryProtocol {
		t.Errorf("expected protocol entry first, got %s", listed.Entries[0].Category)
	}
	if len(listed.Entries[0].LineItems) == 0 {
		t.Error("expected protocol entry to keep its line items")
	}

	genomic := listed.Entries[2]
	rec = env.do(t, http.MethodPost, "/animals/BZ-60/costs/"+genomic.ID+"/reverse", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/costs/summary", nil)
	var summary domain.LedgerSummary
	decode(t, rec, &summary)
	if !summary.TotalAcrossAllAnimals.Equal(decimal.RequireFromString("217.88")) {
		t.Errorf("expected total 217.88 after reversal, got %s", summary.TotalAcrossAllAnimals)
	}
	if !summary.TotalsByCategory[domain.CategoryDNA].Equal(decimal.RequireFromString("60.00")) {
		t.Errorf("expected dna total 60.00, got %s", summary.TotalsByCategory[domain.CategoryDNA])
	}
}
