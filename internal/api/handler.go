package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/beefsync/costengine/internal/apply"
	"github.com/beefsync/costengine/internal/cache"
	"github.com/beefsync/costengine/internal/domain"
	"github.com/beefsync/costengine/internal/ledger"
	"github.com/beefsync/costengine/internal/metrics"
	"github.com/beefsync/costengine/internal/repository"
	"github.com/beefsync/costengine/internal/rules"
	"github.com/beefsync/costengine/internal/worker"
)

// Dependencies are the components the handlers serve.
// Previews, Cache, Bus and Metrics are optional. AsyncApply must only be
// set when an apply worker consumes TopicApplyRequested from Bus.
type Dependencies struct {
	Gateway    domain.CostGateway
	Ledger     *ledger.Ledger
	Calculator *rules.Calculator
	Processor  *apply.Processor
	Previews   *cache.PreviewCache
	Cache      domain.Cache
	Bus        domain.EventBus
	Metrics    *metrics.Metrics
	AsyncApply bool
	Version    string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	gateway    domain.CostGateway
	ledger     *ledger.Ledger
	calculator *rules.Calculator
	processor  *apply.Processor
	previews   *cache.PreviewCache
	cache      domain.Cache
	bus        domain.EventBus
	metrics    *metrics.Metrics
	asyncApply bool
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		gateway:    deps.Gateway,
		ledger:     deps.Ledger,
		calculator: deps.Calculator,
		processor:  deps.Processor,
		previews:   deps.Previews,
		cache:      deps.Cache,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		asyncApply: deps.AsyncApply && deps.Bus != nil,
		version:    deps.Version,
	}
}

// AnimalRequest carries the calculator inputs. Sex accepts the same
// spellings as domain.ParseSex.
type AnimalRequest struct {
	ID              string `json:"id"`
	AgeMonths       int    `json:"ageMonths"`
	Sex             string `json:"sex"`
	IsIVFOrigin     bool   `json:"isIvfOrigin"`
	HasSurrogateDam bool   `json:"hasSurrogateDam"`
}

func (a AnimalRequest) snapshot() (domain.AnimalSnapshot, error) {
	sex, err := domain.ParseSex(a.Sex)
	if err != nil {
		return domain.AnimalSnapshot{}, err
	}
	return domain.AnimalSnapshot{
		ID:              a.ID,
		AgeMonths:       a.AgeMonths,
		Sex:             sex,
		IsIVFOrigin:     a.IsIVFOrigin,
		HasSurrogateDam: a.HasSurrogateDam,
	}, nil
}

// CalculateResponse is the response for POST /calculate.
type CalculateResponse struct {
	Breakdown  domain.CostBreakdown    `json:"breakdown"`
	DnaCharges []domain.CostEntryDraft `json:"dnaCharges"`
	Cached     bool                    `json:"cached"`
}

// ApplyRequest is the request body for POST /animals/{animalID}/apply.
type ApplyRequest struct {
	AnimalRequest
	Date    string `json:"date,omitempty"`
	Notes   string `json:"notes,omitempty"`
	SkipDNA bool   `json:"skipDna,omitempty"`
}

// CostRequest is the request body for POST /animals/{animalID}/costs.
type CostRequest struct {
	Category    domain.CostCategory `json:"category"`
	Subcategory string              `json:"subcategory"`
	Amount      decimal.Decimal     `json:"amount"`
	Date        string              `json:"date,omitempty"`
	Notes       string              `json:"notes,omitempty"`
}

// ReverseRequest is the optional body for the reverse endpoint.
type ReverseRequest struct {
	Notes string `json:"notes,omitempty"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.gateway != nil {
		if err := h.gateway.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListProtocols handles GET /catalog/protocols.
func (h *Handler) ListProtocols(w http.ResponseWriter, r *http.Request) {
	protocols := h.calculator.Catalog().Protocols()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"protocols": protocols,
		"count":     len(protocols),
	})
}

// ListItems handles GET /catalog/items.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	cat := h.calculator.Catalog()
	entries := cat.Entries()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":       entries,
		"count":       len(entries),
		"dangling":    cat.DanglingItems(),
		"fingerprint": cat.Fingerprint(),
	})
}

// ListBrackets handles GET /brackets. Without ?sex= both ladders are listed.
func (h *Handler) ListBrackets(w http.ResponseWriter, r *http.Request) {
	sexes := []domain.Sex{domain.SexFemale, domain.SexMale}
	if s := r.URL.Query().Get("sex"); s != "" {
		sex, err := domain.ParseSex(s)
		if err != nil {
			writeError(w, err)
			return
		}
		sexes = []domain.Sex{sex}
	}

	out := make(map[domain.Sex][]domain.AgeBracket, len(sexes))
	for _, sex := range sexes {
		brackets, err := rules.Brackets(sex)
		if err != nil {
			writeError(w, err)
			return
		}
		out[sex] = brackets
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"brackets": out,
	})
}

// Calculate handles POST /calculate. Nothing is written to the ledger.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AnimalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	animal, err := req.snapshot()
	if err != nil {
		writeError(w, err)
		return
	}

	if h.previews != nil {
		if pv, ok := h.previews.Get(ctx, animal); ok {
			h.metrics.CacheLookup(true)
			writeJSON(w, http.StatusOK, CalculateResponse{
				Breakdown:  pv.Breakdown,
				DnaCharges: pv.DnaCharges,
				Cached:     true,
			})
			return
		}
		h.metrics.CacheLookup(false)
	}

	breakdown, err := h.calculator.Calculate(animal)
	if err != nil {
		writeError(w, err)
		return
	}
	dna, err := h.calculator.CalculateDnaCharges(animal)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.BreakdownCalculated(string(breakdown.Sex), string(breakdown.Bracket))

	if h.previews != nil {
		h.previews.Set(ctx, animal, &cache.Preview{Breakdown: breakdown, DnaCharges: dna})
	}

	writeJSON(w, http.StatusOK, CalculateResponse{
		Breakdown:  breakdown,
		DnaCharges: dna,
	})
}

// Apply handles POST /animals/{animalID}/apply. With ?async=true the
// request is queued on the event bus and 202 is returned.
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	req.ID = chi.URLParam(r, "animalID")

	animal, err := req.snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, err)
		return
	}

	input := apply.Input{
		Animal:    animal,
		Date:      date,
		Notes:     req.Notes,
		SkipDNA:   req.SkipDNA,
		TraceID:   GetTraceID(ctx),
		StartTime: start,
	}

	if r.URL.Query().Get("async") == "true" {
		h.applyAsync(w, r, input)
		return
	}

	result, err := h.processor.Process(ctx, &input)
	h.metrics.ApplyRequested("sync", apply.Outcome(err))
	if err != nil {
		if domain.IsPersistence(err) && result != nil {
			slog.Error("apply interrupted",
				"animal_id", animal.ID,
				"stored_entries", len(result.Entries),
				"error", err,
			)
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error":     err.Error(),
				"retryable": true,
				"result":    result,
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) applyAsync(w http.ResponseWriter, r *http.Request, input apply.Input) {
	if !h.asyncApply {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":     "async apply is not enabled",
			"retryable": false,
		})
		return
	}

	// Validate before queueing so bad input is rejected synchronously.
	if _, err := rules.ResolveBracket(input.Animal.AgeMonths, input.Animal.Sex); err != nil {
		h.metrics.ApplyRequested("async", apply.Outcome(err))
		writeError(w, err)
		return
	}

	requestID, err := worker.Enqueue(r.Context(), h.bus, input)
	if err != nil {
		slog.Error("failed to queue apply", "animal_id", input.Animal.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":     "failed to queue apply request",
			"retryable": true,
		})
		return
	}
	h.metrics.ApplyRequested("async", "queued")

	writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId": requestID,
		"animalId":  input.Animal.ID,
		"status":    "queued",
	})
}

// AppendCost handles POST /animals/{animalID}/costs.
func (h *Handler) AppendCost(w http.ResponseWriter, r *http.Request) {
	var req CostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, err)
		return
	}

	entry, err := h.ledger.Append(r.Context(), chi.URLParam(r, "animalID"), domain.CostEntryDraft{
		Category:    req.Category,
		Subcategory: req.Subcategory,
		Amount:      req.Amount,
		Date:        date,
		Notes:       req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// ListCosts handles GET /animals/{animalID}/costs.
func (h *Handler) ListCosts(w http.ResponseWriter, r *http.Request) {
	animalID := chi.URLParam(r, "animalID")

	entries, err := h.ledger.ListByAnimal(r.Context(), animalID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"animalId": animalID,
		"entries":  entries,
		"count":    len(entries),
	})
}

// Total handles GET /animals/{animalID}/total.
func (h *Handler) Total(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	animalID := chi.URLParam(r, "animalID")

	total, err := h.ledger.TotalForAnimal(ctx, animalID)
	if err != nil {
		writeError(w, err)
		return
	}
	byCategory, err := h.ledger.TotalsByCategory(ctx, animalID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"animalId":   animalID,
		"total":      total,
		"byCategory": byCategory,
	})
}

// Reverse handles POST /animals/{animalID}/costs/{entryID}/reverse.
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	entry, err := h.ledger.Reverse(r.Context(),
		chi.URLParam(r, "animalID"), chi.URLParam(r, "entryID"), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// Summary handles GET /costs/summary.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ledger.AggregateAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GatewayWrite handles POST /gateway/costs, the wire form used by
// repository.HTTPGateway. Entries go through the ledger, so remote
// writers get the same checks as local ones.
func (h *Handler) GatewayWrite(w http.ResponseWriter, r *http.Request) {
	var entry domain.CostEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	stored, err := h.ledger.Accept(r.Context(), &entry)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repository.WriteResponse{ID: stored.ID})
}

// GatewayQuery handles GET /gateway/costs?animalId=.
func (h *Handler) GatewayQuery(w http.ResponseWriter, r *http.Request) {
	entries, err := h.gateway.Query(r.Context(), domain.CostFilter{
		AnimalID: r.URL.Query().Get("animalId"),
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.CostEntry{}
	}
	writeJSON(w, http.StatusOK, repository.QueryResponse{Entries: entries})
}

func writeGatewayError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound) {
		writeError(w, err)
		return
	}
	writeError(w, &domain.PersistenceError{Op: "gateway", Err: err})
}

// parseDate accepts YYYY-MM-DD or RFC 3339. Empty means "now".
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unparseable date %q", domain.ErrInvalidInput, s)
	}
	return t.UTC(), nil
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	retryable := false
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case domain.IsPersistence(err):
		status = http.StatusServiceUnavailable
		retryable = true
	}
	if status == http.StatusInternalServerError {
		slog.Error("unhandled error", "error", err)
	}

	writeJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"retryable": retryable,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
