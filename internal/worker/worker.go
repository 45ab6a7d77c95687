// Package worker applies protocols requested over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beefsync/costengine/internal/apply"
	"github.com/beefsync/costengine/internal/domain"
	"github.com/beefsync/costengine/internal/metrics"
	"github.com/google/uuid"
)

// Applier runs one protocol application.
type Applier interface {
	Process(ctx context.Context, input *apply.Input) (*apply.Result, error)
}

// Worker consumes apply requests from the EventBus.
type Worker struct {
	bus       domain.EventBus
	processor Applier
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithMetrics records apply outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker creates an async apply worker.
func NewWorker(bus domain.EventBus, processor Applier, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		bus:       bus,
		processor: processor,
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ApplyRequest is the payload on TopicApplyRequested.
type ApplyRequest struct {
	RequestID string `json:"requestId"`
	apply.Input
}

// ApplyOutcome is the payload on TopicApplyCompleted and TopicApplyFailed.
type ApplyOutcome struct {
	RequestID string        `json:"requestId"`
	AnimalID  string        `json:"animalId"`
	Result    *apply.Result `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
}

// Enqueue publishes an apply request and returns its request ID.
func Enqueue(ctx context.Context, bus domain.EventBus, input apply.Input) (string, error) {
	req := ApplyRequest{RequestID: uuid.New().String(), Input: input}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal apply request: %w", err)
	}
	if err := bus.Publish(ctx, domain.TopicApplyRequested, payload); err != nil {
		return "", fmt.Errorf("failed to publish apply request: %w", err)
	}
	return req.RequestID, nil
}

// Start subscribes to apply requests.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicApplyRequested, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	w.logger.Info("apply worker started", "topic", domain.TopicApplyRequested)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req ApplyRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("failed to parse apply request",
			"message_id", msg.ID,
			"error", err,
		)
		w.metrics.ApplyRequested("async", "invalid")
		w.publish(ctx, domain.TopicApplyFailed, ApplyOutcome{
			RequestID: msg.ID,
			Error:     fmt.Sprintf("%v: malformed apply request", domain.ErrInvalidInput),
		})
		return err
	}

	if req.RequestID == "" {
		req.RequestID = msg.ID
	}
	if req.TraceID == "" {
		req.TraceID = req.RequestID
	}
	if msg.Timestamp > 0 {
		req.StartTime = time.Unix(0, msg.Timestamp)
	}

	w.logger.Debug("processing apply request",
		"request_id", req.RequestID,
		"animal_id", req.Animal.ID,
		"trace_id", req.TraceID,
	)

	result, err := w.processor.Process(ctx, &req.Input)
	w.metrics.ApplyRequested("async", apply.Outcome(err))

	outcome := ApplyOutcome{
		RequestID: req.RequestID,
		AnimalID:  req.Animal.ID,
		Result:    result,
	}
	if err != nil {
		outcome.Error = err.Error()
		outcome.Retryable = domain.IsPersistence(err)
		w.logger.Error("apply failed",
			"request_id", req.RequestID,
			"animal_id", req.Animal.ID,
			"retryable", outcome.Retryable,
			"error", err,
		)
		w.publish(ctx, domain.TopicApplyFailed, outcome)
		return err
	}

	w.publish(ctx, domain.TopicApplyCompleted, outcome)
	w.logger.Info("apply processed",
		"request_id", req.RequestID,
		"animal_id", req.Animal.ID,
		"entries", len(result.Entries),
		"total", result.Total.StringFixed(2),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) publish(ctx context.Context, topic string, outcome ApplyOutcome) {
	payload, err := json.Marshal(outcome)
	if err != nil {
		w.logger.Error("failed to marshal apply outcome", "topic", topic, "error", err)
		return
	}
	if err := w.bus.Publish(ctx, topic, payload); err != nil {
		w.logger.Error("failed to publish apply outcome",
			"topic", topic,
			"request_id", outcome.RequestID,
			"error", err,
		)
	}
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("apply worker stopped")
	return nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
