package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/beefsync/costengine/internal/domain"
)

// Header names carrying domain.Message fields. Metadata entries travel
// as headerMetaPrefix + key.
const (
	headerMessageID  = "Costengine-Message-Id"
	headerTimestamp  = "Costengine-Timestamp"
	headerMetaPrefix = "Costengine-Meta-"
)

// queueGroups lists topics consumed as work queues: with several service
// instances subscribed, each message goes to exactly one of them. Apply
// requests must not be applied once per replica.
var queueGroups = map[string]string{
	domain.TopicApplyRequested: "costengine-apply-workers",
}

// NATSBus implements EventBus on a NATS connection. The payload is the
// message body; ID, timestamp and metadata ride in headers.
type NATSBus struct {
	mu            sync.Mutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	opts := []nats.Option{
		nats.Name("costengine"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("event bus disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("event bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "topic", sub.Subject, "queue", sub.Queue)
			}
			slog.Error("event bus error", attrs...)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var (
		conn *nats.Conn
		err  error
	)
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		if conn, err = nats.Connect(cfg.NATSUrl, opts...); err == nil {
			break
		}
		slog.Warn("event bus connection attempt failed", "attempt", attempt, "error", err)
		time.Sleep(wait)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSUrl, err)
	}
	if !conn.HeadersSupported() {
		conn.Close()
		return nil, fmt.Errorf("NATS server at %s does not support message headers", conn.ConnectedUrl())
	}

	slog.Info("event bus connected", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())
	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
	}, nil
}

// encodeMessage builds the NATS message for msg.
func encodeMessage(msg *domain.Message) *nats.Msg {
	out := nats.NewMsg(msg.Topic)
	out.Data = msg.Payload
	out.Header.Set(headerMessageID, msg.ID)
	out.Header.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		out.Header.Set(headerMetaPrefix+k, v)
	}
	return out
}

// decodeMessage rebuilds a domain.Message. Messages from publishers that
// set no headers still decode; they get a fresh ID and no timestamp.
func decodeMessage(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		ID:       m.Header.Get(headerMessageID),
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if ts, err := strconv.ParseInt(m.Header.Get(headerTimestamp), 10, 64); err == nil {
		msg.Timestamp = ts
	}
	for k, v := range m.Header {
		if len(v) > 0 && strings.HasPrefix(k, headerMetaPrefix) {
			msg.Metadata[strings.TrimPrefix(k, headerMetaPrefix)] = v[0]
		}
	}
	return msg
}

// Publish sends payload on the topic's subject.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	return b.conn.PublishMsg(encodeMessage(&domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}))
}

// Subscribe registers handler for topic. Work-queue topics join their
// queue group.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", domain.ErrInvalidInput)
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	cb := func(m *nats.Msg) {
		msg := decodeMessage(m)
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error", "topic", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	if queue, ok := queueGroups[topic]; ok {
		natsSub, err = b.conn.QueueSubscribe(topic, queue, cb)
	} else {
		natsSub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &natsSubscription{id: uuid.New().String(), topic: topic, sub: natsSub, bus: b}
	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected (status %s)", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close unsubscribes everything and closes the connection. Further
// operations fail with ErrClosed.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	for _, sub := range b.subscriptions {
		if err := sub.sub.Unsubscribe(); err != nil {
			slog.Warn("failed to unsubscribe", "topic", sub.topic, "error", err)
		}
	}
	b.subscriptions = make(map[string]*natsSubscription)
	b.conn.Close()
	return nil
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
