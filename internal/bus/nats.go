package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// NATSBus carries JSON-encoded messages over NATS so the API, the CLI and
// the worker can run as separate processes. Subjects are the topic
// followed by the policy ID, e.g. underwrite.decision.default.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to cfg.NATSUrl, retrying up to NATSMaxReconnects
// times. The connection reconnects on its own once established.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("underwrite"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if conn, err = nats.Connect(url, opts...); err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"url", url,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	slog.Info("NATS connected", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())

	return &NATSBus{
		conn: conn,
		subs: make(map[*natsSubscription]struct{}),
	}, nil
}

// Publish sends payload on the subject for topic and policyID.
func (b *NATSBus) Publish(ctx context.Context, policyID string, topic string, payload []byte) error {
	if policyID == "" {
		return ErrNoPolicy
	}
	data, err := json.Marshal(envelope(policyID, topic, payload, nil))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.conn.Publish(subject(policyID, topic), data)
}

// Subscribe runs handler for each message on the subject for topic and
// policyID. A NATS reply subject is exposed as the reply_to metadata.
func (b *NATSBus) Subscribe(ctx context.Context, policyID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if policyID == "" {
		return nil, ErrNoPolicy
	}

	ns, err := b.conn.Subscribe(subject(policyID, topic), func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("dropping undecodable NATS message", "subject", m.Subject, "error", err)
			return
		}
		if m.Reply != "" {
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string)
			}
			msg.Metadata[domain.MetadataReplyTo] = m.Reply
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Debug("message handler failed", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &natsSubscription{topic: topic, sub: ns, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Request publishes payload with a NATS inbox as the reply subject and
// returns the payload of the first reply.
func (b *NATSBus) Request(ctx context.Context, policyID string, topic string, payload []byte) ([]byte, error) {
	if policyID == "" {
		return nil, ErrNoPolicy
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	data, err := json.Marshal(envelope(policyID, topic, payload, nil))
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	m, err := b.conn.RequestWithContext(ctx, subject(policyID, topic), data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", topic, err)
	}

	var reply domain.Message
	if err := json.Unmarshal(m.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return reply.Payload, nil
}

// Ping flushes the connection to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drops every subscription and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for sub := range b.subs {
		_ = sub.sub.Unsubscribe()
	}
	b.subs = make(map[*natsSubscription]struct{})
	b.mu.Unlock()

	b.conn.Close()
	return nil
}

// subject maps a topic to its per-policy subject. Reply inboxes are
// already complete subjects.
func subject(policyID, topic string) string {
	if strings.HasPrefix(topic, nats.InboxPrefix) {
		return topic
	}
	return topic + "." + policyID
}

// Unsubscribe removes the subscription from the server and the bus.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
