package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// ChannelBus delivers messages between goroutines of one process. Each
// subscription drains its own buffered channel; a full buffer drops the
// message for that subscriber only.
type ChannelBus struct {
	mu     sync.RWMutex
	buffer int
	routes map[route]map[string]*channelSubscription
	closed bool
}

// route is one policy's view of a topic.
type route struct {
	policyID string
	topic    string
}

type channelSubscription struct {
	id      string
	route   route
	bus     *ChannelBus
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannelBus creates an in-process bus whose subscriptions buffer up to
// buffer messages each.
func NewChannelBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = 1000
	}
	return &ChannelBus{
		buffer: buffer,
		routes: make(map[route]map[string]*channelSubscription),
	}
}

// Publish delivers payload to every current subscriber of topic for policyID.
func (b *ChannelBus) Publish(ctx context.Context, policyID string, topic string, payload []byte) error {
	return b.deliver(envelope(policyID, topic, payload, nil))
}

func (b *ChannelBus) deliver(msg *domain.Message) error {
	if msg.PolicyID == "" {
		return ErrNoPolicy
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.routes[route{msg.PolicyID, msg.Topic}] {
		select {
		case sub.inbox <- msg:
		default:
			slog.Warn("subscriber buffer full, message dropped",
				"policy_id", msg.PolicyID,
				"topic", msg.Topic,
				"message_id", msg.ID,
			)
		}
	}
	return nil
}

// Subscribe starts a goroutine that runs handler for each message on topic
// for policyID until the subscription or ctx ends.
func (b *ChannelBus) Subscribe(ctx context.Context, policyID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if policyID == "" {
		return nil, ErrNoPolicy
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		route:   route{policyID, topic},
		bus:     b,
		handler: handler,
		inbox:   make(chan *domain.Message, b.buffer),
		ctx:     subCtx,
		cancel:  cancel,
	}

	subs, ok := b.routes[sub.route]
	if !ok {
		subs = make(map[string]*channelSubscription)
		b.routes[sub.route] = subs
	}
	subs[sub.id] = sub

	go sub.run()
	return sub, nil
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Debug("message handler failed",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Request publishes payload with a private reply topic in its metadata
// and returns the first payload published to that topic.
func (b *ChannelBus) Request(ctx context.Context, policyID string, topic string, payload []byte) ([]byte, error) {
	if policyID == "" {
		return nil, ErrNoPolicy
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	replies := make(chan []byte, 1)
	replyTopic := fmt.Sprintf("%s.reply.%s", topic, uuid.New().String())

	sub, err := b.Subscribe(ctx, policyID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replies <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	metadata := map[string]string{domain.MetadataReplyTo: replyTopic}
	if err := b.deliver(envelope(policyID, topic, payload, metadata)); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", topic, ctx.Err())
	}
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close ends every subscription. Later publishes and subscribes fail.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.routes {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.routes = make(map[route]map[string]*channelSubscription)
	return nil
}

// subscribers counts the live subscriptions on topic for policyID.
func (b *ChannelBus) subscribers(policyID, topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.routes[route{policyID, topic}])
}

// Unsubscribe stops the handler goroutine and removes the subscription
// from the bus.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.routes[s.route]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.routes, s.route)
		}
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.route.topic
}
