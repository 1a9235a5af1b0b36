// Package bus carries submitted scenarios and their decisions between the
// API, the CLI and the evaluation worker, in process or over NATS.
package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/underwrite/internal/domain"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrNoPolicy is returned when a message has no policy ID.
	ErrNoPolicy = errors.New("policy id is required")
)

// New creates the bus selected by cfg.Type: "channel" for a single
// process, "nats" when the worker runs elsewhere.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// envelope wraps a payload in a message with a fresh ID.
func envelope(policyID, topic string, payload []byte, metadata map[string]string) *domain.Message {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &domain.Message{
		ID:        uuid.New().String(),
		PolicyID:  policyID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now().UnixNano(),
	}
}

// requestTimeout bounds a request whose context has no deadline.
const requestTimeout = 30 * time.Second
