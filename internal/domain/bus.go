package domain

import (
	"context"
)

// EventBus carries scenarios to the evaluation worker and decisions back.
// Messages are partitioned by policy ID.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, policyID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, policyID string, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes a message carrying a reply address and waits for
	// the first reply payload.
	Request(ctx context.Context, policyID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	PolicyID  string            `json:"policy_id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `mapstructure:"type"`

	// Channel settings
	ChannelBufferSize int `mapstructure:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `mapstructure:"nats_url"`
	NATSToken         string `mapstructure:"nats_token"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait"` // seconds
}

// ScenarioMessage is the payload published on TopicScenarioSubmitted.
type ScenarioMessage struct {
	RequestID string    `json:"requestId"`
	PolicyID  string    `json:"policyId,omitempty"`
	TraceID   string    `json:"traceId,omitempty"`
	Scenario  *Scenario `json:"scenario"`
}

// DecisionMessage is the payload published on the decision topics and sent
// as the reply to a submitted scenario. Exactly one of Decision and Error
// is set.
type DecisionMessage struct {
	RequestID string    `json:"requestId"`
	PolicyID  string    `json:"policyId"`
	Decision  *Decision `json:"decision,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Topic names for the asynchronous evaluation pipeline.
const (
	TopicScenarioSubmitted = "underwrite.scenario.submitted"
	TopicDecision          = "underwrite.decision"
	TopicIneligible        = "underwrite.ineligible"
)

// MetadataReplyTo is the message metadata key holding the topic a
// request expects its reply on.
const MetadataReplyTo = "reply_to"
