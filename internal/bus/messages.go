package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// ErrEvaluation wraps the error a worker reports for a submitted scenario.
var ErrEvaluation = errors.New("evaluation failed")

func scenarioPayload(msg *domain.ScenarioMessage) (string, []byte, error) {
	if msg == nil || msg.Scenario == nil {
		return "", nil, fmt.Errorf("%w: scenario is required", domain.ErrInvalidScenario)
	}
	if msg.PolicyID == "" {
		msg.PolicyID = domain.DefaultPolicyID
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.New().String()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("encode scenario message: %w", err)
	}
	return msg.PolicyID, payload, nil
}

// Submit publishes a scenario for asynchronous evaluation. An empty
// PolicyID selects the default policy and an empty RequestID is generated.
func Submit(ctx context.Context, b domain.EventBus, msg *domain.ScenarioMessage) error {
	policyID, payload, err := scenarioPayload(msg)
	if err != nil {
		return err
	}
	return b.Publish(ctx, policyID, domain.TopicScenarioSubmitted, payload)
}

// SubmitAndWait submits a scenario and waits for the worker's reply. A
// reply carrying an error is returned together with an error wrapping
// ErrEvaluation.
func SubmitAndWait(ctx context.Context, b domain.EventBus, msg *domain.ScenarioMessage) (*domain.DecisionMessage, error) {
	policyID, payload, err := scenarioPayload(msg)
	if err != nil {
		return nil, err
	}

	data, err := b.Request(ctx, policyID, domain.TopicScenarioSubmitted, payload)
	if err != nil {
		return nil, err
	}

	var out domain.DecisionMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode decision message: %w", err)
	}
	if out.Error != "" {
		return &out, fmt.Errorf("%w: %s", ErrEvaluation, out.Error)
	}
	return &out, nil
}

// DecodeScenario parses a message from TopicScenarioSubmitted. The bus
// message ID stands in for a missing request ID.
func DecodeScenario(msg *domain.Message) (*domain.ScenarioMessage, error) {
	var in domain.ScenarioMessage
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode scenario message %s: %w", msg.ID, err)
	}
	if in.RequestID == "" {
		in.RequestID = msg.ID
	}
	if in.PolicyID == "" {
		in.PolicyID = msg.PolicyID
	}
	return &in, nil
}

// DecodeDecision parses a message from the decision topics.
func DecodeDecision(msg *domain.Message) (*domain.DecisionMessage, error) {
	var out domain.DecisionMessage
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode decision message %s: %w", msg.ID, err)
	}
	return &out, nil
}

// PublishDecision publishes out on TopicDecision and, for ineligible
// decisions, on TopicIneligible as well.
func PublishDecision(ctx context.Context, b domain.EventBus, out *domain.DecisionMessage) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode decision message: %w", err)
	}

	if err := b.Publish(ctx, out.PolicyID, domain.TopicDecision, payload); err != nil {
		return fmt.Errorf("publish decision: %w", err)
	}
	if out.Decision != nil && out.Decision.Status == domain.StatusIneligible {
		if err := b.Publish(ctx, out.PolicyID, domain.TopicIneligible, payload); err != nil {
			return fmt.Errorf("publish ineligible decision: %w", err)
		}
	}
	return nil
}

// Reply answers req on its reply topic. Requests without one are not
// answered.
func Reply(ctx context.Context, b domain.EventBus, req *domain.Message, out *domain.DecisionMessage) error {
	replyTo := req.Metadata[domain.MetadataReplyTo]
	if replyTo == "" {
		return nil
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return b.Publish(ctx, req.PolicyID, replyTo, payload)
}
