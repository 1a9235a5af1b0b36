// Package worker evaluates scenarios submitted over the event bus.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/opensource-finance/underwrite/internal/bus"
	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/pipeline"
)

// Worker consumes submitted scenarios from the EventBus and publishes
// decisions. It holds one subscription per policy.
type Worker struct {
	bus     domain.EventBus
	service *pipeline.Service

	mu            sync.Mutex
	subscriptions map[string]domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// PolicyIDs lists the policies to consume scenarios for. Empty means
	// the base policy only.
	PolicyIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, service *pipeline.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:           bus,
		service:       service,
		subscriptions: make(map[string]domain.Subscription),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start subscribes to the submitted topic for each configured policy.
func (w *Worker) Start(cfg Config) error {
	policyIDs := cfg.PolicyIDs
	if len(policyIDs) == 0 {
		policyIDs = []string{domain.DefaultPolicyID}
	}

	started := 0
	for _, policyID := range policyIDs {
		if err := w.startPolicyWorker(policyID); err != nil {
			slog.Error("failed to start worker for policy",
				"policy_id", policyID,
				"error", err,
			)
			continue
		}
		started++
	}

	if started == 0 {
		return fmt.Errorf("no policy workers started")
	}

	slog.Info("workers started",
		"policy_count", started,
	)

	return nil
}

// Sync makes the worker consume exactly the given policies: it subscribes
// to new IDs and unsubscribes from IDs no longer listed. It is used as a
// registry change hook so profiles created or reloaded at runtime are
// served over the bus too.
func (w *Worker) Sync(policyIDs []string) {
	if w.ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	var stale []domain.Subscription
	for id, sub := range w.subscriptions {
		if !slices.Contains(policyIDs, id) {
			stale = append(stale, sub)
			delete(w.subscriptions, id)
		}
	}
	w.mu.Unlock()

	for _, sub := range stale {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}

	for _, id := range policyIDs {
		if err := w.startPolicyWorker(id); err != nil {
			slog.Error("failed to start worker for policy",
				"policy_id", id,
				"error", err,
			)
		}
	}
}

// startPolicyWorker subscribes for policyID unless already subscribed.
func (w *Worker) startPolicyWorker(policyID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.subscriptions[policyID]; ok {
		return nil
	}

	sub, err := w.bus.Subscribe(w.ctx, policyID, domain.TopicScenarioSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processScenario(ctx, policyID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions[policyID] = sub

	slog.Info("policy worker started",
		"policy_id", policyID,
		"topic", domain.TopicScenarioSubmitted,
	)

	return nil
}

// processScenario evaluates one submitted scenario and publishes the
// outcome. Malformed messages and invalid scenarios are answered on the
// reply topic only.
func (w *Worker) processScenario(ctx context.Context, policyID string, msg *domain.Message) error {
	start := time.Now()

	in, err := bus.DecodeScenario(msg)
	if err != nil {
		slog.Error("failed to parse scenario message",
			"message_id", msg.ID,
			"error", err,
		)
		w.reply(ctx, msg, &domain.DecisionMessage{
			RequestID: msg.ID,
			PolicyID:  policyID,
			Error:     fmt.Sprintf("invalid message: %v", err),
		})
		return err
	}

	traceID := in.TraceID
	if traceID == "" {
		traceID = in.RequestID
	}

	slog.Debug("processing scenario",
		"request_id", in.RequestID,
		"policy_id", policyID,
		"trace_id", traceID,
	)

	d, err := w.service.Evaluate(pipeline.WithTraceID(ctx, traceID), policyID, in.Scenario)
	if err != nil {
		slog.Error("scenario evaluation failed",
			"request_id", in.RequestID,
			"policy_id", policyID,
			"error", err,
		)
		w.reply(ctx, msg, &domain.DecisionMessage{
			RequestID: in.RequestID,
			PolicyID:  policyID,
			Error:     err.Error(),
		})
		return err
	}

	out := &domain.DecisionMessage{
		RequestID: in.RequestID,
		PolicyID:  policyID,
		Decision:  d,
	}
	if err := bus.PublishDecision(ctx, w.bus, out); err != nil {
		slog.Error("failed to publish decision",
			"request_id", in.RequestID,
			"error", err,
		)
	}
	w.reply(ctx, msg, out)

	slog.Info("scenario processed",
		"request_id", in.RequestID,
		"policy_id", policyID,
		"status", d.Status,
		"net_price", d.Result.Pricing.NetPrice,
		"cached", d.Metadata.Cached,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) reply(ctx context.Context, req *domain.Message, out *domain.DecisionMessage) {
	if err := bus.Reply(ctx, w.bus, req, out); err != nil {
		slog.Error("failed to publish reply",
			"request_id", out.RequestID,
			"error", err,
		)
	}
}

// Stop unsubscribes every policy worker. A stopped worker ignores Sync.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = make(map[string]domain.Subscription)

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	PolicyIDs         []string `json:"policyIds"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics. Policies are sorted.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.subscriptions))
	for id := range w.subscriptions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	topics := make([]string, len(ids))
	for i, id := range ids {
		topics[i] = w.subscriptions[id].Topic()
	}
	return Stats{
		SubscriptionCount: len(ids),
		PolicyIDs:         ids,
		Topics:            topics,
	}
}
