// Package pipeline runs a complete evaluation: policy lookup, the rule
// pipeline, lender overlays, the decision and the decision cache.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/underwrite/internal/cache"
	"github.com/opensource-finance/underwrite/internal/decision"
	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/overlay"
	"github.com/opensource-finance/underwrite/internal/policy"
	"github.com/opensource-finance/underwrite/internal/underwriting"
)

var tracer = otel.Tracer("underwrite-pipeline")

type traceKey struct{}

// WithTraceID returns a context carrying the trace ID stamped on decisions.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID returns the trace ID carried by ctx, or "" if none.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Options configures a Service. Every field is optional.
type Options struct {
	Overlays     *overlay.Engine
	Processor    *decision.Processor
	Cache        domain.Cache
	CacheTTL     time.Duration
	BatchWorkers int
}

// Service evaluates scenarios against registered policies.
type Service struct {
	registry  *policy.Registry
	overlays  *overlay.Engine
	processor *decision.Processor
	cache     domain.Cache
	cacheTTL  time.Duration
	workers   int
}

// NewService creates an evaluation service.
func NewService(registry *policy.Registry, opts Options) *Service {
	if registry == nil {
		registry = policy.NewRegistry(nil, nil)
	}
	if opts.Processor == nil {
		opts.Processor = decision.NewProcessor()
	}
	if opts.BatchWorkers <= 0 {
		opts.BatchWorkers = 8
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = domain.DefaultConfig().Cache.DecisionTTL
	}
	return &Service{
		registry:  registry,
		overlays:  opts.Overlays,
		processor: opts.Processor,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		workers:   opts.BatchWorkers,
	}
}

// Registry returns the policy registry the service resolves IDs against.
func (s *Service) Registry() *policy.Registry {
	return s.registry
}

// Overlays returns the overlay engine, or nil if overlays are disabled.
func (s *Service) Overlays() *overlay.Engine {
	return s.overlays
}

// Evaluate runs one scenario under the policy registered as policyID ("" is
// the base policy). Malformed scenarios return an error wrapping
// domain.ErrInvalidScenario; unknown policies wrap policy.ErrUnknownPolicy.
func (s *Service) Evaluate(ctx context.Context, policyID string, sc *domain.Scenario) (*domain.Decision, error) {
	start := time.Now()

	if sc == nil {
		return nil, fmt.Errorf("%w: scenario is required", domain.ErrInvalidScenario)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	p, err := s.registry.Get(policyID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "underwrite.evaluate",
		trace.WithAttributes(
			attribute.String("policy.id", p.ID),
			attribute.String("policy.version", p.Version),
		),
	)
	defer span.End()

	traceID := TraceID(ctx)
	if traceID == "" {
		if span.SpanContext().TraceID().IsValid() {
			traceID = span.SpanContext().TraceID().String()
		} else {
			traceID = uuid.New().String()
		}
	}

	var set *overlay.Set
	var overlaysFingerprint string
	if s.overlays != nil {
		set = s.overlays.Snapshot()
		overlaysFingerprint = set.Fingerprint()
	}

	var key string
	if s.cache != nil {
		key, err = cache.DecisionKey(p.ID, p.Fingerprint(), overlaysFingerprint, sc)
		if err != nil {
			slog.Warn("decision key failed, skipping cache", "error", err, "policy_id", p.ID)
		}
	}

	if key != "" {
		cached, err := s.cache.GetDecision(ctx, key)
		if err != nil {
			slog.Warn("decision cache read failed", "error", err, "policy_id", p.ID)
		}
		if cached != nil {
			cached.Metadata.Cached = true
			cached.Metadata.TraceID = traceID
			cached.Metadata.TotalMs = time.Since(start).Milliseconds()
			span.SetAttributes(attribute.Bool("cache.hit", true), attribute.String("decision.status", cached.Status))
			return cached, nil
		}
	}

	rulesStart := time.Now()
	result := underwriting.PriceScenario(sc, p)
	rulesMs := time.Since(rulesStart).Milliseconds()

	var overlays []domain.OverlayResult
	var overlaysMs int64
	if set != nil && set.Len() > 0 {
		overlaysStart := time.Now()
		overlays, err = set.Evaluate(ctx, overlay.NewInput(sc, result))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "overlay evaluation failed")
			return nil, fmt.Errorf("overlay evaluation: %w", err)
		}
		overlaysMs = time.Since(overlaysStart).Milliseconds()
	}

	d := s.processor.Process(ctx, &decision.Input{
		PolicyID:      p.ID,
		PolicyVersion: p.Version,
		TraceID:       traceID,
		Result:        result,
		Overlays:      overlays,
		RulesMs:       rulesMs,
		OverlaysMs:    overlaysMs,
		StartTime:     start,
	})

	if key != "" {
		if err := s.cache.SetDecision(ctx, key, d, s.cacheTTL); err != nil {
			slog.Warn("decision cache write failed", "error", err, "policy_id", p.ID)
		}
	}

	span.SetAttributes(
		attribute.Bool("cache.hit", false),
		attribute.String("decision.status", d.Status),
		attribute.Bool("decision.eligible", d.Eligible),
	)

	return d, nil
}

// BatchItem is the outcome of one scenario in a batch. Exactly one of
// Decision and Err is set.
type BatchItem struct {
	Decision *domain.Decision
	Err      error
}

// EvaluateBatch evaluates scenarios in parallel with bounded workers. Items
// are returned in input order and a failed scenario does not stop the rest.
// The only error returned is cancellation of ctx.
func (s *Service) EvaluateBatch(ctx context.Context, policyID string, scenarios []*domain.Scenario) ([]BatchItem, error) {
	if _, err := s.registry.Get(policyID); err != nil {
		return nil, err
	}

	items := make([]BatchItem, len(scenarios))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for i, sc := range scenarios {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := s.Evaluate(gctx, policyID, sc)
			items[i] = BatchItem{Decision: d, Err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}
