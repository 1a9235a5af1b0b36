// Package overlay evaluates lender overlays: CEL expressions over the
// outputs of an underwriting evaluation, scored into outcome bands.
// Overlays are advisory and never change rule eligibility.
package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// Engine is the CEL-based overlay evaluation engine.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*CompiledOverlay
	source     Source
	maxWorkers int

	// current is rebuilt whenever compiled changes.
	current *Set
}

// CompiledOverlay holds a pre-compiled CEL program.
type CompiledOverlay struct {
	Config  *domain.OverlayConfig
	Program cel.Program
}

// Source lists stored overlays.
type Source interface {
	ListOverlays(ctx context.Context) ([]*domain.OverlayConfig, error)
}

// NewEngine creates an overlay engine. source may be nil when overlays are
// only loaded directly.
func NewEngine(source Source, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("ltv", cel.DoubleType),
		cel.Variable("cltv", cel.DoubleType),
		cel.Variable("hcltv", cel.DoubleType),
		cel.Variable("dti", cel.DoubleType),
		cel.Variable("fedti", cel.DoubleType),
		cel.Variable("credit_score", cel.IntType),
		cel.Variable("loan_amount", cel.DoubleType),
		cel.Variable("occupancy", cel.StringType),
		cel.Variable("purpose", cel.StringType),
		cel.Variable("property_type", cel.StringType),
		cel.Variable("units", cel.IntType),
		cel.Variable("llpa_total", cel.DoubleType),
		cel.Variable("net_price", cel.DoubleType),
		cel.Variable("eligible", cel.BoolType),
		cel.Variable("state", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("flags", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:        env,
		compiled:   make(map[string]*CompiledOverlay),
		source:     source,
		maxWorkers: maxWorkers,
	}
	e.rebuild()
	return e, nil
}

// Validate compiles an overlay without loading it.
func (e *Engine) Validate(cfg *domain.OverlayConfig) error {
	if cfg == nil {
		return fmt.Errorf("overlay config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compile(cfg)
	return err
}

// Load compiles and loads one overlay, replacing any with the same ID.
func (e *Engine) Load(cfg *domain.OverlayConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compile(cfg)
	if err != nil {
		return err
	}
	e.compiled[cfg.ID] = compiled
	e.rebuild()
	return nil
}

// Replace swaps the loaded set for the enabled overlays in configs. Nothing
// changes if any overlay fails to compile.
func (e *Engine) Replace(configs []*domain.OverlayConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*CompiledOverlay)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compile(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.compiled = next
	e.rebuild()
	return nil
}

// Reload replaces the loaded overlays with the enabled ones from the source
// and returns how many are loaded.
func (e *Engine) Reload(ctx context.Context) (int, error) {
	if e.source == nil {
		return e.Count(), nil
	}

	configs, err := e.source.ListOverlays(ctx)
	if err != nil {
		return 0, fmt.Errorf("list overlays: %w", err)
	}
	if err := e.Replace(configs); err != nil {
		return 0, err
	}

	n := e.Count()
	slog.Info("overlays reloaded", "count", n)
	return n, nil
}

// Input is the set of evaluation outputs exposed to overlay expressions.
type Input struct {
	LTV          float64
	CLTV         float64
	HCLTV        float64
	DTI          float64
	FEDTI        float64
	CreditScore  int
	LoanAmount   float64
	Occupancy    string
	Purpose      string
	PropertyType string
	Units        int
	LLPATotal    float64
	NetPrice     float64
	Eligible     bool
	State        string
	Channel      string
	Flags        []string
}

// NewInput gathers overlay inputs from a scenario and its engine result.
func NewInput(s *domain.Scenario, r *domain.EngineResult) *Input {
	m := r.CalculatedMetrics
	return &Input{
		LTV:          m.LTV,
		CLTV:         m.CLTV,
		HCLTV:        m.HCLTV,
		DTI:          m.DTI,
		FEDTI:        m.FEDTI,
		CreditScore:  s.Borrower.CreditScore,
		LoanAmount:   s.Loan.LoanAmount,
		Occupancy:    s.Property.Occupancy,
		Purpose:      s.Loan.Purpose,
		PropertyType: s.Property.PropertyType,
		Units:        s.Property.Units,
		LLPATotal:    r.Pricing.LLPATotalBps,
		NetPrice:     r.Pricing.NetPrice,
		Eligible:     r.EligibilityOverall,
		State:        s.Property.State,
		Channel:      m.Channel,
		Flags:        r.Flags.Names(),
	}
}

func (in *Input) activation() map[string]any {
	flags := in.Flags
	if flags == nil {
		flags = []string{}
	}
	return map[string]any{
		"ltv":           in.LTV,
		"cltv":          in.CLTV,
		"hcltv":         in.HCLTV,
		"dti":           in.DTI,
		"fedti":         in.FEDTI,
		"credit_score":  int64(in.CreditScore),
		"loan_amount":   in.LoanAmount,
		"occupancy":     in.Occupancy,
		"purpose":       in.Purpose,
		"property_type": in.PropertyType,
		"units":         int64(in.Units),
		"llpa_total":    in.LLPATotal,
		"net_price":     in.NetPrice,
		"eligible":      in.Eligible,
		"state":         in.State,
		"channel":       in.Channel,
		"flags":         flags,
	}
}

// Set is an immutable snapshot of the loaded overlays, ordered by ID.
type Set struct {
	overlays    []*CompiledOverlay
	fingerprint string
	maxWorkers  int
}

// Snapshot returns the overlays loaded now. Later loads do not affect it.
func (e *Engine) Snapshot() *Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// EvaluateAll evaluates every loaded overlay in parallel. Results are
// ordered by overlay ID.
func (e *Engine) EvaluateAll(ctx context.Context, input *Input) ([]domain.OverlayResult, error) {
	return e.Snapshot().Evaluate(ctx, input)
}

// Len returns the number of overlays in the set.
func (s *Set) Len() int {
	return len(s.overlays)
}

// Fingerprint returns a SHA-256 over the overlay configurations in the
// set. Sets with equal configurations share a fingerprint.
func (s *Set) Fingerprint() string {
	return s.fingerprint
}

// Evaluate runs every overlay in the set with bounded parallelism.
func (s *Set) Evaluate(ctx context.Context, input *Input) ([]domain.OverlayResult, error) {
	if len(s.overlays) == 0 {
		return nil, nil
	}

	activation := input.activation()

	results := make([]domain.OverlayResult, len(s.overlays))
	var wg sync.WaitGroup

	sem := make(chan struct{}, s.maxWorkers)

	for i, o := range s.overlays {
		wg.Add(1)
		go func(idx int, o *CompiledOverlay) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = evaluate(o, activation)
		}(i, o)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func evaluate(o *CompiledOverlay, activation map[string]any) domain.OverlayResult {
	start := time.Now()

	result := domain.OverlayResult{OverlayID: o.Config.ID}

	out, _, err := o.Program.Eval(activation)
	if err != nil {
		result.Outcome = domain.OutcomeError
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	result.Score = toScore(out)
	result.Outcome, result.Reason = matchBand(result.Score, o.Config.Bands)
	result.ProcessMs = time.Since(start).Milliseconds()
	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand returns the first band with lower <= score < upper. A nil
// lower is zero and a nil upper is unbounded.
func matchBand(score float64, bands []domain.OverlayBand) (string, string) {
	for _, band := range bands {
		lower := 0.0
		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}
		if score < lower {
			continue
		}
		if band.UpperLimit == nil || score < *band.UpperLimit {
			return band.Outcome, band.Reason
		}
	}

	return domain.OutcomePass, "no matching band"
}

// Count returns the number of loaded overlays.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Loaded returns the loaded overlay configurations ordered by ID.
func (e *Engine) Loaded() []*domain.OverlayConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	configs := make([]*domain.OverlayConfig, 0, len(e.compiled))
	for _, o := range e.compiled {
		configs = append(configs, o.Config)
	}
	slices.SortFunc(configs, func(a, b *domain.OverlayConfig) int {
		return strings.Compare(a.ID, b.ID)
	})
	return configs
}

// Close unloads every overlay.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledOverlay)
	e.rebuild()
	return nil
}

// Fingerprint returns the fingerprint of the loaded set. It changes
// whenever Load, Replace, Reload or Close changes what EvaluateAll runs.
func (e *Engine) Fingerprint() string {
	return e.Snapshot().Fingerprint()
}

// rebuild must be called with mu held.
func (e *Engine) rebuild() {
	overlays := make([]*CompiledOverlay, 0, len(e.compiled))
	for _, o := range e.compiled {
		overlays = append(overlays, o)
	}
	slices.SortFunc(overlays, func(a, b *CompiledOverlay) int {
		return strings.Compare(a.Config.ID, b.Config.ID)
	})

	h := sha256.New()
	for _, o := range overlays {
		data, err := json.Marshal(o.Config)
		if err != nil {
			data = []byte(o.Config.ID)
		}
		h.Write(data)
		h.Write([]byte{'\n'})
	}

	e.current = &Set{
		overlays:    overlays,
		fingerprint: hex.EncodeToString(h.Sum(nil)),
		maxWorkers:  e.maxWorkers,
	}
}

func (e *Engine) compile(cfg *domain.OverlayConfig) (*CompiledOverlay, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("overlay id is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile overlay %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("overlay %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for overlay %s: %w", cfg.ID, err)
	}

	return &CompiledOverlay{
		Config:  cfg,
		Program: program,
	}, nil
}
