package domain

// OverlayConfig is a lender overlay: a CEL expression over evaluation
// outputs whose score is mapped to an outcome by bands.
type OverlayConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression returning bool, int or double
	Expression string `json:"expression"`

	Bands   []OverlayBand `json:"bands"`
	Enabled bool          `json:"enabled"`
}

// OverlayBand maps a score range to an outcome.
type OverlayBand struct {
	LowerLimit *float64 `json:"lower_limit,omitempty"`
	UpperLimit *float64 `json:"upper_limit,omitempty"`
	Outcome    string   `json:"outcome"` // ".pass", ".review", ".fail"
	Reason     string   `json:"reason"`
}

// OverlayResult is the output of one overlay evaluation.
type OverlayResult struct {
	OverlayID string  `json:"overlay_id"`
	Outcome   string  `json:"outcome"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
	ProcessMs int64   `json:"process_ms"`
}

// Overlay outcomes
const (
	OutcomePass   = ".pass"
	OutcomeFail   = ".fail"
	OutcomeReview = ".review"
	OutcomeError  = ".err"
)
