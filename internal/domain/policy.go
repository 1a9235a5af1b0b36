package domain

import "time"

// DefaultPolicyID names the built-in policy tables.
const DefaultPolicyID = "default"

// PolicyProfile is a stored, named variation of the built-in policy
// tables. Overlay holds YAML that is applied field by field on top of
// the defaults.
type PolicyProfile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Version     string    `json:"version"`
	Overlay     string    `json:"overlay"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
