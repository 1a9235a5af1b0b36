// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/underwrite/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// openTimeout bounds the initial connection and migration.
const openTimeout = 10 * time.Second

// New opens the store selected by cfg.Driver and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver != "sqlite" || cfg.SQLitePath != MemoryPath {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SavePolicyProfile inserts or replaces a policy profile.
func (r *SQLRepository) SavePolicyProfile(ctx context.Context, profile *domain.PolicyProfile) error {
	if profile == nil || profile.ID == "" {
		return fmt.Errorf("%w: profile id is required", ErrInvalidInput)
	}
	if profile.Version == "" {
		return fmt.Errorf("%w: profile version is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO policy_profiles (
			id, name, description, version, overlay, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			overlay = excluded.overlay,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		profile.ID, profile.Name, profile.Description, profile.Version,
		profile.Overlay, boolInt(profile.Enabled), now, now,
	)
	if err != nil {
		return fmt.Errorf("save policy profile %s: %w", profile.ID, err)
	}
	return nil
}

// GetPolicyProfile retrieves a policy profile by ID, enabled or not.
func (r *SQLRepository) GetPolicyProfile(ctx context.Context, id string) (*domain.PolicyProfile, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: profile id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, name, description, version, overlay, enabled, created_at, updated_at
		FROM policy_profiles
		WHERE id = ?
	`

	p, err := scanProfile(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPolicyProfiles retrieves every stored policy profile ordered by ID.
func (r *SQLRepository) ListPolicyProfiles(ctx context.Context) ([]*domain.PolicyProfile, error) {
	query := `
		SELECT id, name, description, version, overlay, enabled, created_at, updated_at
		FROM policy_profiles
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*domain.PolicyProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}

	return profiles, rows.Err()
}

// DeletePolicyProfile soft-deletes a profile by setting enabled = 0.
func (r *SQLRepository) DeletePolicyProfile(ctx context.Context, id string) error {
	return r.disable(ctx, "policy_profiles", id)
}

// SaveOverlay inserts or replaces a lender overlay.
func (r *SQLRepository) SaveOverlay(ctx context.Context, overlay *domain.OverlayConfig) error {
	if overlay == nil || overlay.ID == "" {
		return fmt.Errorf("%w: overlay id is required", ErrInvalidInput)
	}
	if overlay.Expression == "" {
		return fmt.Errorf("%w: overlay expression is required", ErrInvalidInput)
	}

	bands, err := json.Marshal(overlay.Bands)
	if err != nil {
		return fmt.Errorf("encode overlay bands: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO overlays (
			id, name, description, version, expression, bands, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			bands = excluded.bands,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		overlay.ID, overlay.Name, overlay.Description, overlay.Version,
		overlay.Expression, string(bands), boolInt(overlay.Enabled), now, now,
	)
	if err != nil {
		return fmt.Errorf("save overlay %s: %w", overlay.ID, err)
	}
	return nil
}

// GetOverlay retrieves an overlay by ID, enabled or not.
func (r *SQLRepository) GetOverlay(ctx context.Context, id string) (*domain.OverlayConfig, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: overlay id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, name, description, version, expression, bands, enabled
		FROM overlays
		WHERE id = ?
	`

	o, err := scanOverlay(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListOverlays retrieves every stored overlay ordered by ID.
func (r *SQLRepository) ListOverlays(ctx context.Context) ([]*domain.OverlayConfig, error) {
	query := `
		SELECT id, name, description, version, expression, bands, enabled
		FROM overlays
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overlays []*domain.OverlayConfig
	for rows.Next() {
		o, err := scanOverlay(rows)
		if err != nil {
			return nil, err
		}
		overlays = append(overlays, o)
	}

	return overlays, rows.Err()
}

// DeleteOverlay soft-deletes an overlay by setting enabled = 0.
func (r *SQLRepository) DeleteOverlay(ctx context.Context, id string) error {
	return r.disable(ctx, "overlays", id)
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// disable soft-deletes a row. table is always a package constant.
func (r *SQLRepository) disable(ctx context.Context, table, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET enabled = 0, updated_at = ?
		WHERE id = ?
	`, table)

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*domain.PolicyProfile, error) {
	var p domain.PolicyProfile
	var description sql.NullString
	var enabled int

	if err := row.Scan(
		&p.ID, &p.Name, &description, &p.Version, &p.Overlay,
		&enabled, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.Description = description.String
	p.Enabled = enabled == 1
	return &p, nil
}

func scanOverlay(row scanner) (*domain.OverlayConfig, error) {
	var o domain.OverlayConfig
	var description sql.NullString
	var bands string
	var enabled int

	if err := row.Scan(
		&o.ID, &o.Name, &description, &o.Version, &o.Expression, &bands, &enabled,
	); err != nil {
		return nil, err
	}

	o.Description = description.String
	o.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(bands), &o.Bands); err != nil {
		return nil, fmt.Errorf("failed to parse overlay bands for %s: %w", o.ID, err)
	}
	return &o, nil
}

// rebind adapts ? placeholders to the driver.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	return numberPlaceholders(query)
}
