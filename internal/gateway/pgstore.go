package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/tessera/model"
)

const dashboardsSchema = `
	CREATE TABLE IF NOT EXISTS dashboards (
		tenant_id  TEXT        NOT NULL,
		id         TEXT        NOT NULL,
		version    INTEGER     NOT NULL,
		checksum   TEXT        NOT NULL,
		body       JSONB       NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`

// PgDashboardStore is a PostgreSQL-backed DashboardStore using pgx/v5.
type PgDashboardStore struct {
	pool *pgxpool.Pool
}

var _ DashboardStore = (*PgDashboardStore)(nil)

// NewPgDashboardStore creates a new PostgreSQL dashboard store.
func NewPgDashboardStore(pool *pgxpool.Pool) *PgDashboardStore {
	return &PgDashboardStore{pool: pool}
}

// HealthCheck pings the database.
func (s *PgDashboardStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the dashboards table if it does not exist.
func (s *PgDashboardStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, dashboardsSchema); err != nil {
		return fmt.Errorf("create dashboards table: %w", err)
	}
	return nil
}

// Get retrieves a dashboard by id, scoped to tenant.
func (s *PgDashboardStore) Get(ctx context.Context, tenantID, id string) (StoredDashboard, error) {
	sd := StoredDashboard{TenantID: tenantID}
	var body []byte
	var version int

	err := s.pool.QueryRow(ctx, `
		SELECT version, checksum, body, updated_at
		FROM dashboards
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&version, &sd.Checksum, &body, &sd.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredDashboard{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return StoredDashboard{}, fmt.Errorf("query dashboard: %w", err)
	}

	if err := json.Unmarshal(body, &sd.Dashboard); err != nil {
		return StoredDashboard{}, fmt.Errorf("unmarshal dashboard %s: %w", id, err)
	}
	sd.Dashboard.Version = version
	return sd, nil
}

// Save persists d with optimistic locking on the stored version.
func (s *PgDashboardStore) Save(ctx context.Context, tenantID string, d model.Dashboard) (int, error) {
	sum, err := Checksum(d)
	if err != nil {
		return 0, err
	}
	base := d.Version
	d.Version = 0
	body, err := json.Marshal(d)
	if err != nil {
		return 0, fmt.Errorf("marshal dashboard: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var curVersion int
	var curChecksum string
	err = tx.QueryRow(ctx, `
		SELECT version, checksum FROM dashboards
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE`,
		tenantID, d.Ref.ID,
	).Scan(&curVersion, &curChecksum)

	now := time.Now().UTC()
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO dashboards (tenant_id, id, version, checksum, body, updated_at)
			VALUES ($1, $2, 1, $3, $4, $5)
			ON CONFLICT (tenant_id, id) DO NOTHING`,
			tenantID, d.Ref.ID, sum, body, now,
		)
		if err != nil {
			return 0, fmt.Errorf("insert dashboard: %w", err)
		}
		curVersion = 0
	case err != nil:
		return 0, fmt.Errorf("lock dashboard: %w", err)
	case curChecksum == sum:
		return curVersion, nil
	case curVersion != base:
		return 0, fmt.Errorf("%w: %s is at version %d, edits are based on %d", ErrVersionConflict, d.Ref.ID, curVersion, base)
	default:
		_, err = tx.Exec(ctx, `
			UPDATE dashboards SET
				version = $1,
				checksum = $2,
				body = $3,
				updated_at = $4
			WHERE tenant_id = $5 AND id = $6 AND version = $7`,
			curVersion+1, sum, body, now,
			tenantID, d.Ref.ID, curVersion,
		)
		if err != nil {
			return 0, fmt.Errorf("update dashboard: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit dashboard: %w", err)
	}
	return curVersion + 1, nil
}

// Delete removes a dashboard.
func (s *PgDashboardStore) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM dashboards
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("delete dashboard: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
