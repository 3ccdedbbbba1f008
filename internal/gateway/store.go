package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/tessera/model"
)

// Store errors.
var (
	// ErrNotFound is returned when a dashboard does not exist for the tenant.
	ErrNotFound = errors.New("gateway: dashboard not found")
	// ErrVersionConflict is returned when a dashboard changed since the
	// version the caller based its edits on.
	ErrVersionConflict = errors.New("gateway: dashboard version conflict")
)

// StoredDashboard is a persisted dashboard with its bookkeeping.
type StoredDashboard struct {
	TenantID  string
	Dashboard model.Dashboard
	Checksum  string
	UpdatedAt time.Time
}

// DashboardStore persists dashboards per tenant.
type DashboardStore interface {
	// Get returns the stored dashboard or ErrNotFound.
	Get(ctx context.Context, tenantID, id string) (StoredDashboard, error)

	// Save stores d and returns its new version. d.Version is the version
	// the edits were based on; a different stored version fails with
	// ErrVersionConflict. Saving content equal to the stored content
	// returns the stored version without writing.
	Save(ctx context.Context, tenantID string, d model.Dashboard) (int, error)

	// Delete removes a dashboard.
	Delete(ctx context.Context, tenantID, id string) error
}

// Checksum returns the SHA-256 of a dashboard's content. The version is
// not part of the content.
func Checksum(d model.Dashboard) (string, error) {
	d.Version = 0
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("gateway: checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MemoryDashboardStore is an in-memory DashboardStore for tests and local
// use.
type MemoryDashboardStore struct {
	mu         sync.RWMutex
	dashboards map[string]StoredDashboard
	now        func() time.Time
}

var _ DashboardStore = (*MemoryDashboardStore)(nil)

// NewMemoryDashboardStore creates an empty store.
func NewMemoryDashboardStore() *MemoryDashboardStore {
	return &MemoryDashboardStore{
		dashboards: make(map[string]StoredDashboard),
		now:        time.Now,
	}
}

func storeKey(tenantID, id string) string { return tenantID + "/" + id }

// Get implements DashboardStore.
func (s *MemoryDashboardStore) Get(_ context.Context, tenantID, id string) (StoredDashboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd, ok := s.dashboards[storeKey(tenantID, id)]
	if !ok {
		return StoredDashboard{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sd.Dashboard = sd.Dashboard.Clone()
	return sd, nil
}

// Save implements DashboardStore.
func (s *MemoryDashboardStore) Save(_ context.Context, tenantID string, d model.Dashboard) (int, error) {
	sum, err := Checksum(d)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(tenantID, d.Ref.ID)
	cur, exists := s.dashboards[key]
	if exists && cur.Checksum == sum {
		return cur.Dashboard.Version, nil
	}
	if exists && cur.Dashboard.Version != d.Version {
		return 0, fmt.Errorf("%w: %s is at version %d, edits are based on %d", ErrVersionConflict, d.Ref.ID, cur.Dashboard.Version, d.Version)
	}

	d = d.Clone()
	d.Version = cur.Dashboard.Version + 1
	s.dashboards[key] = StoredDashboard{
		TenantID:  tenantID,
		Dashboard: d,
		Checksum:  sum,
		UpdatedAt: s.now(),
	}
	return d.Version, nil
}

// Delete implements DashboardStore.
func (s *MemoryDashboardStore) Delete(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(tenantID, id)
	if _, ok := s.dashboards[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.dashboards, key)
	return nil
}

// Len returns the number of stored dashboards. For testing.
func (s *MemoryDashboardStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dashboards)
}
