// Package filestore resolves agent identifiers to provisioned retrieval
// stores at the generative provider.
//
// Handles are created lazily on first access: cache → database → provision.
// The provision branch runs under a per-agent single-flight group so two
// near-simultaneous first accesses cannot race to create two external
// stores for the same agent.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/singleflight"
)

// Store is the handle mapping an agent to its external retrieval store.
type Store struct {
	ID          uuid.UUID `json:"id"`
	AgentID     string    `json:"agentId"`
	StoreID     string    `json:"storeId"` // external provider identifier
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const storeCols = `id, agent_id, store_id, name, description, created_at`

// resolveTimeout bounds a lookup-or-create flight once it is detached from
// the triggering request's context.
const resolveTimeout = 30 * time.Second

// Manager resolves, provisions, and deletes retrieval store handles.
//
// Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	db     querier
	prov   Provisioner
	cache  *cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(db querier, prov Provisioner, logger *slog.Logger) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if prov == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:     db,
		prov:   prov,
		cache:  newCache(),
		logger: logger,
	}, nil
}

// Resolve returns the store handle for agentID, creating one on first
// access. Idempotent: repeated calls return an equivalent handle without
// provisioning duplicate external resources. Failures are reported as
// *ResolutionError.
func (m *Manager) Resolve(ctx context.Context, agentID string) (*Store, error) {
	if cached := m.cache.get(agentID); cached != nil {
		m.logger.Debug("store handle cache hit", "agent_id", agentID, "store_id", cached.StoreID)
		return cached, nil
	}

	// Collapse concurrent first accesses for the same agent into one
	// lookup-or-create. singleflight keys on agentID, so distinct agents
	// resolve in parallel. The flight runs on a detached context with its
	// own timeout: coalesced waiters must not fail because the first
	// caller's request was cancelled mid-provision.
	v, err, _ := m.group.Do(agentID, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return m.lookupOrCreate(flightCtx, agentID)
	})
	if err != nil {
		return nil, &ResolutionError{AgentID: agentID, Err: err}
	}
	return v.(*Store), nil
}

// lookupOrCreate checks the database and provisions a new external store
// when no handle exists.
func (m *Manager) lookupOrCreate(ctx context.Context, agentID string) (*Store, error) {
	// Re-check the cache: a concurrent flight may have populated it while
	// this caller was queued.
	if cached := m.cache.get(agentID); cached != nil {
		return cached, nil
	}

	store, err := m.getByAgentID(ctx, agentID)
	if err == nil {
		m.cache.set(store)
		m.logger.Debug("store handle loaded from database", "agent_id", agentID, "store_id", store.StoreID)
		return store, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	store, err = m.create(ctx, agentID)
	if err != nil {
		return nil, err
	}
	m.cache.set(store)
	return store, nil
}

// create provisions the external store and persists the handle.
// Store names are derived deterministically from the agent identifier.
func (m *Manager) create(ctx context.Context, agentID string) (*Store, error) {
	name := agentID + "-store"
	description := fmt.Sprintf("Retrieval store for agent %s", agentID)

	externalID, err := m.prov.CreateStore(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("provisioning: %w", err)
	}

	row := m.db.QueryRow(ctx,
		`INSERT INTO file_search_stores (agent_id, store_id, name, description)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+storeCols,
		agentID, externalID, name, description)

	store, err := scanStore(row)
	if err != nil {
		return nil, fmt.Errorf("persisting handle: %w", err)
	}

	m.logger.Info("provisioned retrieval store",
		"agent_id", agentID,
		"store_id", externalID,
	)
	return store, nil
}

// getByAgentID loads a handle from the database.
func (m *Manager) getByAgentID(ctx context.Context, agentID string) (*Store, error) {
	row := m.db.QueryRow(ctx,
		`SELECT `+storeCols+`
		 FROM file_search_stores
		 WHERE agent_id = $1`,
		agentID)

	store, err := scanStore(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying handle: %w", err)
	}
	return store, nil
}

// List returns all known store handles.
func (m *Manager) List(ctx context.Context) ([]*Store, error) {
	rows, err := m.db.Query(ctx, `SELECT `+storeCols+` FROM file_search_stores ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing stores: %w", err)
	}
	defer rows.Close()

	var stores []*Store
	for rows.Next() {
		store, err := scanStore(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning store: %w", err)
		}
		stores = append(stores, store)
	}
	return stores, rows.Err()
}

// Delete removes the external store and its handle. The cache entry for the
// owning agent is invalidated.
func (m *Manager) Delete(ctx context.Context, externalID string) error {
	if err := m.prov.DeleteStore(ctx, externalID); err != nil {
		return fmt.Errorf("deleting external store: %w", err)
	}

	var agentID string
	row := m.db.QueryRow(ctx,
		`DELETE FROM file_search_stores WHERE store_id = $1 RETURNING agent_id`,
		externalID)
	if err := row.Scan(&agentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store %q: %w", externalID, ErrNotFound)
		}
		return fmt.Errorf("deleting handle: %w", err)
	}

	m.cache.remove(agentID)
	m.logger.Info("deleted retrieval store", "agent_id", agentID, "store_id", externalID)
	return nil
}

func scanStore(row pgx.Row) (*Store, error) {
	var s Store
	var description *string

	if err := row.Scan(&s.ID, &s.AgentID, &s.StoreID, &s.Name, &description, &s.CreatedAt); err != nil {
		return nil, err
	}
	if description != nil {
		s.Description = *description
	}
	return &s, nil
}
