package multitenantengine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/querytree/rules"
)

// ErrTenantNotFound indicates no tenant has the requested ID
var ErrTenantNotFound = errors.New("tenant not found")

// Schema is a tenant's business object description: property name to property type
type Schema = rules.PropertyTypeMap

// Tenant is a registered tenant
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TenantCatalog is the live catalog serving one tenant's schema version
type TenantCatalog struct {
	TenantID string
	Schema   Schema
	Version  int
	Catalog  *rules.Catalog
}

// StoreFactory returns the query store for a tenant
type StoreFactory func(tenantID string) rules.QueryStore

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithStoreFactory replaces the default PostgreSQL query stores
func WithStoreFactory(factory StoreFactory) ManagerOption {
	return func(m *Manager) {
		m.newStore = factory
	}
}

// WithEngineOptions applies opts to every tenant engine
func WithEngineOptions(opts ...rules.Option) ManagerOption {
	return func(m *Manager) {
		m.engineOpts = append(m.engineOpts, opts...)
	}
}

// WithCacheConfig configures each tenant's active query cache
func WithCacheConfig(config rules.CacheConfig) ManagerOption {
	return func(m *Manager) {
		m.cacheConfig = config
	}
}

// WithMetrics records evaluations of every tenant with recorder
func WithMetrics(recorder rules.MetricsRecorder) ManagerOption {
	return func(m *Manager) {
		m.metrics = recorder
	}
}

// WithLogger sets the logger tenant engines trace to
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager owns one catalog per tenant. With a nil database it keeps tenants,
// schemas and queries in memory.
type Manager struct {
	catalogs    map[string]*TenantCatalog
	tenants     map[string]Tenant // used only without a database
	db          *sql.DB
	newStore    StoreFactory
	engineOpts  []rules.Option
	cacheConfig rules.CacheConfig
	metrics     rules.MetricsRecorder
	logger      *slog.Logger
	mu          sync.RWMutex
}

// NewManager creates a manager backed by db
func NewManager(db *sql.DB, opts ...ManagerOption) *Manager {
	m := &Manager{
		catalogs:    make(map[string]*TenantCatalog),
		tenants:     make(map[string]Tenant),
		db:          db,
		cacheConfig: rules.DefaultCacheConfig(),
		metrics:     rules.NoopMetrics{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.newStore == nil {
		if db != nil {
			m.newStore = func(tenantID string) rules.QueryStore {
				return rules.NewPostgresQueryStore(db, tenantID)
			}
		} else {
			stores := map[string]rules.QueryStore{}
			var storesMu sync.Mutex
			m.newStore = func(tenantID string) rules.QueryStore {
				storesMu.Lock()
				defer storesMu.Unlock()
				if s, ok := stores[tenantID]; ok {
					return s
				}
				s := rules.NewInMemoryQueryStore()
				stores[tenantID] = s
				return s
			}
		}
	}
	return m
}

// LoadAllTenants builds a catalog for every tenant with an active schema
func (m *Manager) LoadAllTenants() error {
	if m.db == nil {
		return nil
	}

	rows, err := m.db.Query(`
		SELECT s.tenant_id, s.version, s.definition
		FROM schemas s
		JOIN tenants t ON t.id = s.tenant_id
		WHERE s.active = true
	`)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	type pending struct {
		tenantID string
		version  int
		schema   Schema
	}
	var loaded []pending
	for rows.Next() {
		var p pending
		var definition []byte
		if err := rows.Scan(&p.tenantID, &p.version, &definition); err != nil {
			return fmt.Errorf("failed to scan tenant row: %w", err)
		}
		if err := json.Unmarshal(definition, &p.schema); err != nil {
			return fmt.Errorf("invalid schema for tenant %s: %w", p.tenantID, err)
		}
		loaded = append(loaded, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tenant rows: %w", err)
	}

	for _, p := range loaded {
		tc, err := m.build(p.tenantID, p.schema, p.version)
		if err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", p.tenantID, err)
		}
		m.mu.Lock()
		m.catalogs[p.tenantID] = tc
		m.mu.Unlock()
	}

	m.logger.Info("tenants loaded", slog.Int("count", len(loaded)))
	return nil
}

// RegisterTenant records a new tenant. It serves no queries until it has a schema.
func (m *Manager) RegisterTenant(name string) (Tenant, error) {
	if name == "" {
		return Tenant{}, fmt.Errorf("tenant name is required")
	}

	now := time.Now().UTC()
	t := Tenant{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}

	if m.db == nil {
		m.mu.Lock()
		m.tenants[t.ID] = t
		m.mu.Unlock()
		return t, nil
	}

	_, err := m.db.Exec(`
		INSERT INTO tenants (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, t.ID, t.Name, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return Tenant{}, fmt.Errorf("failed to create tenant: %w", err)
	}
	return t, nil
}

// Tenants lists every registered tenant, newest first
func (m *Manager) Tenants() ([]Tenant, error) {
	if m.db == nil {
		m.mu.RLock()
		tenants := make([]Tenant, 0, len(m.tenants))
		for _, t := range m.tenants {
			tenants = append(tenants, t)
		}
		m.mu.RUnlock()

		sort.Slice(tenants, func(i, j int) bool {
			if tenants[i].CreatedAt.Equal(tenants[j].CreatedAt) {
				return tenants[i].ID < tenants[j].ID
			}
			return tenants[i].CreatedAt.After(tenants[j].CreatedAt)
		})
		return tenants, nil
	}

	rows, err := m.db.Query(`SELECT id, name, created_at, updated_at FROM tenants ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	tenants := []Tenant{}
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}
	return tenants, nil
}

// CreateTenant builds a catalog for tenantID from schema without persisting anything
func (m *Manager) CreateTenant(tenantID string, schema Schema) error {
	tc, err := m.build(tenantID, schema, 1)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.catalogs[tenantID] = tc
	m.mu.Unlock()
	return nil
}

func (m *Manager) build(tenantID string, schema Schema, version int) (*TenantCatalog, error) {
	if err := ValidateSchema(schema); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	engineOpts := append([]rules.Option{rules.WithLogger(m.logger.With(slog.String("tenant_id", tenantID)))}, m.engineOpts...)
	engine := rules.NewEngine(schema, engineOpts...)

	catalog, err := rules.NewCatalog(engine, m.newStore(tenantID),
		rules.WithCache(rules.NewInMemoryQueriesCache(m.cacheConfig)),
		rules.WithMetrics(m.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}

	return &TenantCatalog{
		TenantID: tenantID,
		Schema:   schema.Clone(),
		Version:  version,
		Catalog:  catalog,
	}, nil
}

// GetCatalog returns the catalog serving tenantID
func (m *Manager) GetCatalog(tenantID string) (*rules.Catalog, error) {
	tc, err := m.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	return tc.Catalog, nil
}

// GetSchema returns the active schema of tenantID and its version
func (m *Manager) GetSchema(tenantID string) (Schema, int, error) {
	tc, err := m.tenant(tenantID)
	if err != nil {
		return nil, 0, err
	}
	return tc.Schema.Clone(), tc.Version, nil
}

func (m *Manager) tenant(tenantID string) (*TenantCatalog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tc, exists := m.catalogs[tenantID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return tc, nil
}

// UpdateTenantSchema activates a new schema version for a registered tenant.
// Every active query must still validate under the new schema. The new catalog
// replaces the old one atomically, so in-flight evaluations finish on the old one.
func (m *Manager) UpdateTenantSchema(tenantID string, schema Schema) (int, error) {
	if err := m.checkRegistered(tenantID); err != nil {
		return 0, err
	}

	m.mu.RLock()
	version := 1
	if existing, ok := m.catalogs[tenantID]; ok {
		version = existing.Version + 1
	}
	m.mu.RUnlock()

	tc, err := m.build(tenantID, schema, version)
	if err != nil {
		return 0, err
	}

	if m.db != nil {
		if tc.Version, err = m.saveSchema(tenantID, schema); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	m.catalogs[tenantID] = tc
	m.mu.Unlock()

	m.logger.Info("tenant schema updated",
		slog.String("tenant_id", tenantID),
		slog.Int("version", tc.Version),
		slog.Int("properties", len(schema)),
	)
	return tc.Version, nil
}

func (m *Manager) checkRegistered(tenantID string) error {
	if m.db == nil {
		m.mu.RLock()
		_, registered := m.tenants[tenantID]
		_, loaded := m.catalogs[tenantID]
		m.mu.RUnlock()
		if !registered && !loaded {
			return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
		}
		return nil
	}

	var exists bool
	if err := m.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)`, tenantID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check tenant existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return nil
}

func (m *Manager) saveSchema(tenantID string, schema Schema) (int, error) {
	definition, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal schema: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE schemas SET active = false WHERE tenant_id = $1`, tenantID); err != nil {
		return 0, fmt.Errorf("failed to deactivate old schemas: %w", err)
	}

	var version int
	err = tx.QueryRow(`
		INSERT INTO schemas (tenant_id, version, definition, active, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, true, NOW()
		FROM schemas
		WHERE tenant_id = $1
		RETURNING version
	`, tenantID, definition).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to save new schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit schema: %w", err)
	}
	return version, nil
}

// ListTenants returns the IDs of tenants with a loaded catalog, sorted
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.catalogs))
	for tenantID := range m.catalogs {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	return tenants
}

// DeleteTenant unloads a tenant's catalog. Stored data is kept.
func (m *Manager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.catalogs[tenantID]; !exists {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	delete(m.catalogs, tenantID)
	return nil
}

// Ping reports whether the backing database is reachable
func (m *Manager) Ping() error {
	if m.db == nil {
		return nil
	}
	return m.db.Ping()
}
