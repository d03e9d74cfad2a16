package features

import (
	"sort"
	"sync"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled. Unknown flags are off.
// A nil manager reports every flag as off.
func (m *Manager) IsEnabled(name string) bool {
	if m == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}

	return flag.Enabled
}

// Set toggles a registered flag. It reports false for unknown flags.
func (m *Manager) Set(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}
	flag.Enabled = enabled
	return true
}

// List returns a copy of all flags sorted by name.
func (m *Manager) List() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]FeatureFlag, 0, len(m.flags))
	for _, v := range m.flags {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

const (
	// FeatureCatalogSnapshots persists the last good catalog and restores it
	// for new sessions
	FeatureCatalogSnapshots = "catalog_snapshots"
	// FeatureServerSideCategoryFilter asks the backend for a filtered
	// catalog instead of filtering the cached one
	FeatureServerSideCategoryFilter = "server_side_category_filter"
	// FeatureReceiptHistory keeps confirmed redemptions in the local database
	FeatureReceiptHistory = "receipt_history"
)

// Defaults returns a manager with the built-in flags registered.
func Defaults(snapshots, serverSideFilter, receipts bool) *Manager {
	m := NewManager()
	m.Register(FeatureCatalogSnapshots, snapshots, "persist the last good catalog and seed new sessions from it")
	m.Register(FeatureServerSideCategoryFilter, serverSideFilter, "request category-filtered catalogs from the backend")
	m.Register(FeatureReceiptHistory, receipts, "store confirmed redemptions locally")
	return m
}
