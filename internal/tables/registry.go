// Package tables holds the registry of domain tables that clients may mutate
// through the sync queue.
package tables

import (
	"sort"
	"sync"
)

// TableSchema declares a syncable domain table.
type TableSchema struct {
	// Name is the table name clients send as table_name.
	Name string

	// OwnerField names the payload field holding the owning user id.
	// Empty means the table carries no owner column.
	OwnerField string

	// Required lists payload fields a create must carry.
	Required []string
}

var (
	registryMu sync.RWMutex
	schemas    = make(map[string]TableSchema)
)

// Register adds a table schema to the registry.
// Panics if a table with the same name is already registered.
func Register(s TableSchema) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := schemas[s.Name]; exists {
		panic("table already registered: " + s.Name)
	}
	schemas[s.Name] = s
}

// Get returns the schema for name.
func Get(name string) (TableSchema, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := schemas[name]
	return s, ok
}

// Names returns all registered table names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(schemas))
	for n := range schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reset clears the registry. Only for testing.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	schemas = make(map[string]TableSchema)
}

// RegisterDefaults registers the tables of the accountability app. Tables
// already present are left untouched, so repeated calls are safe.
func RegisterDefaults() {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, s := range Defaults() {
		if _, exists := schemas[s.Name]; !exists {
			schemas[s.Name] = s
		}
	}
}

// Defaults returns the built-in table schemas.
func Defaults() []TableSchema {
	return []TableSchema{
		{Name: "tasks", OwnerField: "user_id", Required: []string{"title"}},
		{Name: "notes", OwnerField: "user_id", Required: []string{"content"}},
		{Name: "streaks", OwnerField: "user_id"},
		{Name: "notifications", OwnerField: "user_id"},
		{Name: "calls", OwnerField: "user_id"},
		{Name: "user_settings", OwnerField: "user_id"},
	}
}
