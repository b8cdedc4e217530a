package db

import (
	"sort"
	"sync"

	"memory-gateway/config"
)

/*
Database represents a single collection of memory records
*/
type Database struct {
	Name    string
	Config  config.DatabaseConfig
	Vectors map[string]Vector
	Index   NearestNeighborIndex
	// incremented on every mutation, used by persistence to skip clean collections
	version uint64
	mu      sync.RWMutex
}

/*
Manager handles multiple collections
*/
type Manager struct {
	databases map[string]*Database
	mu        sync.RWMutex
}

/*
NewManager creates a new collection manager
*/
func NewManager() *Manager {
	return &Manager{
		databases: make(map[string]*Database),
	}
}

/*
NewIndex builds the nearest neighbor index a collection configuration asks for
*/
func NewIndex(dbConfig config.DatabaseConfig) NearestNeighborIndex {
	if dbConfig.Index == config.IndexFlat {
		return NewFlatIndex(dbConfig.DistanceType)
	}
	graph := NewHNSWGraph(dbConfig.HNSW.M, dbConfig.HNSW.EfConstruction, dbConfig.DistanceType)
	if dbConfig.HNSW.EfSearch > 0 {
		graph.EfSearch = dbConfig.HNSW.EfSearch
	}
	return graph
}

/*
CreateDatabase creates a new collection with the given name and configuration
*/
func (m *Manager) CreateDatabase(name string, dbConfig config.DatabaseConfig) (*Database, error) {
	return m.Restore(name, dbConfig, nil)
}

/*
Restore registers a collection together with previously persisted vectors,
rebuilding its index
*/
func (m *Manager) Restore(name string, dbConfig config.DatabaseConfig, vectors map[string]Vector) (*Database, error) {
	if dbConfig.Dimensions <= 0 {
		return nil, ErrInvalidDimensions
	}

	db := &Database{
		Name:    name,
		Config:  dbConfig,
		Vectors: make(map[string]Vector, len(vectors)),
		Index:   NewIndex(dbConfig),
	}
	for id, vector := range vectors {
		if len(vector.Data) != dbConfig.Dimensions {
			return nil, ErrInvalidDimensions
		}
		vector.ID = id
		db.Vectors[id] = vector
		if err := db.Index.Insert(vector); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.databases[name]; exists {
		return nil, ErrDatabaseExists
	}
	m.databases[name] = db
	return db, nil
}

/*
GetDatabase returns a collection by name
*/
func (m *Manager) GetDatabase(name string) (*Database, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, exists := m.databases[name]
	if !exists {
		return nil, ErrDatabaseNotFound
	}

	return db, nil
}

/*
DeleteDatabase removes a collection by name
*/
func (m *Manager) DeleteDatabase(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.databases[name]; !exists {
		return ErrDatabaseNotFound
	}

	delete(m.databases, name)
	return nil
}

/*
ListDatabases returns the names of all collections, sorted
*/
func (m *Manager) ListDatabases() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.databases))
	for name := range m.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

/*
Upsert stores a vector in a collection, replacing a vector with the same ID
*/
func (m *Manager) Upsert(dbName string, vector Vector) error {
	db, err := m.GetDatabase(dbName)
	if err != nil {
		return err
	}

	if len(vector.Data) != db.Config.Dimensions {
		return ErrInvalidDimensions
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.Index.Insert(vector); err != nil {
		return err
	}
	db.Vectors[vector.ID] = vector
	db.version++
	return nil
}

/*
GetVector retrieves a vector from a specific collection
*/
func (m *Manager) GetVector(dbName, vectorID string) (Vector, error) {
	db, err := m.GetDatabase(dbName)
	if err != nil {
		return Vector{}, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	vector, exists := db.Vectors[vectorID]
	if !exists {
		return Vector{}, ErrVectorNotFound
	}

	return vector, nil
}

/*
DeleteVector removes a vector from a specific collection
*/
func (m *Manager) DeleteVector(dbName, vectorID string) error {
	db, err := m.GetDatabase(dbName)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.Vectors[vectorID]; !exists {
		return ErrVectorNotFound
	}

	delete(db.Vectors, vectorID)
	db.Index.Remove(vectorID)
	db.version++
	return nil
}

/*
Search performs a similarity search in a specific collection.

Filtered queries, and collections no larger than k, are answered by an exact
scan; everything else goes through the collection's index.
*/
func (m *Manager) Search(dbName string, query []float32, k int, accept func(Vector) bool) ([]Neighbor, error) {
	db, err := m.GetDatabase(dbName)
	if err != nil {
		return nil, err
	}

	if len(query) != db.Config.Dimensions {
		return nil, ErrInvalidDimensions
	}
	if k <= 0 {
		return nil, ErrInvalidParameter
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	if accept != nil || len(db.Vectors) <= max(k, db.Config.HNSW.EfSearch) {
		return ExactSearch(db.Config.DistanceType, db.Vectors, query, k, accept), nil
	}
	return db.Index.Search(query, k)
}

/*
Count returns the number of vectors in a collection
*/
func (db *Database) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.Vectors)
}

// Version returns the mutation counter of the collection.
func (db *Database) Version() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.version
}
