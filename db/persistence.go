package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"

	"memory-gateway/config"
)

const (
	configFileName  = "config.json"
	vectorsFileName = "vectors.json.gz"
)

/*
PersistenceManager handles saving and loading collections.

Each collection lives in its own directory holding config.json and a
gzip-compressed vectors.json.gz. Files are written to a temporary name and
renamed so a crash never leaves a half-written snapshot behind.
*/
type PersistenceManager struct {
	basePath string
	// version of each collection at its last successful save
	saved map[string]uint64
	mu    sync.Mutex
}

/*
NewPersistenceManager creates a new persistence manager
*/
func NewPersistenceManager(basePath string) *PersistenceManager {
	return &PersistenceManager{
		basePath: basePath,
		saved:    make(map[string]uint64),
	}
}

/*
SaveDatabase saves a collection to disk
*/
func (p *PersistenceManager) SaveDatabase(db *Database) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked(db)
}

func (p *PersistenceManager) saveLocked(db *Database) error {
	dbPath := filepath.Join(p.basePath, db.Name)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return err
	}

	// snapshot under the read lock, write without holding it
	db.mu.RLock()
	version := db.version
	dbConfig := db.Config
	vectors := make(map[string]Vector, len(db.Vectors))
	for id, vector := range db.Vectors {
		vectors[id] = vector
	}
	db.mu.RUnlock()

	configData, err := json.Marshal(dbConfig)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dbPath, configFileName), func(f *os.File) error {
		_, err := f.Write(configData)
		return err
	}); err != nil {
		return err
	}

	if err := writeFileAtomic(filepath.Join(dbPath, vectorsFileName), func(f *os.File) error {
		zw := gzip.NewWriter(f)
		if err := json.NewEncoder(zw).Encode(vectors); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	}); err != nil {
		return err
	}

	p.saved[db.Name] = version
	return nil
}

/*
SaveAll saves every collection that changed since its last save and returns
how many were written
*/
func (p *PersistenceManager) SaveAll(manager *Manager) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	written := 0
	for _, name := range manager.ListDatabases() {
		db, err := manager.GetDatabase(name)
		if err != nil {
			// deleted concurrently
			continue
		}
		if version, ok := p.saved[name]; ok && version == db.Version() {
			continue
		}
		if err := p.saveLocked(db); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", name, err))
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}

/*
LoadDatabase loads a collection's configuration and vectors from disk
*/
func (p *PersistenceManager) LoadDatabase(name string) (config.DatabaseConfig, map[string]Vector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dbPath := filepath.Join(p.basePath, name)

	var dbConfig config.DatabaseConfig
	configData, err := os.ReadFile(filepath.Join(dbPath, configFileName))
	if err != nil {
		return dbConfig, nil, err
	}
	if err := json.Unmarshal(configData, &dbConfig); err != nil {
		return dbConfig, nil, err
	}

	vectors := make(map[string]Vector)
	vectorsFile, err := os.Open(filepath.Join(dbPath, vectorsFileName))
	if errors.Is(err, os.ErrNotExist) {
		return dbConfig, vectors, nil
	}
	if err != nil {
		return dbConfig, nil, err
	}
	defer vectorsFile.Close()

	zr, err := gzip.NewReader(vectorsFile)
	if err != nil {
		return dbConfig, nil, err
	}
	defer zr.Close()

	if err := json.NewDecoder(zr).Decode(&vectors); err != nil {
		return dbConfig, nil, err
	}
	return dbConfig, vectors, nil
}

/*
LoadAll restores every persisted collection into manager. Collections that
fail to load are reported and skipped.
*/
func (p *PersistenceManager) LoadAll(manager *Manager) ([]string, error) {
	names, err := p.ListDatabases()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var errs []error
	loaded := make([]string, 0, len(names))
	for _, name := range names {
		dbConfig, vectors, err := p.LoadDatabase(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", name, err))
			continue
		}
		db, err := manager.Restore(name, dbConfig, vectors)
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", name, err))
			continue
		}
		p.mu.Lock()
		p.saved[name] = db.Version()
		p.mu.Unlock()
		loaded = append(loaded, name)
	}
	return loaded, errors.Join(errs...)
}

/*
DeleteDatabase removes a collection from disk
*/
func (p *PersistenceManager) DeleteDatabase(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.saved, name)
	return os.RemoveAll(filepath.Join(p.basePath, name))
}

/*
ListDatabases returns a list of all saved collections
*/
func (p *PersistenceManager) ListDatabases() ([]string, error) {
	entries, err := os.ReadDir(p.basePath)
	if err != nil {
		return nil, err
	}

	databases := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			databases = append(databases, entry.Name())
		}
	}

	return databases, nil
}

func writeFileAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
