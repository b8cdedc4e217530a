package store

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"memory-gateway/config"
	"memory-gateway/db"
	"memory-gateway/memerr"
)

/*
Persister is implemented by backends that keep their data in memory and
snapshot it to disk periodically.
*/
type Persister interface {
	// Save writes every collection changed since the last save
	Save() (int, error)
	// PersistenceWorker saves every interval until ctx is done
	PersistenceWorker(ctx context.Context, interval time.Duration) error
}

/*
Local is the in-process backend: one HNSW (or flat) index per collection
with optional gzip snapshots under the data path.
*/
type Local struct {
	manager     *db.Manager
	persistence *db.PersistenceManager
	collections config.CollectionConfig
	// serializes collection creation and deletion against each other
	mu sync.Mutex
}

/*
NewLocal creates the local backend and restores persisted collections when
persistence is enabled.
*/
func NewLocal(storeConfig config.StoreConfig, collections config.CollectionConfig) (*Local, error) {
	l := &Local{
		manager:     db.NewManager(),
		collections: collections,
	}
	if !storeConfig.PersistenceEngine {
		return l, nil
	}

	l.persistence = db.NewPersistenceManager(storeConfig.DataPath)
	loaded, err := l.persistence.LoadAll(l.manager)
	if err != nil {
		// damaged collections are skipped, the rest stay usable
		log.WithError(err).Error("Failed to load some collections")
	}
	log.WithField("collections", len(loaded)).Info("Restored local collections")
	return l, nil
}

func (l *Local) CreateCollection(ctx context.Context, name string, dims int) error {
	if dims <= 0 {
		return memerr.New(memerr.KindValidation, "dimensions must be positive, got %d", dims)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, err := l.manager.GetDatabase(name); err == nil {
		return checkDimensions(name, existing.Config.Dimensions, dims)
	}
	_, err := l.manager.CreateDatabase(name, l.collections.DatabaseConfig(dims))
	return l.mapError(name, "", err)
}

func (l *Local) CollectionInfo(ctx context.Context, name string) (Collection, error) {
	database, err := l.manager.GetDatabase(name)
	if err != nil {
		return Collection{}, l.mapError(name, "", err)
	}
	return Collection{
		Name:       name,
		Dimensions: database.Config.Dimensions,
		Distance:   database.Config.DistanceType,
		Count:      database.Count(),
	}, nil
}

func (l *Local) ListCollections(ctx context.Context) ([]Collection, error) {
	names := l.manager.ListDatabases()
	collections := make([]Collection, 0, len(names))
	for _, name := range names {
		info, err := l.CollectionInfo(ctx, name)
		if err != nil {
			// deleted since listing
			continue
		}
		collections = append(collections, info)
	}
	return collections, nil
}

func (l *Local) DeleteCollection(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.manager.DeleteDatabase(name); err != nil {
		return l.mapError(name, "", err)
	}
	if l.persistence != nil {
		if err := l.persistence.DeleteDatabase(name); err != nil {
			return upstream(err, "remove snapshot of %s", name)
		}
	}
	return nil
}

func (l *Local) Upsert(ctx context.Context, collection string, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	err := l.manager.Upsert(collection, db.Vector{
		ID:       record.ID,
		Data:     record.Embedding,
		Metadata: record.Metadata,
		Text:     record.Text,
	})
	if errors.Is(err, db.ErrInvalidDimensions) {
		database, getErr := l.manager.GetDatabase(collection)
		if getErr == nil {
			return checkDimensions(collection, database.Config.Dimensions, len(record.Embedding))
		}
	}
	return l.mapError(collection, record.ID, err)
}

func (l *Local) Get(ctx context.Context, collection, id string) (Record, error) {
	vector, err := l.manager.GetVector(collection, id)
	if err != nil {
		return Record{}, l.mapError(collection, id, err)
	}
	return fromVector(vector), nil
}

func (l *Local) Query(ctx context.Context, collection string, embedding []float32, k int, filter Filter) ([]Match, error) {
	if k <= 0 {
		return nil, memerr.New(memerr.KindValidation, "k must be positive, got %d", k)
	}
	database, err := l.manager.GetDatabase(collection)
	if err != nil {
		return nil, l.mapError(collection, "", err)
	}
	if err := checkDimensions(collection, database.Config.Dimensions, len(embedding)); err != nil {
		return nil, err
	}

	var accept func(db.Vector) bool
	if len(filter) > 0 {
		accept = func(v db.Vector) bool { return filter.Matches(v.Metadata) }
	}
	neighbors, err := l.manager.Search(collection, embedding, k, accept)
	if err != nil {
		return nil, l.mapError(collection, "", err)
	}

	matches := make([]Match, 0, len(neighbors))
	for _, n := range neighbors {
		matches = append(matches, Match{Record: fromVector(n.Vector), Distance: n.Distance})
	}
	return matches, nil
}

func (l *Local) Delete(ctx context.Context, collection, id string) error {
	return l.mapError(collection, id, l.manager.DeleteVector(collection, id))
}

// Ping always succeeds; the local backend has nothing to reach.
func (l *Local) Ping(ctx context.Context) error {
	return nil
}

// Close writes a final snapshot.
func (l *Local) Close() error {
	if l.persistence == nil {
		return nil
	}
	_, err := l.Save()
	return err
}

/*
Save writes every collection changed since its last snapshot
*/
func (l *Local) Save() (int, error) {
	if l.persistence == nil {
		return 0, nil
	}
	return l.persistence.SaveAll(l.manager)
}

/*
PersistenceWorker snapshots dirty collections every interval until ctx is
cancelled.
*/
func (l *Local) PersistenceWorker(ctx context.Context, interval time.Duration) error {
	if l.persistence == nil || interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			written, err := l.Save()
			if err != nil {
				log.WithError(err).Error("Failed to save collections")
			}
			if written > 0 {
				log.WithField("collections", written).Debug("Saved collections")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Local) mapError(collection, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrDatabaseNotFound):
		return collectionNotFound(collection)
	case errors.Is(err, db.ErrVectorNotFound):
		return recordNotFound(collection, id)
	case errors.Is(err, db.ErrDatabaseExists):
		return memerr.Wrap(memerr.KindSchemaConflict, err, "collection %s already exists", collection)
	case errors.Is(err, db.ErrInvalidDimensions):
		return memerr.Wrap(memerr.KindSchemaConflict, err, "dimensionality mismatch on %s", collection)
	case errors.Is(err, db.ErrEmptyVector), errors.Is(err, db.ErrInvalidParameter):
		return memerr.Wrap(memerr.KindValidation, err, "invalid request on %s", collection)
	default:
		return memerr.Wrap(memerr.KindInternal, err, "local store")
	}
}

func fromVector(v db.Vector) Record {
	return Record{
		ID:        v.ID,
		Embedding: v.Data,
		Metadata:  v.Metadata,
		Text:      v.Text,
	}
}
