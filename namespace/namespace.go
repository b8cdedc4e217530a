package namespace

import (
	"context"
	"errors"
	"regexp"

	"github.com/dgraph-io/ristretto"

	"memory-gateway/config"
	"memory-gateway/memerr"
	"memory-gateway/store"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

/*
Manager partitions the store into named collections of fixed dimensionality.

Dimensionality lookups on the request path are served from a ristretto cache;
every write that changes a collection's existence goes through the manager
and invalidates its entry.
*/
type Manager struct {
	store    store.VectorStore
	cache    *ristretto.Cache
	defaults config.CollectionConfig
}

/*
NewManager creates a namespace manager over st. defaults supplies the
configured dimensionality for lazily created collections.
*/
func NewManager(st store.VectorStore, defaults config.CollectionConfig) (*Manager, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Manager{store: st, cache: cache, defaults: defaults}, nil
}

// ValidateName checks the collection naming rules.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return memerr.New(memerr.KindValidation,
			"invalid collection name %q: use 1-128 letters, digits, '.', '_' or '-', starting with a letter or digit", name)
	}
	return nil
}

/*
Ensure returns the collection called name, creating it with dims when it
does not exist. An existing collection with another dimensionality fails with
SchemaConflict and is left unchanged.
*/
func (m *Manager) Ensure(ctx context.Context, name string, dims int) (store.Collection, error) {
	if err := ValidateName(name); err != nil {
		return store.Collection{}, err
	}
	if dims <= 0 {
		return store.Collection{}, memerr.New(memerr.KindValidation, "dimensions must be positive, got %d", dims)
	}

	existing, err := m.Resolve(ctx, name)
	switch {
	case err == nil:
		if existing.Dimensions != dims {
			return store.Collection{}, memerr.New(memerr.KindSchemaConflict,
				"collection %s has %d dimensions, requested %d", name, existing.Dimensions, dims)
		}
		return existing, nil
	case !errors.Is(err, memerr.ErrNotFound):
		return store.Collection{}, err
	}

	// the store settles concurrent creations; the loser sees SchemaConflict or success
	if err := m.store.CreateCollection(ctx, name, dims); err != nil {
		m.Invalidate(name)
		return store.Collection{}, err
	}
	return m.Resolve(ctx, name)
}

/*
Resolve returns the current state of a collection, or NotFound.
*/
func (m *Manager) Resolve(ctx context.Context, name string) (store.Collection, error) {
	if err := ValidateName(name); err != nil {
		return store.Collection{}, err
	}
	info, err := m.store.CollectionInfo(ctx, name)
	if err != nil {
		if errors.Is(err, memerr.ErrNotFound) {
			m.Invalidate(name)
		}
		return store.Collection{}, err
	}
	m.remember(info)
	return info, nil
}

/*
Dimensions returns the dimensionality of an existing collection, preferring
the cache over a round trip to the store.
*/
func (m *Manager) Dimensions(ctx context.Context, name string) (int, error) {
	if dims, ok := m.cache.Get(name); ok {
		return dims.(int), nil
	}
	info, err := m.Resolve(ctx, name)
	if err != nil {
		return 0, err
	}
	return info.Dimensions, nil
}

/*
Delete irreversibly removes a collection and all its records.
*/
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	m.Invalidate(name)
	return m.store.DeleteCollection(ctx, name)
}

// List returns every collection in the store.
func (m *Manager) List(ctx context.Context) ([]store.Collection, error) {
	return m.store.ListCollections(ctx)
}

/*
DimensionsFor picks the dimensionality for a collection created lazily: the
per-collection setting, then the global default, then fallback (usually the
length of the first record written).
*/
func (m *Manager) DimensionsFor(name string, fallback int) int {
	if dims, ok := m.defaults.Dimensions[name]; ok && dims > 0 {
		return dims
	}
	if m.defaults.DefaultDimensions > 0 {
		return m.defaults.DefaultDimensions
	}
	return fallback
}

// Invalidate drops the cached dimensionality of name.
func (m *Manager) Invalidate(name string) {
	m.cache.Del(name)
}

// Close releases the cache.
func (m *Manager) Close() {
	m.cache.Close()
}

func (m *Manager) remember(info store.Collection) {
	m.cache.Set(info.Name, info.Dimensions, 1)
}
