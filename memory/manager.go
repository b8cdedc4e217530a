package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"memory-gateway/embed"
	"memory-gateway/memerr"
	"memory-gateway/store"
)

// DefaultCollection holds an agent's memories unless configured otherwise.
const DefaultCollection = "memories"

/*
Backend is the subset of the gateway client the manager needs.
*/
type Backend interface {
	Remember(ctx context.Context, collection string, record store.Record) (string, error)
	Recall(ctx context.Context, collection string, embedding []float32, k int, filter store.Filter) ([]store.Match, error)
	Get(ctx context.Context, collection, id string) (store.Record, error)
	Forget(ctx context.Context, collection, id string) (bool, error)
	ResolveCollection(ctx context.Context, name string) (store.Collection, error)
}

/*
Manager keeps an agent's memories in one gateway collection. Reads degrade
to empty results when the gateway fails, so a memory outage never aborts the
agent's turn; writes report their errors.
*/
type Manager struct {
	backend    Backend
	vectorizer embed.Vectorizer
	collection string
	logger     log.FieldLogger
}

/*
NewManager creates a memory manager. An empty collection selects DefaultCollection.
*/
func NewManager(backend Backend, vectorizer embed.Vectorizer, collection string) *Manager {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Manager{
		backend:    backend,
		vectorizer: vectorizer,
		collection: collection,
		logger:     log.WithFields(log.Fields{"component": "memory", "collection": collection}),
	}
}

// Save stores memory and returns its ID.
func (m *Manager) Save(ctx context.Context, memory Memory) (string, error) {
	embedding, err := m.vectorizer.Embed(ctx, memory.Content)
	if err != nil {
		return "", fmt.Errorf("embed memory: %w", err)
	}

	id, err := m.backend.Remember(ctx, m.collection, store.Record{
		ID:        memory.ID,
		Embedding: embedding,
		Metadata:  memory.Metadata.Flatten(),
		Text:      memory.Content,
	})
	if err != nil {
		m.logger.WithField("kind", memerr.KindOf(err)).Warn("Failed to save memory")
		return "", err
	}
	m.logger.WithFields(log.Fields{"id": id, "memory_kind": memory.Metadata.Kind}).Debug("Memory saved")
	return id, nil
}

// Remember creates a memory from content and saves it.
func (m *Manager) Remember(ctx context.Context, content string, opts Options) (string, error) {
	return m.Save(ctx, NewMemory(content, opts))
}

/*
Search returns up to n memories nearest to query, optionally restricted to
one kind. Failures are logged and yield no memories.
*/
func (m *Manager) Search(ctx context.Context, query string, n int, kind Kind) []Memory {
	if n <= 0 {
		return nil
	}
	embedding, err := m.vectorizer.Embed(ctx, query)
	if err != nil {
		m.logger.WithError(err).Debug("Query could not be embedded")
		return nil
	}

	var filter store.Filter
	if kind != "" {
		filter = store.Filter{"kind": string(kind)}
	}
	matches, err := m.backend.Recall(ctx, m.collection, embedding, n, filter)
	if err != nil {
		entry := m.logger.WithField("kind", memerr.KindOf(err))
		if errors.Is(err, memerr.ErrNotFound) {
			entry.Debug("No memories stored yet")
		} else {
			entry.Warn("Memory search degraded to empty result")
		}
		return nil
	}

	memories := make([]Memory, 0, len(matches))
	for _, match := range matches {
		mem := fromRecord(match.Record)
		mem.Distance = match.Distance
		memories = append(memories, mem)
	}
	return memories
}

/*
About returns up to limit memories concerning name. Memories that list name
among their subjects come first.
*/
func (m *Manager) About(ctx context.Context, name string, limit int) []Memory {
	memories := m.Search(ctx, "information about "+name, limit, "")
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].IsAbout(name) && !memories[j].IsAbout(name)
	})
	return memories
}

// Get returns the memory with id; found is false when it does not exist.
func (m *Manager) Get(ctx context.Context, id string) (memory Memory, found bool, err error) {
	record, err := m.backend.Get(ctx, m.collection, id)
	if errors.Is(err, memerr.ErrNotFound) {
		return Memory{}, false, nil
	}
	if err != nil {
		return Memory{}, false, err
	}
	return fromRecord(record), true, nil
}

// Delete forgets a memory. Deleting an absent memory succeeds with removed false.
func (m *Manager) Delete(ctx context.Context, id string) (removed bool, err error) {
	removed, err = m.backend.Forget(ctx, m.collection, id)
	if err != nil {
		m.logger.WithField("kind", memerr.KindOf(err)).Warn("Failed to delete memory")
	}
	return removed, err
}

// Count returns the number of stored memories.
func (m *Manager) Count(ctx context.Context) (int, error) {
	info, err := m.backend.ResolveCollection(ctx, m.collection)
	if errors.Is(err, memerr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Count, nil
}

func fromRecord(record store.Record) Memory {
	return Memory{
		ID:       record.ID,
		Content:  record.Text,
		Metadata: ParseMetadata(record.Metadata),
	}
}
