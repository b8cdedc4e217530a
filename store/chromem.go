package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"memory-gateway/config"
	"memory-gateway/memerr"
)

/*
Chromem is the embedded chromem-go backend. chromem-go only supports cosine
similarity and normalizes stored embeddings, so records read back carry unit
length embeddings.

Metadata values are kept as JSON-encoded strings so their type survives a
round trip and equality filters can be pushed down as chromem where clauses.
*/
type Chromem struct {
	db *chromem.DB
	// sidecar file holding collection dimensionality, empty when in memory
	dimsPath string
	dims     map[string]int
	mu       sync.RWMutex
}

/*
NewChromem creates the backend. An empty path keeps everything in memory;
otherwise chromem persists documents under path.
*/
func NewChromem(path string) (*Chromem, error) {
	c := &Chromem{dims: make(map[string]int)}
	if path == "" {
		c.db = chromem.NewDB()
		return c, nil
	}

	database, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, fmt.Errorf("open chromem at %s: %w", path, err)
	}
	c.db = database
	c.dimsPath = path + ".collections.json"

	data, err := os.ReadFile(c.dimsPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", c.dimsPath, err)
	default:
		if err := json.Unmarshal(data, &c.dims); err != nil {
			return nil, fmt.Errorf("parse %s: %w", c.dimsPath, err)
		}
	}
	return c, nil
}

func (c *Chromem) CreateCollection(ctx context.Context, name string, dims int) error {
	if dims <= 0 {
		return memerr.New(memerr.KindValidation, "dimensions must be positive, got %d", dims)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db.GetCollection(name, nil) != nil {
		if existing := c.dims[name]; existing != 0 {
			return checkDimensions(name, existing, dims)
		}
		c.dims[name] = dims
		return c.saveDimsLocked()
	}
	if _, err := c.db.CreateCollection(name, nil, nil); err != nil {
		return upstream(err, "create collection %s", name)
	}
	c.dims[name] = dims
	return c.saveDimsLocked()
}

func (c *Chromem) CollectionInfo(ctx context.Context, name string) (Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	col := c.db.GetCollection(name, nil)
	if col == nil {
		return Collection{}, collectionNotFound(name)
	}
	return Collection{
		Name:       name,
		Dimensions: c.dims[name],
		Distance:   config.DistanceTypeCosine,
		Count:      col.Count(),
	}, nil
}

func (c *Chromem) ListCollections(ctx context.Context) ([]Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	collections := make([]Collection, 0)
	for name, col := range c.db.ListCollections() {
		collections = append(collections, Collection{
			Name:       name,
			Dimensions: c.dims[name],
			Distance:   config.DistanceTypeCosine,
			Count:      col.Count(),
		})
	}
	sort.Slice(collections, func(i, j int) bool { return collections[i].Name < collections[j].Name })
	return collections, nil
}

func (c *Chromem) DeleteCollection(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db.GetCollection(name, nil) == nil {
		return collectionNotFound(name)
	}
	if err := c.db.DeleteCollection(name); err != nil {
		return upstream(err, "delete collection %s", name)
	}
	delete(c.dims, name)
	return c.saveDimsLocked()
}

func (c *Chromem) Upsert(ctx context.Context, collection string, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	col, dims, err := c.collection(collection)
	if err != nil {
		return err
	}
	if dims == 0 {
		// collection restored without a dimensionality entry
		c.mu.Lock()
		if c.dims[collection] == 0 {
			c.dims[collection] = len(record.Embedding)
			if err := c.saveDimsLocked(); err != nil {
				c.mu.Unlock()
				return err
			}
		}
		dims = c.dims[collection]
		c.mu.Unlock()
	}
	if err := checkDimensions(collection, dims, len(record.Embedding)); err != nil {
		return err
	}

	metadata, err := encodeChromemMetadata(record.Metadata)
	if err != nil {
		return err
	}
	// AddDocument replaces a document with the same ID
	err = col.AddDocument(ctx, chromem.Document{
		ID:        record.ID,
		Metadata:  metadata,
		Embedding: append([]float32(nil), record.Embedding...),
		Content:   record.Text,
	})
	if err != nil {
		return upstream(err, "add %s to %s", record.ID, collection)
	}
	return nil
}

func (c *Chromem) Get(ctx context.Context, collection, id string) (Record, error) {
	col, _, err := c.collection(collection)
	if err != nil {
		return Record{}, err
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return Record{}, recordNotFound(collection, id)
	}
	return chromemRecord(doc.ID, doc.Embedding, doc.Metadata, doc.Content), nil
}

func (c *Chromem) Query(ctx context.Context, collection string, embedding []float32, k int, filter Filter) ([]Match, error) {
	if k <= 0 {
		return nil, memerr.New(memerr.KindValidation, "k must be positive, got %d", k)
	}
	col, dims, err := c.collection(collection)
	if err != nil {
		return nil, err
	}
	if dims != 0 {
		if err := checkDimensions(collection, dims, len(embedding)); err != nil {
			return nil, err
		}
	}

	// chromem rejects nResults larger than the collection
	n := min(k, col.Count())
	if n == 0 {
		return []Match{}, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where, err = encodeChromemMetadata(filter)
		if err != nil {
			return nil, err
		}
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, where, nil)
	if err != nil {
		return nil, upstream(err, "query %s", collection)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			Record:   chromemRecord(r.ID, r.Embedding, r.Metadata, r.Content),
			Distance: 1 - r.Similarity,
		})
	}
	return matches, nil
}

func (c *Chromem) Delete(ctx context.Context, collection, id string) error {
	col, _, err := c.collection(collection)
	if err != nil {
		return err
	}
	if _, err := col.GetByID(ctx, id); err != nil {
		return recordNotFound(collection, id)
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return upstream(err, "delete %s from %s", id, collection)
	}
	return nil
}

// Ping always succeeds; chromem runs in process.
func (c *Chromem) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op; chromem writes documents through on every change.
func (c *Chromem) Close() error {
	return nil
}

func (c *Chromem) collection(name string) (*chromem.Collection, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	col := c.db.GetCollection(name, nil)
	if col == nil {
		return nil, 0, collectionNotFound(name)
	}
	return col, c.dims[name], nil
}

func (c *Chromem) saveDimsLocked() error {
	if c.dimsPath == "" {
		return nil
	}
	data, err := json.Marshal(c.dims)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.dimsPath, data, 0644); err != nil {
		return upstream(err, "write %s", c.dimsPath)
	}
	return nil
}

func encodeChromemMetadata(metadata map[string]any) (map[string]string, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	encoded := make(map[string]string, len(metadata))
	for key, value := range metadata {
		// numbers share one encoding so 3 and 3.0 compare equal
		if f, ok := toFloat(value); ok {
			value = f
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindValidation, err, "encode metadata %s", key)
		}
		encoded[key] = string(data)
	}
	return encoded, nil
}

func chromemRecord(id string, embedding []float32, metadata map[string]string, text string) Record {
	record := Record{ID: id, Embedding: embedding, Text: text}
	if len(metadata) == 0 {
		return record
	}
	record.Metadata = make(map[string]any, len(metadata))
	for key, raw := range metadata {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			// written by something else, keep it verbatim
			value = raw
		}
		record.Metadata[key] = value
	}
	return record
}
