package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"

	"memory-gateway/config"
	"memory-gateway/memerr"
)

/*
VectorStore persists embedded records in named collections and answers
nearest neighbor queries over them.

Every backend reports a missing collection or record as memerr.KindNotFound,
a dimensionality mismatch as memerr.KindSchemaConflict and driver or network
failures as memerr.KindUpstream.
*/
type VectorStore interface {
	// CreateCollection is idempotent for equal dimensionality
	CreateCollection(ctx context.Context, name string, dims int) error
	CollectionInfo(ctx context.Context, name string) (Collection, error)
	ListCollections(ctx context.Context) ([]Collection, error)
	DeleteCollection(ctx context.Context, name string) error

	// Upsert replaces any record with the same ID
	Upsert(ctx context.Context, collection string, record Record) error
	Get(ctx context.Context, collection, id string) (Record, error)
	// Query returns at most k matches, nearest first
	Query(ctx context.Context, collection string, embedding []float32, k int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, collection, id string) error

	Ping(ctx context.Context) error
	Close() error
}

/*
Record is one stored memory: an embedding, scalar metadata and optional text.
*/
type Record struct {
	ID        string         `json:"id"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Text      string         `json:"text,omitempty"`
}

/*
Match is a query hit with its distance to the query embedding. Smaller is nearer.
*/
type Match struct {
	Record   Record  `json:"record"`
	Distance float32 `json:"distance"`
}

/*
Collection describes a namespace of records sharing one dimensionality.
*/
type Collection struct {
	Name       string              `json:"name"`
	Dimensions int                 `json:"dimensions"`
	Distance   config.DistanceType `json:"distance"`
	Count      int                 `json:"count"`
}

/*
Validate checks a record before it is written: non-empty ID, finite
embedding components, valid UTF-8 text and scalar metadata.
*/
func (r Record) Validate() error {
	if r.ID == "" {
		return memerr.New(memerr.KindValidation, "record id is required")
	}
	if !utf8.ValidString(r.ID) {
		return memerr.New(memerr.KindValidation, "record id is not valid UTF-8")
	}
	if len(r.Embedding) == 0 {
		return memerr.New(memerr.KindValidation, "record %s has no embedding", r.ID)
	}
	if err := ValidateEmbedding(r.Embedding); err != nil {
		return err
	}
	if !utf8.ValidString(r.Text) {
		return memerr.New(memerr.KindValidation, "record %s text is not valid UTF-8", r.ID)
	}
	return ValidateMetadata(r.Metadata)
}

// ValidateEmbedding rejects NaN and infinite components.
func ValidateEmbedding(embedding []float32) error {
	for i, v := range embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return memerr.New(memerr.KindValidation, "embedding component %d is not finite", i)
		}
	}
	return nil
}

/*
ValidateMetadata accepts only string, number and boolean values.
*/
func ValidateMetadata(metadata map[string]any) error {
	for key, value := range metadata {
		if key == "" || !utf8.ValidString(key) {
			return memerr.New(memerr.KindValidation, "invalid metadata key %q", key)
		}
		switch v := value.(type) {
		case string:
			if !utf8.ValidString(v) {
				return memerr.New(memerr.KindValidation, "metadata %s is not valid UTF-8", key)
			}
		case bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		default:
			return memerr.New(memerr.KindValidation, "metadata %s must be a string, number or boolean, got %T", key, value)
		}
	}
	return nil
}

// checkDimensions reports a record or query whose dimensionality differs from the collection's.
func checkDimensions(collection string, want, got int) error {
	if want != got {
		return memerr.New(memerr.KindSchemaConflict,
			"collection %s has %d dimensions, got %d", collection, want, got)
	}
	return nil
}

func collectionNotFound(name string) error {
	return memerr.New(memerr.KindNotFound, "collection %s does not exist", name)
}

func recordNotFound(collection, id string) error {
	return memerr.New(memerr.KindNotFound, "record %s not found in %s", id, collection)
}

func upstream(err error, format string, args ...any) error {
	return memerr.Wrap(memerr.KindUpstream, err, format, args...)
}

// scalarString renders a scalar the way every backend compares it.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
