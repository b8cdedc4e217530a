package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"memory-gateway/config"
	"memory-gateway/db"
	"memory-gateway/memerr"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	dimensions INTEGER NOT NULL,
	distance INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	embedding BLOB NOT NULL,
	metadata TEXT,
	text TEXT,
	PRIMARY KEY (collection, id)
);
`

/*
SQLite is a durable single-file backend. Queries are answered by an exact
scan of the collection, which keeps results identical to the local flat
index at the cost of O(n) reads.
*/
type SQLite struct {
	db       *sql.DB
	distance config.DistanceType
}

/*
NewSQLite opens (or creates) the database file and its schema.
*/
func NewSQLite(ctx context.Context, path string, distance config.DistanceType) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLite{db: conn, distance: distance}, nil
}

func (s *SQLite) CreateCollection(ctx context.Context, name string, dims int) error {
	if dims <= 0 {
		return memerr.New(memerr.KindValidation, "dimensions must be positive, got %d", dims)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (name, dimensions, distance) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		name, dims, int(s.distance))
	if err != nil {
		return upstream(err, "create collection %s", name)
	}

	// someone else may have won the insert with other dimensions
	existing, err := s.CollectionInfo(ctx, name)
	if err != nil {
		return err
	}
	return checkDimensions(name, existing.Dimensions, dims)
}

func (s *SQLite) CollectionInfo(ctx context.Context, name string) (Collection, error) {
	var dims, distance, count int
	err := s.db.QueryRowContext(ctx, `
		SELECT c.dimensions, c.distance, (SELECT COUNT(*) FROM records r WHERE r.collection = c.name)
		FROM collections c
		WHERE c.name = ?
	`, name).Scan(&dims, &distance, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return Collection{}, collectionNotFound(name)
	}
	if err != nil {
		return Collection{}, upstream(err, "read collection %s", name)
	}
	return Collection{Name: name, Dimensions: dims, Distance: config.DistanceType(distance), Count: count}, nil
}

func (s *SQLite) ListCollections(ctx context.Context) ([]Collection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.name, c.dimensions, c.distance, (SELECT COUNT(*) FROM records r WHERE r.collection = c.name)
		FROM collections c
		ORDER BY c.name
	`)
	if err != nil {
		return nil, upstream(err, "list collections")
	}
	defer rows.Close()

	collections := []Collection{}
	for rows.Next() {
		var (
			c        Collection
			distance int
		)
		if err := rows.Scan(&c.Name, &c.Dimensions, &distance, &c.Count); err != nil {
			return nil, upstream(err, "scan collection")
		}
		c.Distance = config.DistanceType(distance)
		collections = append(collections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, upstream(err, "list collections")
	}
	return collections, nil
}

func (s *SQLite) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return upstream(err, "begin delete of %s", name)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
	if err != nil {
		return upstream(err, "delete collection %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return collectionNotFound(name)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, name); err != nil {
		return upstream(err, "delete records of %s", name)
	}
	if err := tx.Commit(); err != nil {
		return upstream(err, "commit delete of %s", name)
	}
	return nil
}

func (s *SQLite) Upsert(ctx context.Context, collection string, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	info, err := s.CollectionInfo(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDimensions(collection, info.Dimensions, len(record.Embedding)); err != nil {
		return err
	}

	var metadataJSON []byte
	if len(record.Metadata) > 0 {
		metadataJSON, err = json.Marshal(record.Metadata)
		if err != nil {
			return memerr.Wrap(memerr.KindValidation, err, "encode metadata of %s", record.ID)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, embedding, metadata, text)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			text = excluded.text
	`, collection, record.ID, encodeEmbedding(record.Embedding), string(metadataJSON), record.Text)
	if err != nil {
		return upstream(err, "upsert %s into %s", record.ID, collection)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, collection, id string) (Record, error) {
	if _, err := s.CollectionInfo(ctx, collection); err != nil {
		return Record{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, embedding, metadata, text FROM records WHERE collection = ? AND id = ?`,
		collection, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, recordNotFound(collection, id)
	}
	if err != nil {
		return Record{}, upstream(err, "get %s from %s", id, collection)
	}
	return record, nil
}

func (s *SQLite) Query(ctx context.Context, collection string, embedding []float32, k int, filter Filter) ([]Match, error) {
	if k <= 0 {
		return nil, memerr.New(memerr.KindValidation, "k must be positive, got %d", k)
	}
	info, err := s.CollectionInfo(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := checkDimensions(collection, info.Dimensions, len(embedding)); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, metadata, text FROM records WHERE collection = ?`, collection)
	if err != nil {
		return nil, upstream(err, "query %s", collection)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, upstream(err, "scan record of %s", collection)
		}
		if !filter.Matches(record.Metadata) {
			continue
		}
		matches = append(matches, Match{
			Record:   record,
			Distance: db.Distance(info.Distance, embedding, record.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, upstream(err, "query %s", collection)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Record.ID < matches[j].Record.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	if matches == nil {
		matches = []Match{}
	}
	return matches, nil
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.CollectionInfo(ctx, collection); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return upstream(err, "delete %s from %s", id, collection)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return recordNotFound(collection, id)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return memerr.Unreachable(err, "sqlite")
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		record        Record
		embeddingBlob []byte
		metadataJSON  sql.NullString
		text          sql.NullString
	)
	if err := row.Scan(&record.ID, &embeddingBlob, &metadataJSON, &text); err != nil {
		return Record{}, err
	}
	record.Embedding = decodeEmbedding(embeddingBlob)
	record.Text = text.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &record.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata of %s: %w", record.ID, err)
		}
	}
	return record, nil
}

// encodeEmbedding stores each component as little-endian float32 bits.
func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	embedding := make([]float32, len(buf)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return embedding
}
