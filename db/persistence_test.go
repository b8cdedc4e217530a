package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-gateway/config"
)

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	persistence := NewPersistenceManager(dir)

	manager := NewManager()
	dbConfig := testDatabaseConfig(2)
	dbConfig.DistanceType = config.DistanceTypeCosine
	_, err := manager.CreateDatabase("community-x", dbConfig)
	require.NoError(t, err)
	require.NoError(t, manager.Upsert("community-x", Vector{
		ID:       "fact-1",
		Data:     []float32{0.1, 0.2},
		Metadata: map[string]any{"topic": "gardening"},
		Text:     "tomatoes need sun",
	}))

	written, err := persistence.SaveAll(manager)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.FileExists(t, filepath.Join(dir, "community-x", "config.json"))
	assert.FileExists(t, filepath.Join(dir, "community-x", "vectors.json.gz"))

	// clean collections are skipped
	written, err = persistence.SaveAll(manager)
	require.NoError(t, err)
	assert.Equal(t, 0, written)

	restored := NewManager()
	loaded, err := NewPersistenceManager(dir).LoadAll(restored)
	require.NoError(t, err)
	assert.Equal(t, []string{"community-x"}, loaded)

	db, err := restored.GetDatabase("community-x")
	require.NoError(t, err)
	assert.Equal(t, config.DistanceTypeCosine, db.Config.DistanceType)
	assert.Equal(t, 2, db.Config.Dimensions)

	vector, err := restored.GetVector("community-x", "fact-1")
	require.NoError(t, err)
	assert.Equal(t, "gardening", vector.Metadata["topic"])
	assert.Equal(t, "tomatoes need sun", vector.Text)

	results, err := restored.Search("community-x", []float32{0.1, 0.2}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fact-1", results[0].Vector.ID)
}

func TestPersistenceDelete(t *testing.T) {
	dir := t.TempDir()
	persistence := NewPersistenceManager(dir)
	manager := NewManager()
	db, err := manager.CreateDatabase("scratch", testDatabaseConfig(3))
	require.NoError(t, err)
	require.NoError(t, persistence.SaveDatabase(db))

	require.NoError(t, manager.DeleteDatabase("scratch"))
	require.NoError(t, persistence.DeleteDatabase("scratch"))

	_, err = os.Stat(filepath.Join(dir, "scratch"))
	assert.True(t, os.IsNotExist(err))

	names, err := persistence.ListDatabases()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLoadAllMissingDirectory(t *testing.T) {
	persistence := NewPersistenceManager(filepath.Join(t.TempDir(), "absent"))
	loaded, err := persistence.LoadAll(NewManager())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadAllSkipsCorruptCollections(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager()
	db, err := manager.CreateDatabase("good", testDatabaseConfig(2))
	require.NoError(t, err)
	require.NoError(t, NewPersistenceManager(dir).SaveDatabase(db))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bad"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad", "config.json"), []byte("{not json"), 0o644))

	restored := NewManager()
	loaded, err := NewPersistenceManager(dir).LoadAll(restored)
	assert.Error(t, err)
	assert.Equal(t, []string{"good"}, loaded)
}
