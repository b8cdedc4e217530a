package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	// Test valid config
	validConfig := DefaultConfig()
	require.NoError(t, validConfig.Validate())

	// Test invalid M value
	invalidM := DefaultConfig()
	invalidM.Collections.HNSW.M = 0
	assert.Error(t, invalidM.Validate(), "Config with invalid M should return error")

	// Test invalid dimensions
	invalidDims := DefaultConfig()
	invalidDims.Collections.Dimensions["facts"] = 0
	assert.Error(t, invalidDims.Validate(), "Config with invalid dimensions should return error")

	// Test unknown backend
	invalidBackend := DefaultConfig()
	invalidBackend.Store.Backend = "redis"
	assert.Error(t, invalidBackend.Validate())

	// Test half-configured TLS
	halfTLS := DefaultConfig()
	halfTLS.Server.TLSCertFile = "cert.pem"
	assert.Error(t, halfTLS.Validate())

	// Test credential without a secret
	noSecret := DefaultConfig()
	noSecret.Auth.Credentials = []Credential{{Name: "desktop", Role: RoleMember}}
	assert.Error(t, noSecret.Validate())

	// Test credential with unknown role
	badRole := DefaultConfig()
	badRole.Auth.Credentials = []Credential{{Name: "desktop", Token: "x", Role: "owner"}}
	assert.Error(t, badRole.Validate())
}

func TestDistanceTypeString(t *testing.T) {
	tests := []struct {
		dt     DistanceType
		expect string
	}{
		{DistanceTypeEuclidean, "euclidean"},
		{DistanceTypeCosine, "cosine"},
		{DistanceTypeManhattan, "manhattan"},
		{DistanceTypeHamming, "hamming"},
		{DistanceType(999), "unknown"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expect, test.dt.String())
	}
}

func TestParseDistanceType(t *testing.T) {
	tests := []struct {
		input  string
		expect DistanceType
	}{
		{"euclidean", DistanceTypeEuclidean},
		{"Cosine", DistanceTypeCosine},
		{"manhattan", DistanceTypeManhattan},
		{"hamming", DistanceTypeHamming},
		{"unknown", DistanceTypeEuclidean}, // Default
	}

	for _, test := range tests {
		assert.Equal(t, test.expect, ParseDistanceType(test.input), test.input)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memgate.yaml")
	content := `
server:
  host: 0.0.0.0
  port: "9443"
store:
  backend: sqlite
  sqlite_path: /var/lib/memgate/memory.db
collections:
  default_dimensions: 384
  distance_type: euclidean
  dimensions:
    community-x: 2
auth:
  credentials:
    - name: desktop
      token_sha256: 5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8
      role: member
      collections: [community-x]
rate_limit:
  requests_per_second: 5
  burst: 10
log_level: info
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9443", cfg.Addr())
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 384, cfg.Collections.DefaultDimensions)
	assert.Equal(t, 2, cfg.Collections.Dimensions["community-x"])
	assert.Equal(t, DistanceTypeEuclidean, cfg.Collections.DistanceType)
	// untouched sections keep their defaults
	assert.Equal(t, 16, cfg.Collections.HNSW.M)
	require.Len(t, cfg.Auth.Credentials, 1)
	assert.Equal(t, RoleMember, cfg.Auth.Credentials[0].Role)
	assert.Equal(t, []string{"community-x"}, cfg.Auth.Credentials[0].Collections)
	assert.Equal(t, 5.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"server": {"port": "8081"}, "collections": {"distance_type": "manhattan", "index": "flat"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "8081", cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, DistanceTypeManhattan, cfg.Collections.DistanceType)
	assert.Equal(t, IndexFlat, cfg.Collections.Index)
	assert.NotNil(t, cfg.Collections.Dimensions)
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()

	// Missing file falls back to the defaults
	cfg, err := LoadOrDefault(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)

	// Malformed files are errors, not defaults
	for name, content := range map[string]string{
		"config.json": `{"server": {"tls_cert_file": "cert.pem",`,
		"config.yaml": "server:\n  port: [8080\n",
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		cfg, err := LoadOrDefault(path)
		assert.Error(t, err, name)
		assert.Nil(t, cfg, name)
	}

	// A readable file is loaded
	path := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": "9443"}}`), 0o600))
	cfg, err = LoadOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, "9443", cfg.Server.Port)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MEMGATE_PORT", "9000")
	t.Setenv("MEMGATE_STORE_BACKEND", "Qdrant")
	t.Setenv("MEMGATE_QDRANT_URL", "https://qdrant.internal:6334")
	t.Setenv("MEMGATE_DIMS", "768")
	t.Setenv("MEMGATE_DISTANCE", "euclidean")
	t.Setenv("MEMGATE_TOKEN", "secretA")
	t.Setenv("MEMGATE_TOKENS", "old-secret, new-secret,")
	t.Setenv("MEMGATE_RATE_LIMIT", "2.5")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, BackendQdrant, cfg.Store.Backend)
	assert.Equal(t, "https://qdrant.internal:6334", cfg.Store.QdrantURL)
	assert.Equal(t, 768, cfg.Collections.DefaultDimensions)
	assert.Equal(t, DistanceTypeEuclidean, cfg.Collections.DistanceType)
	assert.Equal(t, 2.5, cfg.RateLimit.RequestsPerSecond)

	require.Len(t, cfg.Auth.Credentials, 3)
	assert.Equal(t, "secretA", cfg.Auth.Credentials[0].Token)
	assert.Equal(t, "old-secret", cfg.Auth.Credentials[1].Token)
	assert.Equal(t, "new-secret", cfg.Auth.Credentials[2].Token)
	for _, cred := range cfg.Auth.Credentials {
		assert.Equal(t, RoleAdmin, cred.Role)
	}
}

func TestLoadFromEnvRejectsBadDims(t *testing.T) {
	t.Setenv("MEMGATE_DIMS", "many")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestDistanceTypeTextRoundTrip(t *testing.T) {
	var dt DistanceType
	require.NoError(t, dt.UnmarshalText([]byte("1")))
	assert.Equal(t, DistanceTypeCosine, dt)

	text, err := DistanceTypeManhattan.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "manhattan", string(text))
}
