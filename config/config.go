package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

/*
Config is the configuration for the gateway process.

Contains the configuration for the server, the vector store backend, the
collection defaults, credentials, rate limiting and the client adapter.
*/
type Config struct {
	Server      ServerConfig     `json:"server" yaml:"server"`
	Store       StoreConfig      `json:"store" yaml:"store"`
	Collections CollectionConfig `json:"collections" yaml:"collections"`
	Auth        AuthConfig       `json:"auth" yaml:"auth"`
	RateLimit   RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Client      ClientConfig     `json:"client" yaml:"client"`
	LogLevel    string           `json:"log_level" yaml:"log_level"`
}

/*
ServerConfig is the configuration for the HTTP listener.
*/
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port string `json:"port" yaml:"port"`
	// TLS is terminated by the gateway when both are set
	TLSCertFile string `json:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file" yaml:"tls_key_file"`
	// upper bound for request bodies [bytes]
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
	// timeouts [seconds]
	ReadTimeout  int `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout int `json:"write_timeout" yaml:"write_timeout"`
}

/*
Backend names the vector store implementation.
*/
type Backend string

const (
	BackendLocal   Backend = "local"
	BackendSQLite  Backend = "sqlite"
	BackendChromem Backend = "chromem"
	BackendQdrant  Backend = "qdrant"
)

/*
StoreConfig is the configuration for the vector store.
*/
type StoreConfig struct {
	Backend Backend `json:"backend" yaml:"backend"`
	// path to the data directory of the local backend
	DataPath string `json:"data_path" yaml:"data_path"`
	// whether the local backend persists snapshots
	PersistenceEngine bool `json:"persistence_engine" yaml:"persistence_engine"`
	// interval to persist data [seconds]
	PersistenceInterval int `json:"persistence_interval" yaml:"persistence_interval"`
	// sqlite database file
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`
	// chromem persistence directory, empty keeps chromem in memory
	ChromemPath string `json:"chromem_path" yaml:"chromem_path"`
	// qdrant gRPC endpoint, e.g. http://localhost:6334
	QdrantURL    string `json:"qdrant_url" yaml:"qdrant_url"`
	QdrantAPIKey string `json:"qdrant_api_key" yaml:"qdrant_api_key"`
	QdrantTLS    bool   `json:"qdrant_tls" yaml:"qdrant_tls"`
}

/*
HNSWConfig is the configuration for the HNSW algorithm.
*/
type HNSWConfig struct {
	// number of neighbors
	M int `json:"m" yaml:"m"`
	// parameter efConstruction for HNSW
	EfConstruction int `json:"ef_construction" yaml:"ef_construction"`
	// parameter efSearch for HNSW
	EfSearch int `json:"ef_search" yaml:"ef_search"`
}

/*
IndexType selects the nearest neighbor index of a local collection.
*/
type IndexType string

const (
	IndexHNSW IndexType = "hnsw"
	IndexFlat IndexType = "flat"
)

/*
CollectionConfig holds the dimensionality defaults applied when a collection
is created lazily.
*/
type CollectionConfig struct {
	// dimensionality for collections without their own entry, 0 = take it from the first record
	DefaultDimensions int `json:"default_dimensions" yaml:"default_dimensions"`
	// per-collection dimensionality
	Dimensions map[string]int `json:"dimensions" yaml:"dimensions"`
	// distance function
	DistanceType DistanceType `json:"distance_type" yaml:"distance_type"`
	Index        IndexType    `json:"index" yaml:"index"`
	HNSW         HNSWConfig   `json:"hnsw" yaml:"hnsw"`
}

/*
DatabaseConfig represents the configuration of a single local collection.
*/
type DatabaseConfig struct {
	Dimensions   int          `json:"dimensions"`
	DistanceType DistanceType `json:"distance_type"`
	Index        IndexType    `json:"index"`
	HNSW         HNSWConfig   `json:"hnsw"`
}

/*
Role is the privilege level of a credential.
*/
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

/*
Credential is one accepted bearer token. Only the SHA-256 of the token should
be kept on disk; Token is accepted for environment-provided secrets.
*/
type Credential struct {
	Name        string   `json:"name" yaml:"name"`
	TokenSHA256 string   `json:"token_sha256,omitempty" yaml:"token_sha256,omitempty"`
	Token       string   `json:"token,omitempty" yaml:"token,omitempty"`
	Role        Role     `json:"role" yaml:"role"`
	Collections []string `json:"collections,omitempty" yaml:"collections,omitempty"`
}

/*
AuthConfig is the configuration for the credential validator.
*/
type AuthConfig struct {
	Credentials []Credential `json:"credentials" yaml:"credentials"`
	// credentials file managed by memgate-token, reloaded on SIGHUP
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
}

/*
RateLimitConfig is the per-credential request budget. A zero rate disables it.
*/
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

/*
ClientConfig is the configuration of the memory client adapter.
*/
type ClientConfig struct {
	GatewayURL string `json:"gateway_url" yaml:"gateway_url"`
	Token      string `json:"token" yaml:"token"`
	MaxRetries int    `json:"max_retries" yaml:"max_retries"`
	// backoff bounds [milliseconds]
	BaseDelayMillis int `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMillis  int `json:"max_delay_ms" yaml:"max_delay_ms"`
	// per request timeout [seconds]
	Timeout int `json:"timeout" yaml:"timeout"`
}

/*
DistanceType is the type of distance function.
*/
type DistanceType int

const (
	DistanceTypeEuclidean DistanceType = iota
	DistanceTypeCosine
	DistanceTypeManhattan
	DistanceTypeHamming
)

/*
Default config
*/
func DefaultConfig() *Config {
	return &Config{
		// server configuration
		Server: ServerConfig{
			Host:         "localhost",
			Port:         "8080",
			MaxBodyBytes: 4 << 20,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		// storage configuration
		Store: StoreConfig{
			Backend:             BackendLocal,
			DataPath:            "./data",
			PersistenceEngine:   true,
			PersistenceInterval: 5,
			SQLitePath:          "./data/memory.db",
			QdrantURL:           "http://localhost:6334",
		},
		// collection defaults
		Collections: CollectionConfig{
			Dimensions:   map[string]int{},
			DistanceType: DistanceTypeCosine,
			Index:        IndexHNSW,
			HNSW: HNSWConfig{
				M:              16,
				EfConstruction: 200,
				EfSearch:       100,
			},
		},
		Client: ClientConfig{
			GatewayURL:      "http://localhost:8080",
			MaxRetries:      3,
			BaseDelayMillis: 100,
			MaxDelayMillis:  2000,
			Timeout:         10,
		},
		// logging configuration
		LogLevel: "warn",
	}
}

/*
LoadFromFile loads the configuration from a JSON or YAML file, chosen by extension.
*/
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if config.Collections.Dimensions == nil {
		config.Collections.Dimensions = map[string]int{}
	}
	return config, nil
}

/*
LoadOrDefault loads the configuration file at path, or the defaults when no
such file exists. A file that exists but cannot be read or parsed is an
error: falling back would silently drop TLS and credential settings.
*/
func LoadOrDefault(path string) (*Config, error) {
	config, err := LoadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return config, err
}

/*
LoadFromEnv loads the configuration from the environment variables on top of
the defaults.
*/
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

/*
ApplyEnv overrides fields of c with MEMGATE_* environment variables.
*/
func (c *Config) ApplyEnv() error {
	// Server config
	if host := os.Getenv("MEMGATE_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("MEMGATE_PORT"); port != "" {
		c.Server.Port = port
	}
	if cert := os.Getenv("MEMGATE_TLS_CERT"); cert != "" {
		c.Server.TLSCertFile = cert
	}
	if key := os.Getenv("MEMGATE_TLS_KEY"); key != "" {
		c.Server.TLSKeyFile = key
	}

	// Store config
	if backend := os.Getenv("MEMGATE_STORE_BACKEND"); backend != "" {
		c.Store.Backend = Backend(strings.ToLower(backend))
	}
	if dataPath := os.Getenv("MEMGATE_DATA_PATH"); dataPath != "" {
		c.Store.DataPath = dataPath
	}
	if persistStr := os.Getenv("MEMGATE_PERSISTENCE_ENABLED"); persistStr != "" {
		if persist, err := strconv.ParseBool(persistStr); err == nil {
			c.Store.PersistenceEngine = persist
		}
	}
	if intervalStr := os.Getenv("MEMGATE_AUTOSAVE_INTERVAL"); intervalStr != "" {
		if interval, err := strconv.Atoi(intervalStr); err == nil {
			c.Store.PersistenceInterval = interval
		}
	}
	if p := os.Getenv("MEMGATE_SQLITE_PATH"); p != "" {
		c.Store.SQLitePath = p
	}
	if p := os.Getenv("MEMGATE_CHROMEM_PATH"); p != "" {
		c.Store.ChromemPath = p
	}
	if u := os.Getenv("MEMGATE_QDRANT_URL"); u != "" {
		c.Store.QdrantURL = u
	}
	if key := os.Getenv("MEMGATE_QDRANT_API_KEY"); key != "" {
		c.Store.QdrantAPIKey = key
	}
	if tlsStr := os.Getenv("MEMGATE_QDRANT_TLS"); tlsStr != "" {
		if useTLS, err := strconv.ParseBool(tlsStr); err == nil {
			c.Store.QdrantTLS = useTLS
		}
	}

	// Collection defaults
	if dimsStr := os.Getenv("MEMGATE_DIMS"); dimsStr != "" {
		dims, err := strconv.Atoi(dimsStr)
		if err != nil {
			return fmt.Errorf("MEMGATE_DIMS: %w", err)
		}
		c.Collections.DefaultDimensions = dims
	}
	if dist := os.Getenv("MEMGATE_DISTANCE"); dist != "" {
		c.Collections.DistanceType = ParseDistanceType(dist)
	}

	// Credentials: MEMGATE_TOKEN is the single shared secret, MEMGATE_TOKENS
	// lists several during a rotation window.
	if token := os.Getenv("MEMGATE_TOKEN"); token != "" {
		c.Auth.Credentials = append(c.Auth.Credentials, Credential{
			Name:  "env",
			Token: token,
			Role:  RoleAdmin,
		})
	}
	if tokens := os.Getenv("MEMGATE_TOKENS"); tokens != "" {
		for i, token := range strings.Split(tokens, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			c.Auth.Credentials = append(c.Auth.Credentials, Credential{
				Name:  fmt.Sprintf("env-%d", i),
				Token: token,
				Role:  RoleAdmin,
			})
		}
	}
	if file := os.Getenv("MEMGATE_CREDENTIALS_FILE"); file != "" {
		c.Auth.CredentialsFile = file
	}

	// Rate limiting
	if rps := os.Getenv("MEMGATE_RATE_LIMIT"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			c.RateLimit.RequestsPerSecond = v
		}
	}
	if burst := os.Getenv("MEMGATE_RATE_BURST"); burst != "" {
		if v, err := strconv.Atoi(burst); err == nil {
			c.RateLimit.Burst = v
		}
	}

	// Client adapter
	if u := os.Getenv("MEMGATE_URL"); u != "" {
		c.Client.GatewayURL = u
	}
	if token := os.Getenv("MEMGATE_CLIENT_TOKEN"); token != "" {
		c.Client.Token = token
	}

	if level := os.Getenv("MEMGATE_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	return nil
}

/*
Validate checks if the configuration is valid
*/
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendLocal, BackendSQLite, BackendChromem, BackendQdrant:
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}
	if c.Collections.HNSW.M <= 0 {
		return fmt.Errorf("invalid M value: %d", c.Collections.HNSW.M)
	}
	if c.Collections.DefaultDimensions < 0 {
		return fmt.Errorf("invalid dimensions: %d", c.Collections.DefaultDimensions)
	}
	for name, dims := range c.Collections.Dimensions {
		if dims <= 0 {
			return fmt.Errorf("invalid dimensions for collection %s: %d", name, dims)
		}
	}
	if c.Collections.DistanceType < DistanceTypeEuclidean || c.Collections.DistanceType > DistanceTypeHamming {
		return fmt.Errorf("invalid distance type: %d", c.Collections.DistanceType)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	for _, cred := range c.Auth.Credentials {
		if cred.Name == "" {
			return fmt.Errorf("credential without name")
		}
		if cred.Token == "" && cred.TokenSHA256 == "" {
			return fmt.Errorf("credential %s has neither token nor token_sha256", cred.Name)
		}
		if cred.Role != "" && cred.Role != RoleAdmin && cred.Role != RoleMember {
			return fmt.Errorf("credential %s has unknown role %q", cred.Name, cred.Role)
		}
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("invalid rate limit: %v", c.RateLimit.RequestsPerSecond)
	}
	return nil
}

/*
Addr returns the listen address.
*/
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

/*
DatabaseConfig returns the local collection configuration for the given dimensionality.
*/
func (c *CollectionConfig) DatabaseConfig(dims int) DatabaseConfig {
	return DatabaseConfig{
		Dimensions:   dims,
		DistanceType: c.DistanceType,
		Index:        c.Index,
		HNSW:         c.HNSW,
	}
}

/*
BackoffBounds returns the client's retry delays as durations.
*/
func (c *ClientConfig) BackoffBounds() (time.Duration, time.Duration) {
	return time.Duration(c.BaseDelayMillis) * time.Millisecond, time.Duration(c.MaxDelayMillis) * time.Millisecond
}

/*
String returns the string representation of the distance type
*/
func (dt DistanceType) String() string {
	switch dt {
	case DistanceTypeEuclidean:
		return "euclidean"
	case DistanceTypeCosine:
		return "cosine"
	case DistanceTypeManhattan:
		return "manhattan"
	case DistanceTypeHamming:
		return "hamming"
	default:
		return "unknown"
	}
}

/*
ParseDistanceType converts a string to a DistanceType
*/
func ParseDistanceType(s string) DistanceType {
	switch strings.ToLower(s) {
	case "euclidean":
		return DistanceTypeEuclidean
	case "cosine":
		return DistanceTypeCosine
	case "manhattan":
		return DistanceTypeManhattan
	case "hamming":
		return DistanceTypeHamming
	default:
		return DistanceTypeEuclidean
	}
}

// MarshalText lets config files spell distances by name.
func (dt DistanceType) MarshalText() ([]byte, error) {
	return []byte(dt.String()), nil
}

// UnmarshalText accepts a distance name or its numeric value.
func (dt *DistanceType) UnmarshalText(text []byte) error {
	if n, err := strconv.Atoi(string(text)); err == nil {
		*dt = DistanceType(n)
		return nil
	}
	*dt = ParseDistanceType(string(text))
	return nil
}
