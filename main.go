package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"memory-gateway/api"
	"memory-gateway/auth"
	"memory-gateway/config"
	"memory-gateway/namespace"
	"memory-gateway/store"
)

func main() {
	// load the environment variables
	_ = godotenv.Load()

	// parse the command line arguments
	cfg := parseFlags()

	// Initialize logging
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.WarnLevel
	}
	log.SetLevel(level)

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	printWelcome()

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		// the local backend writes its final snapshot here
		if err := st.Close(); err != nil {
			log.Error("Failed to close vector store: ", err)
		}
	}()

	namespaces, err := namespace.NewManager(st, cfg.Collections)
	if err != nil {
		return fmt.Errorf("create namespace manager: %w", err)
	}
	defer namespaces.Close()

	creds, err := loadCredentials(cfg)
	if err != nil {
		return err
	}
	validator, err := auth.NewValidator(creds)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if validator.Len() == 0 {
		log.Warn("No credentials configured, every request will be rejected until some are added")
	}

	server := api.NewServer(st, namespaces, validator, cfg)
	log.WithFields(log.Fields{
		"addr":        cfg.Addr(),
		"backend":     cfg.Store.Backend,
		"credentials": validator.Len(),
	}).Info("Starting memory gateway")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})
	if persister, ok := st.(store.Persister); ok {
		interval := time.Duration(cfg.Store.PersistenceInterval) * time.Second
		g.Go(func() error {
			return persister.PersistenceWorker(ctx, interval)
		})
	}
	g.Go(func() error {
		return reloadCredentials(ctx, cfg, validator)
	})

	err = g.Wait()
	log.Info("Shutting down...")
	return err
}

/*
loadCredentials merges the credentials from the configuration with the ones
in the credentials file.
*/
func loadCredentials(cfg *config.Config) ([]config.Credential, error) {
	creds := append([]config.Credential(nil), cfg.Auth.Credentials...)
	if cfg.Auth.CredentialsFile == "" {
		return creds, nil
	}
	fromFile, err := auth.LoadCredentials(cfg.Auth.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("load credentials file: %w", err)
	}
	return append(creds, fromFile...), nil
}

/*
reloadCredentials swaps in a fresh credential set on every SIGHUP. A broken
file keeps the current set in place.
*/
func reloadCredentials(ctx context.Context, cfg *config.Config, validator *auth.Validator) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			creds, err := loadCredentials(cfg)
			if err == nil {
				err = validator.Replace(creds)
			}
			if err != nil {
				log.WithError(err).Error("Failed to reload credentials, keeping the current set")
				continue
			}
			log.WithField("credentials", validator.Len()).Info("Credentials reloaded")
		case <-ctx.Done():
			return nil
		}
	}
}

func parseFlags() *config.Config {
	// Load config file, then environment
	path := os.Getenv("MEMGATE_CONFIG")
	if path == "" {
		path = "./config.json"
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		log.Fatal("Invalid configuration file: ", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatal("Invalid environment: ", err)
	}

	// Server flags
	flag.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "Host address")
	flag.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "Port number")
	flag.StringVar(&cfg.Server.TLSCertFile, "tls-cert", cfg.Server.TLSCertFile, "TLS certificate file")
	flag.StringVar(&cfg.Server.TLSKeyFile, "tls-key", cfg.Server.TLSKeyFile, "TLS key file")

	// Store flags
	backend := string(cfg.Store.Backend)
	flag.StringVar(&backend, "backend", backend, "Vector store backend (local, sqlite, chromem, qdrant)")
	flag.StringVar(&cfg.Store.DataPath, "data-path", cfg.Store.DataPath, "Path to store data files")
	flag.BoolVar(&cfg.Store.PersistenceEngine, "persistence", cfg.Store.PersistenceEngine, "Enable persistence engine")
	flag.IntVar(&cfg.Store.PersistenceInterval, "persistence-interval", cfg.Store.PersistenceInterval, "Persistence interval in seconds")
	flag.StringVar(&cfg.Store.SQLitePath, "sqlite-path", cfg.Store.SQLitePath, "SQLite database file")
	flag.StringVar(&cfg.Store.ChromemPath, "chromem-path", cfg.Store.ChromemPath, "chromem persistence directory")
	flag.StringVar(&cfg.Store.QdrantURL, "qdrant-url", cfg.Store.QdrantURL, "Qdrant gRPC endpoint")

	// Collection flags
	flag.IntVar(&cfg.Collections.DefaultDimensions, "dims", cfg.Collections.DefaultDimensions, "Dimensions of lazily created collections (0 = from first record)")
	flag.IntVar(&cfg.Collections.HNSW.M, "neighbors", cfg.Collections.HNSW.M, "Number of neighbors for HNSW")
	flag.IntVar(&cfg.Collections.HNSW.EfConstruction, "ef-construction", cfg.Collections.HNSW.EfConstruction, "Parameter efConstruction for HNSW")
	flag.IntVar(&cfg.Collections.HNSW.EfSearch, "ef-search", cfg.Collections.HNSW.EfSearch, "Parameter efSearch for HNSW")
	distance := cfg.Collections.DistanceType.String()
	flag.StringVar(&distance, "distance", distance, "Distance function (euclidean, cosine, manhattan, hamming)")

	// Auth and throttling flags
	flag.StringVar(&cfg.Auth.CredentialsFile, "credentials", cfg.Auth.CredentialsFile, "Credentials file, reloaded on SIGHUP")
	flag.Float64Var(&cfg.RateLimit.RequestsPerSecond, "rate-limit", cfg.RateLimit.RequestsPerSecond, "Requests per second per credential (0 = unlimited)")
	flag.IntVar(&cfg.RateLimit.Burst, "rate-burst", cfg.RateLimit.Burst, "Request burst per credential")

	// Log level flag
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, fatal)")

	// Parse flags
	flag.Parse()

	cfg.Store.Backend = config.Backend(backend)
	cfg.Collections.DistanceType = config.ParseDistanceType(distance)
	return cfg
}

func printWelcome() {
	fmt.Println("                                       _       ")
	fmt.Println(" _ __ ___   ___ _ __ ___   __ _  __ _| |_ ___ ")
	fmt.Println("| '_ ` _ \\ / _ \\ '_ ` _ \\ / _` |/ _` | __/ _ \\")
	fmt.Println("| | | | | |  __/ | | | | | (_| | (_| | ||  __/")
	fmt.Println("|_| |_| |_|\\___|_| |_| |_|\\__, |\\__,_|\\__\\___|")
	fmt.Println("                          |___/               ")
}
