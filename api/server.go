package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"memory-gateway/auth"
	"memory-gateway/config"
	"memory-gateway/namespace"
	"memory-gateway/store"
)

/*
Server is the access gateway: it authenticates callers and forwards their
memory operations to the vector store.
*/
type Server struct {
	store      store.VectorStore
	namespaces *namespace.Manager
	validator  *auth.Validator
	limiters   *limiterSet
	cfg        config.ServerConfig
}

/*
NewServer creates a new gateway over st. The validator may be replaced
concurrently with serving to rotate credentials.
*/
func NewServer(st store.VectorStore, namespaces *namespace.Manager, validator *auth.Validator, cfg *config.Config) *Server {
	return &Server{
		store:      st,
		namespaces: namespaces,
		validator:  validator,
		limiters:   newLimiterSet(cfg.RateLimit),
		cfg:        cfg.Server,
	}
}

/*
Handler returns the routed gateway with its middleware chain:
logging, body limit, authentication, rate limit.
*/
func (s *Server) Handler() http.Handler {
	v1 := http.NewServeMux()
	v1.HandleFunc("GET /v1/collections", s.handleListCollections)
	v1.HandleFunc("GET /v1/collections/{name}", s.handleGetCollection)
	v1.HandleFunc("PUT /v1/collections/{name}", s.handleEnsureCollection)
	v1.HandleFunc("DELETE /v1/collections/{name}", s.handleDeleteCollection)
	v1.HandleFunc("POST /v1/collections/{name}/records", s.handleRemember)
	v1.HandleFunc("GET /v1/collections/{name}/records/{id}", s.handleGet)
	v1.HandleFunc("DELETE /v1/collections/{name}/records/{id}", s.handleForget)
	v1.HandleFunc("POST /v1/collections/{name}/query", s.handleRecall)
	v1.HandleFunc("GET /v1/ws", s.handleWebSocket)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealth)
	root.Handle("/v1/", s.authenticate(s.throttle(v1)))

	return logRequests(limitBody(s.cfg.MaxBodyBytes, root))
}

/*
Start serves on the configured address until ctx is cancelled, then shuts
down gracefully. TLS is used when a certificate and key are configured.
*/
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr(),
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			log.WithField("addr", srv.Addr).Info("Gateway listening with TLS")
			err = srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			log.WithField("addr", srv.Addr).Warn("Gateway listening without TLS, bearer tokens travel in clear text")
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("Shutting down gateway")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) addr() string {
	return s.cfg.Host + ":" + s.cfg.Port
}
