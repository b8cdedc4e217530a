package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"memory-gateway/auth"
	"memory-gateway/memerr"
	"memory-gateway/namespace"
	"memory-gateway/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		log.WithError(err).Warn("Vector store health check failed")
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Kind: string(memerr.KindOf(err))})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	collections, err := s.namespaces.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	visible := make([]store.Collection, 0, len(collections))
	for _, c := range collections {
		if principal.CanAccess(c.Name) {
			visible = append(visible, c)
		}
	}
	writeJSON(w, http.StatusOK, CollectionsResponse{Collections: visible})
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	principal, _ := PrincipalFrom(r.Context())
	if err := authorize(principal, name, false); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.namespaces.Resolve(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEnsureCollection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	principal, _ := PrincipalFrom(r.Context())
	if err := authorize(principal, name, true); err != nil {
		writeError(w, err)
		return
	}

	var req EnsureCollectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	dims := req.Dimensions
	if dims == 0 {
		dims = s.namespaces.DimensionsFor(name, 0)
	}

	info, err := s.namespaces.Ensure(r.Context(), name, dims)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	principal, _ := PrincipalFrom(r.Context())
	if err := authorize(principal, name, true); err != nil {
		writeError(w, err)
		return
	}
	if err := s.namespaces.Delete(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	log.WithFields(log.Fields{"collection": name, "principal": principal.Name}).Info("Collection deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	var req RememberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.remember(r.Context(), principal, r.PathValue("name"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	record, err := s.get(r.Context(), principal, r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	if err := s.forget(r.Context(), principal, r.PathValue("name"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	var req RecallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.recall(r.Context(), principal, r.PathValue("name"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

/*
remember validates a record and writes it, creating the collection on first
use. Dimensionality is checked here so mismatched writes never reach the store.
*/
func (s *Server) remember(ctx context.Context, principal auth.Principal, collection string, req RememberRequest) (RememberResponse, error) {
	if err := authorize(principal, collection, false); err != nil {
		return RememberResponse{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	record := store.Record{ID: req.ID, Embedding: req.Embedding, Metadata: req.Metadata, Text: req.Text}
	if err := record.Validate(); err != nil {
		return RememberResponse{}, err
	}

	// a second attempt covers a collection deleted behind a cached dimensionality
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var dims int
		dims, err = s.collectionDims(ctx, collection, len(record.Embedding))
		if err != nil {
			return RememberResponse{}, err
		}
		if len(record.Embedding) != dims {
			return RememberResponse{}, memerr.New(memerr.KindSchemaConflict,
				"collection %s has %d dimensions, record %s has %d", collection, dims, record.ID, len(record.Embedding))
		}

		err = s.store.Upsert(ctx, collection, record)
		if !errors.Is(err, memerr.ErrNotFound) {
			break
		}
		s.namespaces.Invalidate(collection)
	}
	if err != nil {
		return RememberResponse{}, err
	}
	return RememberResponse{ID: record.ID, Collection: collection}, nil
}

// collectionDims returns the dimensionality of collection, creating it when absent.
func (s *Server) collectionDims(ctx context.Context, collection string, recordDims int) (int, error) {
	dims, err := s.namespaces.Dimensions(ctx, collection)
	if err == nil {
		return dims, nil
	}
	if !errors.Is(err, memerr.ErrNotFound) {
		return 0, err
	}
	// a record that cannot fit the configured dimensionality must not create the collection
	dims = s.namespaces.DimensionsFor(collection, recordDims)
	if dims != recordDims {
		return 0, memerr.New(memerr.KindSchemaConflict,
			"collection %s is configured for %d dimensions, record has %d", collection, dims, recordDims)
	}
	info, err := s.namespaces.Ensure(ctx, collection, dims)
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"collection": collection, "dimensions": info.Dimensions}).Info("Collection created on first write")
	return info.Dimensions, nil
}

/*
recall answers a nearest neighbor query. A missing collection is NotFound; an
existing collection without matches yields an empty result.
*/
func (s *Server) recall(ctx context.Context, principal auth.Principal, collection string, req RecallRequest) (RecallResponse, error) {
	if err := authorize(principal, collection, false); err != nil {
		return RecallResponse{}, err
	}
	if req.K < 1 || req.K > maxK {
		return RecallResponse{}, memerr.New(memerr.KindValidation, "k must be between 1 and %d, got %d", maxK, req.K)
	}
	if len(req.Embedding) == 0 {
		return RecallResponse{}, memerr.New(memerr.KindValidation, "query embedding is required")
	}
	if err := store.ValidateEmbedding(req.Embedding); err != nil {
		return RecallResponse{}, err
	}
	if err := req.Filter.Validate(); err != nil {
		return RecallResponse{}, err
	}

	dims, err := s.namespaces.Dimensions(ctx, collection)
	if err != nil {
		return RecallResponse{}, err
	}
	if len(req.Embedding) != dims {
		return RecallResponse{}, memerr.New(memerr.KindSchemaConflict,
			"collection %s has %d dimensions, query has %d", collection, dims, len(req.Embedding))
	}

	matches, err := s.store.Query(ctx, collection, req.Embedding, req.K, req.Filter)
	if err != nil {
		if errors.Is(err, memerr.ErrNotFound) {
			s.namespaces.Invalidate(collection)
		}
		return RecallResponse{}, err
	}
	if matches == nil {
		matches = []store.Match{}
	}
	return RecallResponse{Matches: matches}, nil
}

func (s *Server) forget(ctx context.Context, principal auth.Principal, collection, id string) error {
	if err := authorize(principal, collection, false); err != nil {
		return err
	}
	if id == "" {
		return memerr.New(memerr.KindValidation, "record id is required")
	}
	return s.store.Delete(ctx, collection, id)
}

func (s *Server) get(ctx context.Context, principal auth.Principal, collection, id string) (store.Record, error) {
	if err := authorize(principal, collection, false); err != nil {
		return store.Record{}, err
	}
	if id == "" {
		return store.Record{}, memerr.New(memerr.KindValidation, "record id is required")
	}
	return s.store.Get(ctx, collection, id)
}

/*
authorize checks the caller's permission to use a collection, then the
collection name, so a scoped caller sees 403 for every collection outside its
scope. Administrative operations additionally need the admin role.
*/
func authorize(principal auth.Principal, collection string, admin bool) error {
	if !principal.CanAccess(collection) || (admin && !principal.IsAdmin()) {
		return memerr.Forbidden()
	}
	return namespace.ValidateName(collection)
}

/*
decodeJSON reads a request body into v. The body must be valid UTF-8, which
is checked on the raw bytes since encoding/json replaces invalid sequences.
*/
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return memerr.New(memerr.KindValidation, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return memerr.Wrap(memerr.KindValidation, err, "failed to read request body")
	}
	if len(body) == 0 {
		return memerr.New(memerr.KindValidation, "request body is required")
	}
	if !utf8.Valid(body) {
		return memerr.New(memerr.KindValidation, "request body is not valid UTF-8")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return memerr.New(memerr.KindValidation, "invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}

/*
writeError answers with the status and structured body for err. Unclassified
errors are logged and reported with a generic message.
*/
func writeError(w http.ResponseWriter, err error) {
	kind := memerr.KindOf(err)
	if rec, ok := w.(*statusRecorder); ok {
		rec.kind = kind
	}
	writeJSON(w, memerr.HTTPStatus(err), errorBody(err))
}

func errorBody(err error) ErrorResponse {
	var e *memerr.Error
	if !errors.As(err, &e) || e.Kind == memerr.KindInternal {
		log.WithError(err).Error("Unclassified failure")
		return ErrorResponse{Kind: string(memerr.KindInternal), Message: "internal error"}
	}
	if e.Kind == memerr.KindUpstream {
		log.WithError(err).Warn("Vector store failure")
	}
	return ErrorResponse{Kind: string(e.Kind), Message: e.Message}
}
