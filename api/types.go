package api

import (
	"memory-gateway/store"
)

/*
RememberRequest stores one record. An empty ID asks the gateway to generate one.
*/
type RememberRequest struct {
	ID        string         `json:"id,omitempty"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Text      string         `json:"text,omitempty"`
}

// RememberResponse carries the ID the record was stored under.
type RememberResponse struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
}

/*
RecallRequest is a nearest neighbor query.
*/
type RecallRequest struct {
	Embedding []float32    `json:"embedding"`
	K         int          `json:"k"`
	Filter    store.Filter `json:"filter,omitempty"`
}

// RecallResponse lists matches nearest first.
type RecallResponse struct {
	Matches []store.Match `json:"matches"`
}

// EnsureCollectionRequest creates a collection explicitly.
type EnsureCollectionRequest struct {
	Dimensions int `json:"dimensions"`
}

// CollectionsResponse lists the collections visible to the caller.
type CollectionsResponse struct {
	Collections []store.Collection `json:"collections"`
}

/*
ErrorResponse is the body of every failed request.
*/
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Kind   string `json:"kind,omitempty"`
}

/*
StreamRequest is one operation sent over the websocket.
*/
type StreamRequest struct {
	Op         string         `json:"op"`
	RequestID  string         `json:"request_id"`
	Collection string         `json:"collection"`
	ID         string         `json:"id,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Text       string         `json:"text,omitempty"`
	K          int            `json:"k,omitempty"`
	Filter     store.Filter   `json:"filter,omitempty"`
}

/*
StreamResponse answers one StreamRequest; exactly one of Result and Error is set.
*/
type StreamResponse struct {
	RequestID string         `json:"request_id"`
	Result    any            `json:"result,omitempty"`
	Error     *ErrorResponse `json:"error,omitempty"`
}

// Stream operations.
const (
	OpRemember = "remember"
	OpRecall   = "recall"
	OpForget   = "forget"
	OpGet      = "get"
)

// maxK bounds the number of matches a single query may ask for.
const maxK = 1000
