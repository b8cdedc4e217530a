package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"memory-gateway/api"
	"memory-gateway/config"
	"memory-gateway/memerr"
	"memory-gateway/store"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second
	defaultTimeout    = 10 * time.Second
)

/*
Client is the agent-side adapter to the memory gateway. It attaches the
bearer credential, retries transient failures with bounded exponential
backoff and serializes writes to the same record.
*/
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     log.FieldLogger
	locks      *lockTable
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

/*
WithRetries sets the retry budget and backoff bounds. maxRetries counts the
attempts after the first one.
*/
func WithRetries(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = max(0, maxRetries)
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
		if maxDelay > 0 {
			c.maxDelay = maxDelay
		}
	}
}

// WithLogger sets the logger used for retry and failure reports.
func WithLogger(logger log.FieldLogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

/*
New creates a client for the gateway at baseURL authenticating with token.
*/
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, memerr.New(memerr.KindValidation, "invalid gateway url %q", baseURL)
	}

	c := &Client{
		baseURL:    u,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		logger:     log.StandardLogger(),
		locks:      newLockTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = c.baseDelay
	}
	return c, nil
}

/*
FromConfig creates a client from the client section of the configuration.
*/
func FromConfig(cfg config.ClientConfig, opts ...Option) (*Client, error) {
	base, maxDelay := cfg.BackoffBounds()
	defaults := []Option{WithRetries(cfg.MaxRetries, base, maxDelay)}
	if cfg.Timeout > 0 {
		defaults = append(defaults, WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}))
	}
	return New(cfg.GatewayURL, cfg.Token, append(defaults, opts...)...)
}

/*
Remember stores record in collection and returns its ID. An empty record.ID
is filled in before the first attempt, so a retried write overwrites the
record it may already have stored instead of adding a second one.
Concurrent writes of the same ID through this client are applied one at a time.
*/
func (c *Client) Remember(ctx context.Context, collection string, record store.Record) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	unlock := c.locks.lock(collection + "/" + record.ID)
	defer unlock()

	var resp api.RememberResponse
	err := c.do(ctx, http.MethodPost, c.path("collections", collection, "records"), api.RememberRequest{
		ID:        record.ID,
		Embedding: record.Embedding,
		Metadata:  record.Metadata,
		Text:      record.Text,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

/*
Recall returns up to k records of collection nearest to embedding, nearest
first. filter may be nil.
*/
func (c *Client) Recall(ctx context.Context, collection string, embedding []float32, k int, filter store.Filter) ([]store.Match, error) {
	var resp api.RecallResponse
	err := c.do(ctx, http.MethodPost, c.path("collections", collection, "query"), api.RecallRequest{
		Embedding: embedding,
		K:         k,
		Filter:    filter,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Matches == nil {
		resp.Matches = []store.Match{}
	}
	return resp.Matches, nil
}

/*
Forget deletes a record. A record that is already absent is not an error:
removed is false and err is nil.
*/
func (c *Client) Forget(ctx context.Context, collection, id string) (bool, error) {
	unlock := c.locks.lock(collection + "/" + id)
	defer unlock()

	err := c.do(ctx, http.MethodDelete, c.path("collections", collection, "records", id), nil, nil)
	if errors.Is(err, memerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get fetches a single record.
func (c *Client) Get(ctx context.Context, collection, id string) (store.Record, error) {
	var record store.Record
	err := c.do(ctx, http.MethodGet, c.path("collections", collection, "records", id), nil, &record)
	return record, err
}

// EnsureCollection creates a collection or confirms its dimensionality. It needs an admin credential.
func (c *Client) EnsureCollection(ctx context.Context, name string, dims int) (store.Collection, error) {
	var info store.Collection
	err := c.do(ctx, http.MethodPut, c.path("collections", name), api.EnsureCollectionRequest{Dimensions: dims}, &info)
	return info, err
}

// ResolveCollection describes an existing collection.
func (c *Client) ResolveCollection(ctx context.Context, name string) (store.Collection, error) {
	var info store.Collection
	err := c.do(ctx, http.MethodGet, c.path("collections", name), nil, &info)
	return info, err
}

// ListCollections returns the collections the credential may use.
func (c *Client) ListCollections(ctx context.Context) ([]store.Collection, error) {
	var resp api.CollectionsResponse
	if err := c.do(ctx, http.MethodGet, c.path("collections"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Collections, nil
}

// DeleteCollection irreversibly removes a collection. It needs an admin credential.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.path("collections", name), nil, nil)
}

// Health reports whether the gateway and its store are serving.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.baseURL.JoinPath("healthz").String(), nil, nil)
}

func (c *Client) path(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := *c.baseURL
	base := strings.TrimRight(u.EscapedPath(), "/") + "/v1/"
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/" + strings.Join(segments, "/")
	u.RawPath = base + strings.Join(escaped, "/")
	return u.String()
}

/*
do sends one logical request, retrying transient failures. Validation, auth,
schema and not found errors are returned at once.
*/
func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return memerr.Wrap(memerr.KindValidation, err, "failed to encode request")
		}
	}

	operation := func() error {
		err := c.send(ctx, method, target, payload, out)
		if err != nil && !memerr.Retryable(memerr.KindOf(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	attempt := 0
	notify := func(err error, delay time.Duration) {
		attempt++
		c.logger.WithFields(log.Fields{
			"method":  method,
			"kind":    memerr.KindOf(err),
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("Gateway request failed, retrying")
	}
	return backoff.RetryNotify(operation, c.newBackOff(ctx), notify)
}

/*
newBackOff returns the retry schedule of one logical request: exponential
from baseDelay, capped at maxDelay, randomized by half either way, with at
most maxRetries retries, stopping when ctx is done.
*/
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.baseDelay
	exp.MaxInterval = c.maxDelay
	exp.RandomizationFactor = 0.5
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxRetries)), ctx)
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return memerr.Wrap(memerr.KindValidation, err, "failed to build request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return memerr.Unreachable(err, "gateway request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return memerr.Unreachable(err, "failed to read gateway response")
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return memerr.Wrap(memerr.KindInternal, err, "failed to decode gateway response")
	}
	return nil
}

/*
decodeError rebuilds the classified error from a gateway error response.
Bodies that are not gateway errors are classified by status code.
*/
func decodeError(status int, data []byte) error {
	var body api.ErrorResponse
	var e *memerr.Error
	if json.Unmarshal(data, &body) == nil && body.Kind != "" {
		e = memerr.New(memerr.ParseKind(body.Kind), "%s", body.Message)
	} else {
		e = memerr.New(kindForStatus(status), "gateway answered %d", status)
	}
	e.Forbidden = status == http.StatusForbidden
	e.Unavailable = status == http.StatusServiceUnavailable
	return e
}

func kindForStatus(status int) memerr.Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return memerr.KindAuth
	case http.StatusNotFound:
		return memerr.KindNotFound
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return memerr.KindValidation
	case http.StatusConflict:
		return memerr.KindSchemaConflict
	case http.StatusTooManyRequests:
		return memerr.KindRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return memerr.KindUpstream
	default:
		return memerr.KindInternal
	}
}

/*
lockTable hands out one mutex per key and forgets keys nobody holds.
*/
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

func (t *lockTable) lock(key string) func() {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
