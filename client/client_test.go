package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-gateway/api"
	"memory-gateway/auth"
	"memory-gateway/config"
	"memory-gateway/memerr"
	"memory-gateway/namespace"
	"memory-gateway/store"
)

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newGatewayHandler(t))
	t.Cleanup(srv.Close)
	return srv
}

func newGatewayHandler(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.PersistenceEngine = false

	st, err := store.NewLocal(cfg.Store, cfg.Collections)
	require.NoError(t, err)
	namespaces, err := namespace.NewManager(st, cfg.Collections)
	require.NoError(t, err)
	validator, err := auth.NewValidator([]config.Credential{
		{Name: "agent", Token: "secretA", Role: config.RoleMember},
		{Name: "ops", Token: "secretAdmin", Role: config.RoleAdmin},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		namespaces.Close()
		st.Close()
	})
	return api.NewServer(st, namespaces, validator, cfg).Handler()
}

func newClient(t *testing.T, url, token string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithRetries(3, time.Millisecond, 5*time.Millisecond)}, opts...)
	c, err := New(url, token, opts...)
	require.NoError(t, err)
	return c
}

func TestRememberRecallForget(t *testing.T) {
	srv := newGateway(t)
	c := newClient(t, srv.URL, "secretA")
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	id, err := c.Remember(ctx, "community-x", store.Record{
		ID:        "fact-1",
		Embedding: []float32{0.1, 0.2},
		Metadata:  map[string]any{"topic": "gardening"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fact-1", id)

	matches, err := c.Recall(ctx, "community-x", []float32{0.1, 0.2}, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "fact-1", matches[0].Record.ID)
	assert.InDelta(t, 0, matches[0].Distance, 1e-5)

	_, err = c.Recall(ctx, "community-y", []float32{0.1, 0.2}, 1, nil)
	assert.ErrorIs(t, err, memerr.ErrNotFound)

	removed, err := c.Forget(ctx, "community-x", "fact-1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = c.Forget(ctx, "community-x", "fact-1")
	require.NoError(t, err, "forgetting an absent record is a no-op")
	assert.False(t, removed)

	matches, err = c.Recall(ctx, "community-x", []float32{0.1, 0.2}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.NotNil(t, matches)
}

func TestRememberOverwritesSameID(t *testing.T) {
	srv := newGateway(t)
	c := newClient(t, srv.URL, "secretA")
	ctx := context.Background()

	_, err := c.Remember(ctx, "facts", store.Record{ID: "x", Embedding: []float32{1, 0}, Text: "first"})
	require.NoError(t, err)
	_, err = c.Remember(ctx, "facts", store.Record{ID: "x", Embedding: []float32{0, 1}, Text: "second"})
	require.NoError(t, err)

	record, err := c.Get(ctx, "facts", "x")
	require.NoError(t, err)
	assert.Equal(t, "second", record.Text)

	info, err := c.ResolveCollection(ctx, "facts")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Count)
}

func TestRememberRetryKeepsGeneratedID(t *testing.T) {
	gateway := newGatewayHandler(t)
	var writes atomic.Int32
	// the first write reaches the store but its answer is lost
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/records") && writes.Add(1) == 1 {
			gateway.ServeHTTP(httptest.NewRecorder(), r)
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"kind":"upstream_error","message":"connection reset"}`)
			return
		}
		gateway.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	c := newClient(t, srv.URL, "secretA")
	ctx := context.Background()

	id, err := c.Remember(ctx, "mem", store.Record{Embedding: []float32{1, 0}, Text: "only once"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.EqualValues(t, 2, writes.Load())

	info, err := c.ResolveCollection(ctx, "mem")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Count, "a retried write must not store a second record")

	record, err := c.Get(ctx, "mem", id)
	require.NoError(t, err)
	assert.Equal(t, "only once", record.Text)
}

func TestConcurrentRememberSameID(t *testing.T) {
	srv := newGateway(t)
	c := newClient(t, srv.URL, "secretA")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Remember(ctx, "facts", store.Record{ID: "shared", Embedding: []float32{1, float32(i)}, Text: fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	info, err := c.ResolveCollection(ctx, "facts")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Count)
	assert.Zero(t, c.locks.size(), "idle locks are released")
}

func TestCollectionAdministration(t *testing.T) {
	srv := newGateway(t)
	member := newClient(t, srv.URL, "secretA")
	admin := newClient(t, srv.URL, "secretAdmin")
	ctx := context.Background()

	_, err := member.EnsureCollection(ctx, "notes", 3)
	assert.ErrorIs(t, err, memerr.ErrAuth)

	info, err := admin.EnsureCollection(ctx, "notes", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Dimensions)

	_, err = admin.EnsureCollection(ctx, "notes", 4)
	assert.ErrorIs(t, err, memerr.ErrSchemaConflict)

	collections, err := member.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, collections, 1)

	require.NoError(t, admin.DeleteCollection(ctx, "notes"))
	_, err = member.ResolveCollection(ctx, "notes")
	assert.ErrorIs(t, err, memerr.ErrNotFound)
}

func TestWrongCredentialIsNotRetried(t *testing.T) {
	srv := newGateway(t)
	c := newClient(t, srv.URL, "wrong")

	_, err := c.Remember(context.Background(), "facts", store.Record{ID: "a", Embedding: []float32{1}})
	require.ErrorIs(t, err, memerr.ErrAuth)
	assert.Equal(t, http.StatusUnauthorized, memerr.HTTPStatus(err))
}

/*
flakyServer fails the first failures requests with status and then answers
with an empty recall result.
*/
func flakyServer(t *testing.T, failures int32, status int, kind memerr.Kind) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n <= failures {
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"kind":%q,"message":"try again"}`, kind)
			return
		}
		fmt.Fprint(w, `{"matches":[]}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRetriesTransientFailures(t *testing.T) {
	srv, calls := flakyServer(t, 2, http.StatusServiceUnavailable, memerr.KindUpstream)
	c := newClient(t, srv.URL, "secretA")

	matches, err := c.Recall(context.Background(), "facts", []float32{1}, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetriesAreBounded(t *testing.T) {
	srv, calls := flakyServer(t, 100, http.StatusTooManyRequests, memerr.KindRateLimited)
	c := newClient(t, srv.URL, "secretA")

	_, err := c.Recall(context.Background(), "facts", []float32{1}, 1, nil)
	require.ErrorIs(t, err, memerr.ErrRateLimited)
	assert.EqualValues(t, 4, calls.Load(), "one attempt plus three retries")
}

func TestTerminalFailuresAreNotRetried(t *testing.T) {
	tests := []struct {
		status int
		kind   memerr.Kind
	}{
		{http.StatusUnauthorized, memerr.KindAuth},
		{http.StatusConflict, memerr.KindSchemaConflict},
		{http.StatusBadRequest, memerr.KindValidation},
		{http.StatusNotFound, memerr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			srv, calls := flakyServer(t, 100, tt.status, tt.kind)
			c := newClient(t, srv.URL, "secretA")

			_, err := c.Recall(context.Background(), "facts", []float32{1}, 1, nil)
			require.Error(t, err)
			assert.Equal(t, tt.kind, memerr.KindOf(err))
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	srv, _ := flakyServer(t, 100, http.StatusBadGateway, memerr.KindUpstream)
	c := newClient(t, srv.URL, "secretA", WithRetries(10, time.Second, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Recall(ctx, "facts", []float32{1}, 1, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestUnreachableGatewayIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newClient(t, url, "secretA", WithRetries(1, time.Millisecond, time.Millisecond))
	err := c.Health(context.Background())
	require.ErrorIs(t, err, memerr.ErrUpstream)
	assert.Equal(t, http.StatusServiceUnavailable, memerr.HTTPStatus(err))
}

func TestBackoffIsBounded(t *testing.T) {
	c := newClient(t, "http://localhost:1", "", WithRetries(40, 100*time.Millisecond, 2*time.Second))
	b := c.newBackOff(context.Background())

	first := b.NextBackOff()
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)
	assert.LessOrEqual(t, first, 150*time.Millisecond)
	for retry := 1; retry < 40; retry++ {
		delay := b.NextBackOff()
		assert.GreaterOrEqual(t, delay, 50*time.Millisecond)
		assert.LessOrEqual(t, delay, 3*time.Second)
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "retry budget is spent")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, backoff.Stop, c.newBackOff(ctx).NextBackOff(), "a done context stops retrying")
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "://"} {
		_, err := New(u, "t")
		assert.ErrorIs(t, err, memerr.ErrValidation, u)
	}
}

func TestPathEscapesSegments(t *testing.T) {
	c := newClient(t, "http://gw.local/base/", "")
	assert.Equal(t, "http://gw.local/base/v1/collections/facts/records/a%2Fb%20c", c.path("collections", "facts", "records", "a/b c"))
}

func TestStream(t *testing.T) {
	srv := newGateway(t)
	ctx := context.Background()

	_, err := newClient(t, srv.URL, "wrong").Stream(ctx)
	require.ErrorIs(t, err, memerr.ErrAuth)

	s, err := newClient(t, srv.URL, "secretA").Stream(ctx)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Remember(ctx, "community-x", store.Record{ID: "fact-1", Embedding: []float32{0.1, 0.2}})
	require.NoError(t, err)
	assert.Equal(t, "fact-1", id)

	matches, err := s.Recall(ctx, "community-x", []float32{0.1, 0.2}, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "fact-1", matches[0].Record.ID)

	removed, err := s.Forget(ctx, "community-x", "fact-1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Forget(ctx, "community-x", "fact-1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.Recall(ctx, "community-x", []float32{0.1}, 1, nil)
	assert.ErrorIs(t, err, memerr.ErrSchemaConflict)
}

func TestStreamKeepsIdleConnectionAlive(t *testing.T) {
	previous := streamPingPeriod
	streamPingPeriod = 20 * time.Millisecond
	t.Cleanup(func() { streamPingPeriod = previous })

	var pings atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(string) error {
			pings.Add(1)
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	s, err := newClient(t, srv.URL, "secretA").Stream(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return pings.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is harmless")
}
