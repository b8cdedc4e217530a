package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"memory-gateway/api"
	"memory-gateway/memerr"
	"memory-gateway/store"
)

/*
Stream is a websocket session with the gateway for agents that issue many
small operations. Requests on one Stream are sent one at a time and are not
retried.
*/
type Stream struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	nextID    int
	done      chan struct{}
	closeOnce sync.Once
}

// streamPingPeriod keeps an idle stream inside the gateway's read timeout.
var streamPingPeriod = 30 * time.Second

// Stream opens a websocket session authenticated with the client's token.
func (c *Client) Stream(ctx context.Context) (*Stream, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u = *u.JoinPath("v1", "ws")

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, memerr.New(kindForStatus(resp.StatusCode), "stream upgrade rejected with %d", resp.StatusCode)
		}
		return nil, memerr.Unreachable(err, "failed to open stream")
	}
	s := &Stream{conn: conn, done: make(chan struct{})}
	go s.keepAlive(streamPingPeriod)
	return s, nil
}

/*
keepAlive pings the gateway while the stream is open. The gateway's pongs are
consumed by the next read of an operation.
*/
func (s *Stream) keepAlive(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Remember stores a record over the stream and returns its ID.
func (s *Stream) Remember(ctx context.Context, collection string, record store.Record) (string, error) {
	var resp api.RememberResponse
	err := s.do(ctx, api.StreamRequest{
		Op:         api.OpRemember,
		Collection: collection,
		ID:         record.ID,
		Embedding:  record.Embedding,
		Metadata:   record.Metadata,
		Text:       record.Text,
	}, &resp)
	return resp.ID, err
}

// Recall queries over the stream.
func (s *Stream) Recall(ctx context.Context, collection string, embedding []float32, k int, filter store.Filter) ([]store.Match, error) {
	var resp api.RecallResponse
	err := s.do(ctx, api.StreamRequest{
		Op:         api.OpRecall,
		Collection: collection,
		Embedding:  embedding,
		K:          k,
		Filter:     filter,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Matches == nil {
		resp.Matches = []store.Match{}
	}
	return resp.Matches, nil
}

// Forget deletes a record over the stream; an absent record yields false and no error.
func (s *Stream) Forget(ctx context.Context, collection, id string) (bool, error) {
	err := s.do(ctx, api.StreamRequest{Op: api.OpForget, Collection: collection, ID: id}, nil)
	if memerr.KindOf(err) == memerr.KindNotFound {
		return false, nil
	}
	return err == nil, err
}

// Close ends the session. Later calls do nothing.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) do(ctx context.Context, req api.StreamRequest, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	req.RequestID = strconv.Itoa(s.nextID)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	s.conn.SetWriteDeadline(deadline)
	s.conn.SetReadDeadline(deadline)

	if err := s.conn.WriteJSON(req); err != nil {
		return memerr.Unreachable(err, "stream write failed")
	}

	var resp struct {
		RequestID string             `json:"request_id"`
		Result    json.RawMessage    `json:"result"`
		Error     *api.ErrorResponse `json:"error"`
	}
	if err := s.conn.ReadJSON(&resp); err != nil {
		return memerr.Unreachable(err, "stream read failed")
	}
	if resp.RequestID != req.RequestID {
		return memerr.New(memerr.KindInternal, "stream answered request %s, expected %s", resp.RequestID, req.RequestID)
	}
	if resp.Error != nil {
		return memerr.New(memerr.ParseKind(resp.Error.Kind), "%s", resp.Error.Message)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode stream result: %w", err)
	}
	return nil
}
