package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"memory-gateway/auth"
	"memory-gateway/memerr"
)

// streamReadTimeout closes a stream that sends nothing, not even a ping or pong, for that long.
var streamReadTimeout = 60 * time.Second

const streamWriteTimeout = 10 * time.Second

// Origins are not checked: the stream is authenticated by bearer token at upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

/*
handleWebSocket serves an authenticated stream of memory operations. Each
message is a StreamRequest answered by exactly one StreamResponse carrying
the same request ID.
*/
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the request
		return
	}
	defer conn.Close()

	if s.cfg.MaxBodyBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxBodyBytes)
	}
	readTimeout := streamReadTimeout
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(streamWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	logger := log.WithField("principal", principal.Name)
	logger.Debug("Stream opened")
	defer logger.Debug("Stream closed")

	done := make(chan struct{})
	defer close(done)
	go keepAlive(conn, readTimeout*9/10, done)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Warn("Stream read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		resp := s.handleStreamMessage(r.Context(), principal, payload)
		if resp.Error != nil {
			logger.WithField("kind", resp.Error.Kind).Warn("Stream request rejected")
		}

		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			logger.WithError(err).Warn("Stream write failed")
			return
		}
	}
}

// keepAlive pings the peer every period until done is closed or a ping fails.
func keepAlive(conn *websocket.Conn, period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) handleStreamMessage(ctx context.Context, principal auth.Principal, payload []byte) StreamResponse {
	if !utf8.Valid(payload) {
		return streamError("", memerr.New(memerr.KindValidation, "message is not valid UTF-8"))
	}
	var req StreamRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return streamError("", memerr.New(memerr.KindValidation, "invalid message: %v", err))
	}
	if !s.limiters.allow(principal.Name) {
		return streamError(req.RequestID, memerr.New(memerr.KindRateLimited, "request budget exceeded, retry later"))
	}

	var (
		result any
		err    error
	)
	switch req.Op {
	case OpRemember:
		result, err = s.remember(ctx, principal, req.Collection, RememberRequest{
			ID:        req.ID,
			Embedding: req.Embedding,
			Metadata:  req.Metadata,
			Text:      req.Text,
		})
	case OpRecall:
		result, err = s.recall(ctx, principal, req.Collection, RecallRequest{
			Embedding: req.Embedding,
			K:         req.K,
			Filter:    req.Filter,
		})
	case OpForget:
		err = s.forget(ctx, principal, req.Collection, req.ID)
		if err == nil {
			result = map[string]bool{"removed": true}
		}
	case OpGet:
		result, err = s.get(ctx, principal, req.Collection, req.ID)
	default:
		err = memerr.New(memerr.KindValidation, "unknown op %q", req.Op)
	}

	if err != nil {
		return streamError(req.RequestID, err)
	}
	return StreamResponse{RequestID: req.RequestID, Result: result}
}

func streamError(requestID string, err error) StreamResponse {
	body := errorBody(err)
	return StreamResponse{RequestID: requestID, Error: &body}
}
