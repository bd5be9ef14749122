package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamPongWait          = 3 * time.Minute
	streamReconnectDelay    = 2 * time.Second
	streamMaxReconnectDelay = 60 * time.Second
)

// ExecutionReportHandler receives every order update from the stream.
type ExecutionReportHandler func(ctx context.Context, report ExecutionReport)

// AccountPositionHandler receives every balance update from the stream.
type AccountPositionHandler func(ctx context.Context, position AccountPosition)

// UserStream consumes the account's user data stream over WebSocket and
// fans events out to the registered handlers. Reconnection with exponential
// backoff is handled internally; the caller only supplies fresh listen keys.
type UserStream struct {
	streamURL string
	logger    *slog.Logger

	onReport   ExecutionReportHandler
	onPosition AccountPositionHandler
}

// NewUserStream creates a UserStream against the given WebSocket root, e.g.
// "wss://stream.binance.com:9443".
func NewUserStream(streamURL string, logger *slog.Logger) *UserStream {
	return &UserStream{
		streamURL: streamURL,
		logger:    logger.With("component", "binance.userstream"),
	}
}

// OnExecutionReport registers the order-update handler.
func (s *UserStream) OnExecutionReport(h ExecutionReportHandler) { s.onReport = h }

// OnAccountPosition registers the balance-update handler.
func (s *UserStream) OnAccountPosition(h AccountPositionHandler) { s.onPosition = h }

// Run connects with the given listen key and consumes events until the
// context is cancelled, reconnecting with exponential backoff on any
// connection loss.
func (s *UserStream) Run(ctx context.Context, listenKey string) error {
	delay := streamReconnectDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.consume(ctx, listenKey)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("stream disconnected", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > streamMaxReconnectDelay {
			delay = streamMaxReconnectDelay
		}
	}
}

func (s *UserStream) consume(ctx context.Context, listenKey string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.streamURL+"/ws/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("binance: dial stream: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.logger.Info("stream connected")
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("binance: read stream: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		s.dispatch(ctx, raw)
	}
}

func (s *UserStream) dispatch(ctx context.Context, raw []byte) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		s.logger.Warn("malformed stream event", "error", err)
		return
	}

	switch probe.EventType {
	case "executionReport":
		if s.onReport == nil {
			return
		}
		var report ExecutionReport
		if err := json.Unmarshal(raw, &report); err != nil {
			s.logger.Warn("malformed execution report", "error", err)
			return
		}
		s.onReport(ctx, report)
	case "outboundAccountPosition":
		if s.onPosition == nil {
			return
		}
		var position AccountPosition
		if err := json.Unmarshal(raw, &position); err != nil {
			s.logger.Warn("malformed account position", "error", err)
			return
		}
		s.onPosition(ctx, position)
	}
}
