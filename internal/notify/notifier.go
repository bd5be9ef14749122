// Package notify broadcasts position lifecycle events to operator channels
// (Telegram, Discord). Delivery is best-effort: a failed or missing channel
// never blocks trading.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/binance-trader/engine/internal/domain"
)

// Sender delivers one message to a single channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// TradeNotifier formats position events and fans them out to all senders.
// Its handler methods satisfy domain.Handler and always return nil, so
// notification failures never reach the retry relay.
type TradeNotifier struct {
	senders []Sender
	logger  *slog.Logger
}

// NewTradeNotifier creates a TradeNotifier over the given channels.
func NewTradeNotifier(senders []Sender, logger *slog.Logger) *TradeNotifier {
	return &TradeNotifier{
		senders: senders,
		logger:  logger.With("component", "notify"),
	}
}

// HandlePositionCreated consumes position.created and announces the entry.
func (n *TradeNotifier) HandlePositionCreated(ctx context.Context, payload []byte) error {
	var pos domain.Position
	if err := json.Unmarshal(payload, &pos); err != nil {
		n.logger.Error("malformed position payload", "error", err)
		return nil
	}

	title := fmt.Sprintf("Position opened %s", pos.Symbol)
	message := fmt.Sprintf("interval %s\nbuy %.8g\ntake profit %.8g\nstop loss %.8g",
		pos.Interval, pos.BuyPrice, pos.TakeProfit, pos.StopLoss)
	n.dispatch(ctx, title, message)
	return nil
}

// HandlePositionClosed consumes position.closed and announces the exit with
// its trigger and result.
func (n *TradeNotifier) HandlePositionClosed(ctx context.Context, payload []byte) error {
	var pos domain.Position
	if err := json.Unmarshal(payload, &pos); err != nil {
		n.logger.Error("malformed position payload", "error", err)
		return nil
	}

	title := fmt.Sprintf("Position closed %s (%s)", pos.Symbol, pos.SellTrigger)
	message := fmt.Sprintf("buy %.8g\nsell %.8g\nchange %+.2f%%",
		pos.BuyPrice, pos.SellPrice, pos.Change)
	n.dispatch(ctx, title, message)
	return nil
}

func (n *TradeNotifier) dispatch(ctx context.Context, title, message string) {
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error("notification failed", "sender", s.Name(), "error", err)
			continue
		}
		n.logger.Debug("notification sent", "sender", s.Name(), "title", title)
	}
}
