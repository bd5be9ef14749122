package domain

// Bus topics. Topic-routed publish/subscribe with durable consumer groups;
// a failed handler gets exactly one delayed redelivery through the retry
// relay before the message is dropped.
const (
	TopicCandleProcessed       = "candle.processed"
	TopicSignalClosed          = "signal.closed"
	TopicPositionCreated       = "position.created"
	TopicPositionClosed        = "position.closed"
	TopicPositionClosedRequeue = "position.closed/requeue"
	TopicPositionProcessed     = "position.processed"
)

// CandleTick announces that an enriched candle finished processing for a
// symbol/interval pair. It is the payload of TopicCandleProcessed. Candle
// carries the enriched candle itself when the producer includes it, so the
// consumer can persist it before evaluating.
type CandleTick struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	Candle   *Candle `json:"candle,omitempty"`
}
