package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every payload that crosses the bus. Attempt counts
// deliveries that already failed; the bus increments it when it parks a
// message for redelivery.
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Attempt     int             `json:"attempt"`
	PublishedAt time.Time       `json:"published_at"`
	Payload     json.RawMessage `json:"payload"`
}

func newEnvelope(topic string, payload []byte) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		Topic:       topic,
		PublishedAt: time.Now().UTC(),
		Payload:     payload,
	}
}
