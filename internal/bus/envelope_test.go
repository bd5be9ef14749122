package bus

import (
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestDecodeEnvelope(t *testing.T) {
	env := newEnvelope("position.created", []byte(`{"id":"BTCUSDT_1h_1700000000000"}`))
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := decodeEnvelope(redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"envelope": string(raw)},
	})
	if !ok {
		t.Fatal("expected envelope to decode")
	}
	if got.Topic != "position.created" {
		t.Errorf("topic = %q, want position.created", got.Topic)
	}
	if got.Attempt != 0 {
		t.Errorf("attempt = %d, want 0", got.Attempt)
	}
	if string(got.Payload) != `{"id":"BTCUSDT_1h_1700000000000"}` {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	cases := []map[string]interface{}{
		{},
		{"envelope": 42},
		{"envelope": "not json"},
	}
	for _, values := range cases {
		if _, ok := decodeEnvelope(redis.XMessage{ID: "1-0", Values: values}); ok {
			t.Errorf("decodeEnvelope(%v) unexpectedly succeeded", values)
		}
	}
}

func TestNewEnvelopeUniqueIDs(t *testing.T) {
	a := newEnvelope("t", nil)
	b := newEnvelope("t", nil)
	if a.ID == b.ID {
		t.Error("expected distinct envelope ids")
	}
	if a.PublishedAt.IsZero() {
		t.Error("expected published_at to be set")
	}
}
