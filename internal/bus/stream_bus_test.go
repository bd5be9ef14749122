package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type capturingParker struct {
	parked  []Envelope
	parkErr error
}

func (p *capturingParker) Park(_ context.Context, env Envelope) error {
	if p.parkErr != nil {
		return p.parkErr
	}
	p.parked = append(p.parked, env)
	return nil
}

func TestFailedMessageParksOnceThenDrops(t *testing.T) {
	parker := &capturingParker{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := &StreamBus{relay: parker, logger: logger}
	cause := errors.New("handler blew up")

	env := newEnvelope("position.closed", []byte(`{}`))
	b.routeFailure(context.Background(), logger, env, cause)

	if len(parker.parked) != 1 {
		t.Fatalf("parked %d messages, want 1", len(parker.parked))
	}
	redelivered := parker.parked[0]
	if redelivered.Attempt != 1 {
		t.Errorf("attempt = %d, want 1 on the parked copy", redelivered.Attempt)
	}
	if redelivered.ID != env.ID || redelivered.Topic != env.Topic {
		t.Errorf("parked envelope = %+v, want identity preserved", redelivered)
	}

	// The redelivered copy fails again. It must be dropped, not parked,
	// or a poison message would cycle forever.
	b.routeFailure(context.Background(), logger, redelivered, cause)
	if len(parker.parked) != 1 {
		t.Errorf("parked %d messages after the second failure, want still 1", len(parker.parked))
	}
}

func TestRouteFailureToleratesParkError(t *testing.T) {
	parker := &capturingParker{parkErr: errors.New("redis down")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := &StreamBus{relay: parker, logger: logger}

	// Must not panic; the failure is logged and the message is lost.
	b.routeFailure(context.Background(), logger, newEnvelope("t", nil), errors.New("boom"))
}
