package sweeper

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/binance-trader/engine/internal/domain"
)

type fakeArchivePositionStore struct {
	domain.PositionStore

	closed   []domain.Position
	archived []string
}

func (f *fakeArchivePositionStore) ListClosedBefore(_ context.Context, _ time.Time, _ int) ([]domain.Position, error) {
	return f.closed, nil
}

func (f *fakeArchivePositionStore) MarkArchived(_ context.Context, ids []string) error {
	f.archived = append(f.archived, ids...)
	return nil
}

type fakeArchiveOrderStore struct {
	domain.OrderStore

	terminal []domain.Order
	archived map[string][]int64
}

func (f *fakeArchiveOrderStore) ListTerminalBefore(_ context.Context, _ time.Time, _ int) ([]domain.Order, error) {
	return f.terminal, nil
}

func (f *fakeArchiveOrderStore) MarkArchived(_ context.Context, symbol string, ids []int64) error {
	if f.archived == nil {
		f.archived = make(map[string][]int64)
	}
	f.archived[symbol] = append(f.archived[symbol], ids...)
	return nil
}

type fakeBlobWriter struct {
	objects map[string][]byte
}

func (f *fakeBlobWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	f.objects[path] = buf.Bytes()
	return nil
}

func TestArchiverExportsAndMarks(t *testing.T) {
	positions := &fakeArchivePositionStore{closed: []domain.Position{
		{ID: "BTCUSDT_1h_1", Symbol: "BTCUSDT"},
		{ID: "ETHUSDT_1h_2", Symbol: "ETHUSDT"},
	}}
	orders := &fakeArchiveOrderStore{terminal: []domain.Order{
		{Symbol: "BTCUSDT", OrderID: 1},
		{Symbol: "BTCUSDT", OrderID: 2},
		{Symbol: "ETHUSDT", OrderID: 3},
	}}
	blob := &fakeBlobWriter{}

	a := NewArchiver(
		ArchiverConfig{Retention: 30 * 24 * time.Hour, BatchSize: 500, ScanEvery: time.Hour},
		positions, orders, blob,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	a.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(blob.objects) != 2 {
		t.Fatalf("uploaded %d objects, want 2", len(blob.objects))
	}
	for path, body := range blob.objects {
		if !strings.HasPrefix(path, "archive/") || !strings.HasSuffix(path, ".jsonl") {
			t.Errorf("unexpected object key %q", path)
		}
		lines := strings.Count(string(body), "\n")
		if strings.Contains(path, "positions") && lines != 2 {
			t.Errorf("%s has %d lines, want 2", path, lines)
		}
		if strings.Contains(path, "orders") && lines != 3 {
			t.Errorf("%s has %d lines, want 3", path, lines)
		}
	}

	if len(positions.archived) != 2 {
		t.Errorf("archived positions = %v", positions.archived)
	}
	if len(orders.archived["BTCUSDT"]) != 2 || len(orders.archived["ETHUSDT"]) != 1 {
		t.Errorf("archived orders = %v", orders.archived)
	}
}

func TestArchiverEmptyRunUploadsNothing(t *testing.T) {
	blob := &fakeBlobWriter{}
	a := NewArchiver(
		ArchiverConfig{Retention: time.Hour, BatchSize: 10, ScanEvery: time.Hour},
		&fakeArchivePositionStore{}, &fakeArchiveOrderStore{}, blob,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(blob.objects) != 0 {
		t.Errorf("uploaded %d objects, want none", len(blob.objects))
	}
}
