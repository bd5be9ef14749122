package sweeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/binance-trader/engine/internal/domain"
)

// BlobWriter uploads one object to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// ArchiverConfig holds the archiver's settings.
type ArchiverConfig struct {
	// Retention is how long closed positions and terminal orders stay in
	// Postgres before they are exported.
	Retention time.Duration
	// BatchSize caps how many records one run exports per kind.
	BatchSize int
	// ScanEvery is the run cadence.
	ScanEvery time.Duration
}

// Archiver exports closed positions and terminal orders past the retention
// window to object storage as JSON lines and stamps them archived. Archived
// rows stay in Postgres; deleting them is an explicit manual step after the
// export has been verified.
type Archiver struct {
	cfg       ArchiverConfig
	positions domain.PositionStore
	orders    domain.OrderStore
	blob      BlobWriter
	logger    *slog.Logger

	Now func() time.Time
}

// NewArchiver creates the archiver.
func NewArchiver(
	cfg ArchiverConfig,
	positions domain.PositionStore,
	orders domain.OrderStore,
	blob BlobWriter,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		cfg:       cfg,
		positions: positions,
		orders:    orders,
		blob:      blob,
		logger:    logger.With("component", "sweeper.archiver"),
		Now:       time.Now,
	}
}

// Run archives on the configured cadence until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.ScanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.logger.Error("archive run failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single archive pass for both kinds.
func (a *Archiver) RunOnce(ctx context.Context) error {
	now := a.Now().UTC()
	cutoff := now.Add(-a.cfg.Retention)

	posCount, err := a.archivePositions(ctx, cutoff, now)
	if err != nil {
		return fmt.Errorf("sweeper: archive positions before %v: %w", cutoff, err)
	}
	orderCount, err := a.archiveOrders(ctx, cutoff, now)
	if err != nil {
		return fmt.Errorf("sweeper: archive orders before %v: %w", cutoff, err)
	}

	if posCount > 0 || orderCount > 0 {
		a.logger.Info("archive run complete",
			"positions", posCount, "orders", orderCount, "cutoff", cutoff)
	}
	return nil
}

func (a *Archiver) archivePositions(ctx context.Context, cutoff, now time.Time) (int, error) {
	positions, err := a.positions.ListClosedBefore(ctx, cutoff, a.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONLines(positions)
	if err != nil {
		return 0, err
	}
	if err := a.blob.Put(ctx, archivePath("positions", now), bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, err
	}

	ids := make([]string, len(positions))
	for i, p := range positions {
		ids[i] = p.ID
	}
	if err := a.positions.MarkArchived(ctx, ids); err != nil {
		return 0, err
	}
	return len(positions), nil
}

func (a *Archiver) archiveOrders(ctx context.Context, cutoff, now time.Time) (int, error) {
	orders, err := a.orders.ListTerminalBefore(ctx, cutoff, a.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(orders) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONLines(orders)
	if err != nil {
		return 0, err
	}
	if err := a.blob.Put(ctx, archivePath("orders", now), bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, err
	}

	// The orders table is keyed by (symbol, orderId), so the archived stamp
	// goes down per symbol.
	bySymbol := make(map[string][]int64)
	for _, o := range orders {
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o.OrderID)
	}
	for symbol, ids := range bySymbol {
		if err := a.orders.MarkArchived(ctx, symbol, ids); err != nil {
			return 0, err
		}
	}
	return len(orders), nil
}

// marshalJSONLines renders records as newline-delimited JSON.
func marshalJSONLines[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// archivePath builds the object key for one export, partitioned by run time
// so repeated runs in the same month never overwrite each other.
//
//	archive/positions/2026-08/29T153000.jsonl
func archivePath(kind string, runAt time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, runAt.Format("2006-01/02T150405"))
}
