package archive

import (
	"context"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/rde"
	"go.uber.org/zap"
)

// Archiver is the buffering front of the writer: it implements rde.Sink,
// batches events, and flushes on size or interval.
type Archiver struct {
	writer        *Writer
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	in            chan []rde.RouteEvent
}

func NewArchiver(writer *Writer, batchSize, flushIntervalMs int, logger *zap.Logger) *Archiver {
	return &Archiver{
		writer:        writer,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
		in:            make(chan []rde.RouteEvent, 16),
	}
}

// Publish hands a decision cycle's events to the archiver. It drops on a
// full buffer rather than stall the decision engine.
func (a *Archiver) Publish(_ context.Context, events []rde.RouteEvent) {
	select {
	case a.in <- events:
	default:
		a.logger.Warn("archive buffer full, dropping events", zap.Int("count", len(events)))
	}
}

// Run batches and flushes until the context is cancelled, then drains what
// is pending with a short grace window.
func (a *Archiver) Run(ctx context.Context) {
	var batch []*Row
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if _, err := a.writer.FlushBatch(ctx, batch); err != nil {
			a.logger.Error("archive flush failed", zap.Error(err))
			// Rows are dropped on failure: the archive is telemetry, not
			// state, and the next cycle produces fresh events.
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(shutdownCtx)
			cancel()
			return

		case events := <-a.in:
			now := time.Now()
			for i := range events {
				ev := events[i]
				batch = append(batch, &Row{EventID: EventID(&ev, now), Event: &ev, Raw: ev.Raw})
			}
			if len(batch) >= a.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}
