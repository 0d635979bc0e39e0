// Package archive persists route events to Postgres as a write-only
// telemetry trail. The speaker itself stays stateless: nothing here is
// ever read back at runtime.
package archive

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rde"
	"go.uber.org/zap"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("archive: zstd encoder init: %v", err))
	}
}

type Writer struct {
	pool          *pgxpool.Pool
	logger        *zap.Logger
	storeRawBytes bool
	compressRaw   bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, storeRawBytes, compressRaw bool) *Writer {
	return &Writer{
		pool:          pool,
		logger:        logger,
		storeRawBytes: storeRawBytes,
		compressRaw:   compressRaw,
	}
}

// Row is one route_events insert.
type Row struct {
	EventID []byte // 32-byte SHA256
	Event   *rde.RouteEvent
	Raw     []byte // optional raw UPDATE bytes
}

// EventID derives the dedup key for an event observed at a given cycle
// time. Identical changes within the same second collapse.
func EventID(ev *rde.RouteEvent, at time.Time) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d",
		ev.Prefix, ev.Action, ev.PeerID, ev.Nexthop, ev.ASPath, at.Unix())
	return h.Sum(nil)
}

// FlushBatch inserts a batch of rows into route_events. Returns the number
// of rows actually inserted (after dedup).
func (w *Writer) FlushBatch(ctx context.Context, rows []*Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO route_events (event_id, observed_at, prefix, action, peer_id,
			peer_asn, pref, nexthop, as_path, origin, localpref, med,
			communities_std, communities_large, raw_update)
		VALUES ($1, now(), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (event_id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		var rawBytes []byte
		if w.storeRawBytes && row.Raw != nil {
			if w.compressRaw {
				rawBytes = zstdEncoder.EncodeAll(row.Raw, nil)
			} else {
				rawBytes = row.Raw
			}
		}

		batch.Queue(insertSQL,
			row.EventID, row.Event.Prefix, row.Event.Action,
			nilIfEmpty(row.Event.PeerID), row.Event.PeerASN, row.Event.Pref,
			nilIfEmpty(row.Event.Nexthop), nilIfEmpty(row.Event.ASPath),
			nilIfEmpty(row.Event.Origin), row.Event.LocalPref, row.Event.MED,
			row.Event.CommStd, row.Event.CommLarge, rawBytes,
		)
	}

	results := tx.SendBatch(ctx, batch)
	var totalInserted int64
	for i := range rows {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("insert route_event[%d]: %w", i, err)
		}
		affected := tag.RowsAffected()
		totalInserted += affected
		if affected == 0 {
			metrics.ArchiveDedupConflictsTotal.Inc()
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("insert").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("route_events", "insert").Add(float64(totalInserted))
	metrics.BatchSize.Observe(float64(len(rows)))

	return totalInserted, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
