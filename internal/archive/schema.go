package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// The archive owns exactly one table. The DDL is idempotent, so ensuring
// the schema is a single guarded statement rather than a migration
// framework; schemaVersion exists so a future shape change can detect an
// older table and refuse to write into it.
const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS route_events (
    event_id          BYTEA PRIMARY KEY,
    observed_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    prefix            TEXT NOT NULL,
    action            CHAR(1) NOT NULL,
    peer_id           TEXT,
    peer_asn          BIGINT,
    pref              BIGINT NOT NULL DEFAULT 0,
    nexthop           TEXT,
    as_path           TEXT,
    origin            TEXT,
    localpref         BIGINT,
    med               BIGINT,
    communities_std   TEXT[],
    communities_large TEXT[],
    raw_update        BYTEA
);

CREATE INDEX IF NOT EXISTS route_events_prefix_idx ON route_events (prefix, observed_at DESC);
CREATE INDEX IF NOT EXISTS route_events_observed_at_idx ON route_events (observed_at);

CREATE TABLE IF NOT EXISTS route_events_schema (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

INSERT INTO route_events_schema (version) VALUES (1)
ON CONFLICT (version) DO NOTHING;
`

// EnsureSchema creates the route_events table and its indexes if they do
// not exist, and verifies the recorded schema version matches this
// binary. Safe to run from several speakers at once: the DDL runs under
// an advisory lock.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	// Acquire a dedicated connection for advisory lock affinity.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("archive: acquiring connection: %w", err)
	}
	defer conn.Release()

	const schemaLockID int64 = 0x6267707370656B72 // "bgpspekr" as int64
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", schemaLockID); err != nil {
		return fmt.Errorf("archive: acquiring schema lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", schemaLockID)

	if _, err := conn.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("archive: ensuring schema: %w", err)
	}

	var version int
	if err := conn.QueryRow(ctx, "SELECT max(version) FROM route_events_schema").Scan(&version); err != nil {
		return fmt.Errorf("archive: reading schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("archive: schema version %d does not match this binary (want %d); refusing to write", version, schemaVersion)
	}

	logger.Info("archive schema ensured", zap.Int("version", version))
	return nil
}
