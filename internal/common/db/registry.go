package db

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const schema = `
CREATE SCHEMA IF NOT EXISTS lc;
CREATE TABLE IF NOT EXISTS lc.partitions (
	agency        TEXT        NOT NULL,
	kind          TEXT        NOT NULL,
	partition_key TEXT        NOT NULL,
	members       BIGINT[]    NOT NULL,
	first_member  TIMESTAMPTZ,
	last_member   TIMESTAMPTZ,
	indexed_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (agency, kind, partition_key)
);`

const upsertPartition = `
INSERT INTO lc.partitions (agency, kind, partition_key, members, first_member, last_member, indexed_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (agency, kind, partition_key) DO UPDATE SET
	members      = EXCLUDED.members,
	first_member = EXCLUDED.first_member,
	last_member  = EXCLUDED.last_member,
	indexed_at   = EXCLUDED.indexed_at`

const prunePartitions = `
DELETE FROM lc.partitions
WHERE agency = $1 AND kind = $2 AND NOT (partition_key = ANY($3))`

// Registry records every partition the time index picks up, so operators can
// query which versions and update batches a server has seen.
type Registry struct {
	db *DB
}

func NewRegistry(db *DB) *Registry {
	return &Registry{db: db}
}

// EnsureSchema creates the partitions table if it does not exist yet
func (r *Registry) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating partitions schema: %w", err)
	}
	return nil
}

// RecordPartition upserts one partition with its sorted member timestamps.
func (r *Registry) RecordPartition(ctx context.Context, agency, kind, key string, members []int64) error {
	first, last := bounds(members)
	_, err := r.db.conn.ExecContext(ctx, upsertPartition, agency, kind, key, pq.Array(members), first, last)
	if err != nil {
		return fmt.Errorf("recording partition %s/%s/%s: %w", agency, kind, key, err)
	}
	r.db.logger.Debug("Recorded partition", "agency", agency, "kind", kind, "partition", key, "members", len(members))
	return nil
}

// Prune deletes the partitions of agency and kind whose key is not in keep.
func (r *Registry) Prune(ctx context.Context, agency, kind string, keep []string) (int64, error) {
	if keep == nil {
		// A NULL array would match nothing.
		keep = []string{}
	}
	res, err := r.db.conn.ExecContext(ctx, prunePartitions, agency, kind, pq.Array(keep))
	if err != nil {
		return 0, fmt.Errorf("pruning partitions of %s/%s: %w", agency, kind, err)
	}
	return res.RowsAffected()
}

// bounds returns the first and last member as timestamps, nil when empty.
func bounds(members []int64) (first, last *time.Time) {
	if len(members) == 0 {
		return nil, nil
	}
	f := time.UnixMilli(members[0]).UTC()
	l := time.UnixMilli(members[len(members)-1]).UTC()
	return &f, &l
}
