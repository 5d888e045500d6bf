package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/brojonat/tokenflow/service/transfers"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the transfer table. raw_amount is TEXT so values are kept
// exactly as ingested and bad ones surface as malformed records.
const Schema = `
CREATE TABLE IF NOT EXISTS token_transfers (
    id             BIGSERIAL PRIMARY KEY,
    partition_key  TEXT        NOT NULL,
    block_time     TIMESTAMPTZ NOT NULL,
    tx_hash        TEXT        NOT NULL,
    from_address   TEXT        NOT NULL,
    to_address     TEXT        NOT NULL,
    raw_amount     TEXT        NOT NULL,
    token_decimals INTEGER     NOT NULL DEFAULT 18,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS token_transfers_event_uniq
    ON token_transfers (partition_key, tx_hash, from_address, to_address, raw_amount);
CREATE INDEX IF NOT EXISTS token_transfers_from_idx
    ON token_transfers (partition_key, from_address, block_time);
CREATE INDEX IF NOT EXISTS token_transfers_to_idx
    ON token_transfers (partition_key, to_address);
`

// Store reads and writes transfer records in Postgres. Each protocol's
// transfers live under their own partition_key.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const selectPartitionSQL = `
SELECT partition_key
FROM token_transfers
WHERE from_address = $1 AND NOT (partition_key = ANY($2))
ORDER BY partition_key
LIMIT 1`

// SelectPartition returns the first partition holding a transfer sent by
// protocol, skipping side collections.
func (s *Store) SelectPartition(ctx context.Context, protocol string) (string, error) {
	var partition string
	err := s.pool.QueryRow(ctx, selectPartitionSQL, strings.ToLower(protocol), sideCollections()).Scan(&partition)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", transfers.ErrNoPartition
	}
	if err != nil {
		return "", fmt.Errorf("failed to select partition: %w", err)
	}
	return partition, nil
}

const outgoingSQL = `
SELECT block_time, tx_hash, from_address, to_address, raw_amount, token_decimals
FROM token_transfers
WHERE partition_key = $1
  AND from_address = $2
  AND ($3::timestamptz IS NULL OR block_time >= $3)
  AND ($4::timestamptz IS NULL OR block_time <= $4)
ORDER BY block_time, tx_hash, id`

// Outgoing returns transfers sent by address inside window.
func (s *Store) Outgoing(ctx context.Context, partition, address string, window transfers.TimeRange) ([]ledger.TransferRecord, error) {
	rows, err := s.pool.Query(ctx, outgoingSQL,
		partition,
		strings.ToLower(address),
		pgtimestamptz(window.Start),
		pgtimestamptz(window.End),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query outgoing transfers: %w", err)
	}
	defer rows.Close()

	var out []ledger.TransferRecord
	for rows.Next() {
		var (
			r        ledger.TransferRecord
			blockAt  pgtype.Timestamptz
			decimals int32
		)
		if err := rows.Scan(&blockAt, &r.TxHash, &r.From, &r.To, &r.RawAmount, &decimals); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		r.Timestamp = blockAt.Time.UTC()
		r.TokenDecimals = decimals
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transfers: %w", err)
	}
	return out, nil
}

const sendersSQL = `
SELECT DISTINCT from_address
FROM token_transfers
WHERE partition_key = $1 AND to_address = $2
ORDER BY from_address`

// Senders returns the distinct senders of transfers to address.
func (s *Store) Senders(ctx context.Context, partition, to string) ([]string, error) {
	rows, err := s.pool.Query(ctx, sendersSQL, partition, strings.ToLower(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query senders: %w", err)
	}
	senders, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect senders: %w", err)
	}
	return senders, nil
}

const listPartitionsSQL = `
SELECT partition_key, COUNT(*), MIN(block_time), MAX(block_time)
FROM token_transfers
GROUP BY partition_key
ORDER BY partition_key`

// ListPartitions summarizes every partition in the table.
func (s *Store) ListPartitions(ctx context.Context) ([]transfers.PartitionStats, error) {
	rows, err := s.pool.Query(ctx, listPartitionsSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var out []transfers.PartitionStats
	for rows.Next() {
		var (
			p          transfers.PartitionStats
			first, end pgtype.Timestamptz
		)
		if err := rows.Scan(&p.Name, &p.Records, &first, &end); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		p.First = first.Time.UTC()
		p.Last = end.Time.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

const insertTransferSQL = `
INSERT INTO token_transfers (partition_key, block_time, tx_hash, from_address, to_address, raw_amount, token_decimals)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT DO NOTHING`

// InsertTransfers writes records into partition in one batch. Records that
// already exist are skipped. It returns how many rows were inserted.
func (s *Store) InsertTransfers(ctx context.Context, partition string, records []ledger.TransferRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertTransferSQL,
			partition,
			r.Timestamp.UTC(),
			r.TxHash,
			strings.ToLower(r.From),
			strings.ToLower(r.To),
			r.RawAmount,
			r.TokenDecimals,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range records {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert transfer: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func sideCollections() []string {
	out := make([]string, 0, len(transfers.SideCollections))
	for name := range transfers.SideCollections {
		out = append(out, name)
	}
	return out
}

func pgtimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}
