package records

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS relay_records (
    key TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    burn_tx_hash TEXT NOT NULL,
    version TEXT NOT NULL,
    source_domain BIGINT NOT NULL,
    destination_domain BIGINT NOT NULL,
    state TEXT NOT NULL,
    message_hash TEXT NOT NULL DEFAULT '',
    nonce TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL DEFAULT '',
    mint_tx_hash TEXT NOT NULL DEFAULT '',
    attempts INT NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    retryable BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

const recordColumns = `key, id, burn_tx_hash, version, source_domain, destination_domain, state,
    message_hash, nonce, amount, mint_tx_hash, attempts, error, retryable,
    created_at, updated_at, expires_at`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM relay_records WHERE key = $1`, key)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if rec.Expired(time.Now()) {
		go p.deleteExpired(context.Background(), key)
		return nil, nil
	}
	return rec, nil
}

const upsertSQL = `
INSERT INTO relay_records (` + recordColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (key) DO UPDATE
SET id = EXCLUDED.id,
    burn_tx_hash = EXCLUDED.burn_tx_hash,
    version = EXCLUDED.version,
    source_domain = EXCLUDED.source_domain,
    destination_domain = EXCLUDED.destination_domain,
    state = EXCLUDED.state,
    message_hash = EXCLUDED.message_hash,
    nonce = EXCLUDED.nonce,
    amount = EXCLUDED.amount,
    mint_tx_hash = EXCLUDED.mint_tx_hash,
    attempts = EXCLUDED.attempts,
    error = EXCLUDED.error,
    retryable = EXCLUDED.retryable,
    created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at
`

func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.Key == "" {
		return errors.New("record key is empty")
	}
	_, err := p.pool.Exec(ctx, upsertSQL, recordArgs(record)...)
	return err
}

// Claim locks the existing row, if any, and replaces it only when it is Replaceable.
// A concurrent first insert is settled by the primary key.
func (p *PostgresStore) Claim(ctx context.Context, record Record, staleAfter time.Duration) (*Record, bool, error) {
	if record.Key == "" {
		return nil, false, errors.New("record key is empty")
	}

	var previous *Record
	created := false
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM relay_records WHERE key = $1 FOR UPDATE`, record.Key)
		existing, err := scanRecord(row)
		if errors.Is(err, pgx.ErrNoRows) {
			tag, err := tx.Exec(ctx, `
INSERT INTO relay_records (`+recordColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (key) DO NOTHING
`, recordArgs(record)...)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 1 {
				created = true
				return nil
			}
			row = tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM relay_records WHERE key = $1`, record.Key)
			previous, err = scanRecord(row)
			return err
		}
		if err != nil {
			return err
		}

		now := time.Now()
		if !existing.Replaceable(now, staleAfter) {
			previous = existing
			return nil
		}
		if _, err := tx.Exec(ctx, upsertSQL, recordArgs(takeOver(record, existing, now))...); err != nil {
			return err
		}
		if !existing.Expired(now) {
			previous = existing
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return previous, created, nil
}

func recordArgs(r Record) []any {
	return []any{
		r.Key, r.ID, r.BurnTxHash, r.Version, int64(r.SourceDomain), int64(r.DestinationDomain), r.State,
		r.MessageHash, r.Nonce, r.Amount, r.MintTxHash, r.Attempts, r.Error, r.Retryable,
		r.CreatedAt, r.UpdatedAt, r.ExpiresAt,
	}
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var source, destination int64
	if err := row.Scan(
		&rec.Key, &rec.ID, &rec.BurnTxHash, &rec.Version, &source, &destination, &rec.State,
		&rec.MessageHash, &rec.Nonce, &rec.Amount, &rec.MintTxHash, &rec.Attempts, &rec.Error, &rec.Retryable,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
	); err != nil {
		return nil, err
	}
	rec.SourceDomain = uint32(source)
	rec.DestinationDomain = uint32(destination)
	return &rec, nil
}

func (p *PostgresStore) deleteExpired(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM relay_records WHERE key = $1 AND expires_at < now()`, key)
}
