package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const opTimeout = 5 * time.Second

// PostgresArchive implements Archive over a pgx pool. The readings table has
// a unique constraint on cache_key; that constraint is the whole
// generate-once guarantee.
//
//	CREATE TABLE readings (
//	    cache_key  text PRIMARY KEY,
//	    content    jsonb NOT NULL,
//	    created_at timestamptz NOT NULL DEFAULT now()
//	);
type PostgresArchive struct {
	pool *pgxpool.Pool
}

func NewPostgresArchive(pool *pgxpool.Pool) *PostgresArchive {
	return &PostgresArchive{pool: pool}
}

func (a *PostgresArchive) Insert(ctx context.Context, key string, content []byte) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := a.pool.Exec(ctx,
		`INSERT INTO readings (cache_key, content) VALUES ($1, $2)`,
		key, content,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("archive insert: %w", err)
	}
	return nil
}

func (a *PostgresArchive) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var content []byte
	err := a.pool.QueryRow(ctx,
		`SELECT content FROM readings WHERE cache_key = $1`,
		key,
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("archive get: %w", err)
	}
	return content, true, nil
}
