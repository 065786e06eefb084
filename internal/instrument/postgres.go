package instrument

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS symtoken (
	broker         TEXT             NOT NULL,
	exchange       TEXT             NOT NULL,
	symbol         TEXT             NOT NULL,
	name           TEXT             NOT NULL DEFAULT '',
	token          TEXT             NOT NULL,
	brsymbol       TEXT             NOT NULL DEFAULT '',
	brexchange     TEXT             NOT NULL DEFAULT '',
	instrumenttype TEXT             NOT NULL DEFAULT '',
	lotsize        BIGINT           NOT NULL DEFAULT 0,
	tick_size      DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (broker, exchange, symbol)
);
CREATE INDEX IF NOT EXISTS idx_symtoken_symbol ON symtoken (exchange, symbol);
`

const postgresLookup = `
SELECT exchange, symbol, name, token, brsymbol, brexchange, instrumenttype, lotsize, tick_size
FROM symtoken
WHERE ($1 = '' OR broker = $1) AND exchange = $2 AND symbol = $3
ORDER BY broker
LIMIT 1`

const postgresUpsert = `
INSERT INTO symtoken (broker, exchange, symbol, name, token, brsymbol, brexchange, instrumenttype, lotsize, tick_size)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (broker, exchange, symbol) DO UPDATE SET
	name = EXCLUDED.name,
	token = EXCLUDED.token,
	brsymbol = EXCLUDED.brsymbol,
	brexchange = EXCLUDED.brexchange,
	instrumenttype = EXCLUDED.instrumenttype,
	lotsize = EXCLUDED.lotsize,
	tick_size = EXCLUDED.tick_size`

// PostgresStore reads the master contract from PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a store over pool. The pool is owned by the
// caller.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the symtoken table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Lookup implements Source.
func (s *PostgresStore) Lookup(ctx context.Context, broker, exchange, symbol string) (model.Instrument, error) {
	exchange, symbol = normalize(exchange, symbol)

	var inst model.Instrument
	err := s.pool.QueryRow(ctx, postgresLookup, broker, exchange, symbol).Scan(
		&inst.Exchange, &inst.Symbol, &inst.Name, &inst.Token,
		&inst.BrokerSymbol, &inst.BrokerExchange, &inst.InstrumentType,
		&inst.LotSize, &inst.TickSize,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instrument{}, fmt.Errorf("%w: %s:%s", ErrNotFound, exchange, symbol)
	}
	if err != nil {
		return model.Instrument{}, fmt.Errorf("query symtoken: %w", err)
	}
	return inst, nil
}

// Upsert inserts or replaces the rows of broker in one batch.
func (s *PostgresStore) Upsert(ctx context.Context, broker string, rows []model.Instrument) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		exchange, symbol := normalize(r.Exchange, r.Symbol)
		batch.Queue(postgresUpsert, broker, exchange, symbol, r.Name, r.Token,
			r.BrokerSymbol, r.BrokerExchange, r.InstrumentType, r.LotSize, r.TickSize)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return tx.Commit(ctx)
}
