package instrument

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS symtoken (
	broker         TEXT    NOT NULL,
	exchange       TEXT    NOT NULL,
	symbol         TEXT    NOT NULL,
	name           TEXT    NOT NULL DEFAULT '',
	token          TEXT    NOT NULL,
	brsymbol       TEXT    NOT NULL DEFAULT '',
	brexchange     TEXT    NOT NULL DEFAULT '',
	instrumenttype TEXT    NOT NULL DEFAULT '',
	lotsize        INTEGER NOT NULL DEFAULT 0,
	tick_size      REAL    NOT NULL DEFAULT 0,
	PRIMARY KEY (broker, exchange, symbol)
);
CREATE INDEX IF NOT EXISTS idx_symtoken_symbol ON symtoken (exchange, symbol);
`

const sqliteLookup = `
SELECT exchange, symbol, name, token, brsymbol, brexchange, instrumenttype, lotsize, tick_size
FROM symtoken
WHERE (? = '' OR broker = ?) AND exchange = ? AND symbol = ?
ORDER BY broker
LIMIT 1`

const sqliteUpsert = `
INSERT INTO symtoken (broker, exchange, symbol, name, token, brsymbol, brexchange, instrumenttype, lotsize, tick_size)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (broker, exchange, symbol) DO UPDATE SET
	name = excluded.name,
	token = excluded.token,
	brsymbol = excluded.brsymbol,
	brexchange = excluded.brexchange,
	instrumenttype = excluded.instrumenttype,
	lotsize = excluded.lotsize,
	tick_size = excluded.tick_size`

// SQLiteStore reads the master contract from a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY on concurrent upserts.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Lookup implements Source.
func (s *SQLiteStore) Lookup(ctx context.Context, broker, exchange, symbol string) (model.Instrument, error) {
	exchange, symbol = normalize(exchange, symbol)

	var inst model.Instrument
	err := s.db.QueryRowContext(ctx, sqliteLookup, broker, broker, exchange, symbol).Scan(
		&inst.Exchange, &inst.Symbol, &inst.Name, &inst.Token,
		&inst.BrokerSymbol, &inst.BrokerExchange, &inst.InstrumentType,
		&inst.LotSize, &inst.TickSize,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Instrument{}, fmt.Errorf("%w: %s:%s", ErrNotFound, exchange, symbol)
	}
	if err != nil {
		return model.Instrument{}, fmt.Errorf("query symtoken: %w", err)
	}
	return inst, nil
}

// Upsert inserts or replaces the rows of broker in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, broker string, rows []model.Instrument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		exchange, symbol := normalize(r.Exchange, r.Symbol)
		if _, err := stmt.ExecContext(ctx, broker, exchange, symbol, r.Name, r.Token,
			r.BrokerSymbol, r.BrokerExchange, r.InstrumentType, r.LotSize, r.TickSize); err != nil {
			return fmt.Errorf("upsert %s:%s: %w", exchange, symbol, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of rows for broker, or all rows when broker is
// empty.
func (s *SQLiteStore) Count(ctx context.Context, broker string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM symtoken WHERE ? = '' OR broker = ?`, broker, broker).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count symtoken: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
