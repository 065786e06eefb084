// Package instrument resolves canonical (exchange, symbol) pairs to broker
// master-contract rows.
//
// Rows live in a "symtoken" table keyed by (broker, exchange, symbol), either
// in a local SQLite file, in PostgreSQL, or behind an HTTP service. A Cache in
// front of any Source gives each broker adapter its own view.
package instrument

import (
	"context"
	"strings"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = model.ErrInstrumentNotFound

// Source looks up master-contract rows. An empty broker matches a row of any
// broker.
type Source interface {
	Lookup(ctx context.Context, broker, exchange, symbol string) (model.Instrument, error)
}

// Resolver resolves canonical symbols for one broker.
type Resolver interface {
	ResolveSymbol(ctx context.Context, exchange, symbol string) (model.Instrument, error)
}

// normalize upper-cases exchange and symbol the way the master contract
// stores them.
func normalize(exchange, symbol string) (string, string) {
	return strings.ToUpper(strings.TrimSpace(exchange)), strings.ToUpper(strings.TrimSpace(symbol))
}
