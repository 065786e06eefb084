package instrument

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// TestPostgresStore runs against a live database when TICKMUX_TEST_POSTGRES_URL
// is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TICKMUX_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("TICKMUX_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM symtoken WHERE broker = 'tickmux-test'`)
	})

	err = s.Upsert(ctx, "tickmux-test", []model.Instrument{
		{Exchange: "NSE", Symbol: "RELIANCE", Token: "1", LotSize: 1, TickSize: 0.05},
		{Exchange: "NSE", Symbol: "RELIANCE", Token: "2", LotSize: 1, TickSize: 0.05},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	inst, err := s.Lookup(ctx, "tickmux-test", "nse", "reliance")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if inst.Token != "2" {
		t.Errorf("Token = %q, want 2", inst.Token)
	}

	if _, err := s.Lookup(ctx, "tickmux-test", "NSE", "MISSING"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
}
