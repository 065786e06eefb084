// Package database opens PostgreSQL connection pools.
//
// The gateway uses Postgres only as an optional symbol master: the
// instrument store reads the symtoken table through a pgxpool.Pool.
package database
