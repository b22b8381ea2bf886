// Package pgstore implements store.Store on PostgreSQL through a pgx
// connection pool.
//
// Values live in a single table:
//
//	sockline_kv(key text primary key, value text, updated_at timestamptz)
//
// Migrate creates it when missing.
package pgstore
