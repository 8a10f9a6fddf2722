// Package database provides PostgreSQL connectivity and the read-only widget
// repository the hub resolves widget definitions from.
//
// Uses pgx for connection pooling and tern for migrations. Query timings are
// recorded through a pgx tracer.
package database
