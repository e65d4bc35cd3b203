// Package postgres persists agents and token deployment records in
// PostgreSQL through a pgx connection pool. Schema migrations are embedded and
// applied on start-up.
package postgres
