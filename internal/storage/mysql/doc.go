// Package mysql provides the MySQL-backed agent and token repositories. It
// encapsulates embedded schema migrations and the queries that persist agent
// profiles and deployment records.
package mysql
