// Package sqlite provides single-node implementations of the repositories
// defined in the internal/store package on top of the pure-Go modernc.org/sqlite
// driver. Timestamps are stored as unix milliseconds and JSON columns as TEXT.
// The schema is owned by the embedded goose migrations.
package sqlite
