// Package postgres provides PostgreSQL-specific implementations of the
// repositories defined in the internal/store package. It handles connection
// setup over the pgx stdlib driver, query execution, error mapping, and the
// embedded goose migrations that define the schema.
package postgres
