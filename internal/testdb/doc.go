// Package testdb provides database fixtures for tests: migrated SQLite files
// under t.TempDir, a migrated PostgreSQL database when DATABASE_URL is set,
// and a manual clock for lease and archival timestamps.
//
// Tests that need PostgreSQL call OpenPostgres, which skips the test when no
// database is configured:
//
//	func TestSomething(t *testing.T) {
//	    db := testdb.OpenPostgres(t)
//	    stores := postgres.NewStores(db, testdb.Logger())
//	    ...
//	}
package testdb
