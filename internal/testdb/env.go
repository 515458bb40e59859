package testdb

import "os"

// Environment variables consulted for the PostgreSQL test database, in order.
const (
	EnvDatabaseURL     = "DATABASE_URL"
	EnvTaskTreeTestURL = "TASKTREE_TEST_DB_URL"
)

// GetTestDatabaseURL returns the first non-empty PostgreSQL URL from the
// environment, or "" when none is set.
func GetTestDatabaseURL() string {
	for _, name := range []string{EnvDatabaseURL, EnvTaskTreeTestURL} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// IsIntegrationTestEnvironment returns true if a PostgreSQL test database is
// configured.
func IsIntegrationTestEnvironment() bool {
	return GetTestDatabaseURL() != ""
}

// IsCIEnvironment returns true if running under a known CI provider.
func IsCIEnvironment() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "CIRCLECI"} {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}
