package store

import "strings"

// Open picks a Store implementation from the database URL: postgres:// URLs
// open PostgresStore, anything else is treated as a SQLite file path.
func Open(dbURL string) (Store, error) {
	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		return NewPostgresStore(dbURL)
	}
	return NewSQLiteStore(dbURL)
}
