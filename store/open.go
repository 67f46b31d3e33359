package store

import (
	"context"
	"fmt"
)

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)

// Open picks a backend by driver name. For sqlite source is a file path,
// for postgres a connection string.
func Open(ctx context.Context, driver, source string, opts ...Option) (Store, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(source, opts...)
	case "postgres", "pgx":
		return OpenPostgres(ctx, source, opts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
