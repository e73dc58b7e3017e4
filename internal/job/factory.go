package job

import "fmt"

// Backend selects a Store implementation.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Open constructs the configured Store. This is the single construction
// point; everything downstream receives the Store interface.
func Open(backend Backend, sqlitePath, postgresDSN string) (Store, error) {
	switch backend {
	case BackendSQLite:
		return NewSQLiteStore(sqlitePath)
	case BackendPostgres:
		return NewPostgresStore(postgresDSN)
	default:
		return nil, fmt.Errorf("unknown job store backend %q", backend)
	}
}
