package module

import "context"

// DB is the narrow boundary to a module's database handle. The concrete
// driver and query layer live outside this repository; the host only needs
// enough surface to health-check and release handles.
type DB interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// DBProvider resolves database handles per module. DBFor returns ok=false
// when the named module has no database configured, which is not an error:
// the host then skips that module's migrations with a diagnostic.
type DBProvider interface {
	DBFor(ctx context.Context, module string) (DB, bool, error)
}
