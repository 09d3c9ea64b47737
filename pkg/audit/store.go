package audit

import (
	"context"
)

// Store is the append-only persistence boundary shared by the Recorder and
// the query Service. Implementations never update or delete individual
// records; Reset is the single operator-invoked bulk maintenance action.
type Store interface {
	// Insert appends one record and assigns its ID. Records are durable
	// once Insert returns.
	Insert(ctx context.Context, r *Record) error

	// List returns one page of records matching the filter, newest first,
	// plus the total match count before pagination.
	List(ctx context.Context, f Filter) ([]*Record, int64, error)

	// History returns every record for one business row, oldest first.
	History(ctx context.Context, table, key string) ([]*Record, error)

	// Stats aggregates counts and the observed date range over the
	// filtered set.
	Stats(ctx context.Context, f Filter) (*Stats, error)

	// Tables and Actions list the distinct values present in the log,
	// for the viewer's filter dropdowns.
	Tables(ctx context.Context) ([]string, error)
	Actions(ctx context.Context) ([]string, error)

	// Reset clears the entire log and restarts the ID sequence, returning
	// the number of records removed.
	Reset(ctx context.Context) (int64, error)

	// Snapshot copies the underlying database file to dst, for backups
	// taken ahead of a Reset.
	Snapshot(dst string) error

	Close() error
}
