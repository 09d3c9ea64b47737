package audit

import (
	"context"
	"time"

	"github.com/ozarkfinances/audittrail/pkg/observability"
)

// Service is the read side of the audit log: filtered listings, per-record
// history, and aggregate statistics. It holds no state of its own; all
// state lives in the append-only store it queries. Read failures are
// surfaced to the caller, unlike the recorder's write path.
type Service struct {
	store   Store
	metrics *observability.Metrics
}

// NewService builds a query service over the given store. metrics may be
// nil.
func NewService(store Store, metrics *observability.Metrics) *Service {
	return &Service{store: store, metrics: metrics}
}

// List returns one page of records matching the filter, newest first, and
// the server-computed pagination metadata. A page past the end yields an
// empty slice with correct metadata, not an error.
func (s *Service) List(ctx context.Context, f Filter) ([]*Record, Pagination, error) {
	if err := f.Validate(); err != nil {
		return nil, Pagination{}, err
	}
	f.Normalize()

	defer s.observe("list", time.Now())
	records, total, err := s.store.List(ctx, f)
	if err != nil {
		return nil, Pagination{}, err
	}

	return records, NewPagination(total, f.Page, f.PageSize), nil
}

// HistoryFor reconstructs the lifeline of one business row: creation, each
// update, and the eventual delete if any, oldest first.
func (s *Service) HistoryFor(ctx context.Context, table, key string) ([]*Record, error) {
	if table == "" {
		return nil, &ValidationError{Field: "table_name", Reason: "required"}
	}
	if key == "" {
		return nil, &ValidationError{Field: "record_key", Reason: "required"}
	}

	defer s.observe("history", time.Now())
	return s.store.History(ctx, table, key)
}

// Statistics aggregates counts by action and table over the filtered set,
// plus the first/last timestamp observed
func (s *Service) Statistics(ctx context.Context, f Filter) (*Stats, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	defer s.observe("stats", time.Now())
	return s.store.Stats(ctx, f)
}

// Tables lists the distinct business tables present in the log
func (s *Service) Tables(ctx context.Context) ([]string, error) {
	defer s.observe("tables", time.Now())
	return s.store.Tables(ctx)
}

// Actions lists the distinct action kinds present in the log
func (s *Service) Actions(ctx context.Context) ([]string, error) {
	defer s.observe("actions", time.Now())
	return s.store.Actions(ctx)
}

// Reset clears the entire log. This is an explicit operator maintenance
// action, not a normal lifecycle step; when backupPath is non-empty the
// store file is snapshotted there first and the reset is abandoned if the
// snapshot fails.
func (s *Service) Reset(ctx context.Context, backupPath string) (int64, error) {
	if backupPath != "" {
		if err := s.store.Snapshot(backupPath); err != nil {
			return 0, err
		}
	}

	defer s.observe("reset", time.Now())
	return s.store.Reset(ctx)
}

func (s *Service) observe(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.AuditQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
