package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of operation an audit record describes
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"

	// ActionSelect tracks reads of sensitive rows; optional, callers opt in
	ActionSelect Action = "SELECT"

	// Transaction boundary markers; both state fields stay nil
	ActionTransactionStart    Action = "TRANSACTION_START"
	ActionTransactionComplete Action = "TRANSACTION_COMPLETE"
	ActionTransactionError    Action = "TRANSACTION_ERROR"
)

// allActions is the closed set of valid action kinds
var allActions = map[Action]bool{
	ActionInsert:              true,
	ActionUpdate:              true,
	ActionDelete:              true,
	ActionSelect:              true,
	ActionTransactionStart:    true,
	ActionTransactionComplete: true,
	ActionTransactionError:    true,
}

// Valid reports whether a is one of the closed action kinds
func (a Action) Valid() bool {
	return allActions[a]
}

// IsMutation reports whether a is a row mutation (INSERT/UPDATE/DELETE)
func (a Action) IsMutation() bool {
	return a == ActionInsert || a == ActionUpdate || a == ActionDelete
}

// IsTransactionMarker reports whether a is a TRANSACTION_* boundary marker
func (a Action) IsTransactionMarker() bool {
	return a == ActionTransactionStart || a == ActionTransactionComplete || a == ActionTransactionError
}

// ParseAction validates an action string against the closed set
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", s)}
	}
	return a, nil
}

// Snapshot is a flat capture of a row's column values at a point in time.
// Lookups on missing keys return defaults, never fail.
type Snapshot map[string]interface{}

// Get returns the value for key and whether it was present
func (s Snapshot) Get(key string) (interface{}, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s[key]
	return v, ok
}

// GetString returns the value for key as a string, or def when absent or
// not a string
func (s Snapshot) GetString(key, def string) string {
	if v, ok := s.Get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

// GetFloat returns the value for key as a float64, or def when absent or
// not numeric. JSON round-trips store all numbers as float64.
func (s Snapshot) GetFloat(key string, def float64) float64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

// FieldChange is the old/new pair for a single column in an UPDATE
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// ComputeChanges returns the field-level diff between two snapshots. Keys
// present in either side are compared; equal values are omitted.
func ComputeChanges(before, after Snapshot) map[string]FieldChange {
	if before == nil && after == nil {
		return nil
	}

	changes := make(map[string]FieldChange)
	seen := make(map[string]bool, len(before)+len(after))

	for key := range before {
		seen[key] = true
	}
	for key := range after {
		seen[key] = true
	}

	for key := range seen {
		oldVal, _ := before.Get(key)
		newVal, _ := after.Get(key)
		if !valuesEqual(oldVal, newVal) {
			changes[key] = FieldChange{Old: oldVal, New: newVal}
		}
	}

	if len(changes) == 0 {
		return nil
	}
	return changes
}

// valuesEqual compares snapshot values via their JSON encoding so that
// numeric types that round-trip identically compare equal
func valuesEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// Record is one immutable audit log entry. Records are write-once: the
// store only ever appends them, and ID ordering is the sole source of
// temporal ordering (timestamps may collide at the same tick).
type Record struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TableName string    `json:"table_name"`
	RecordKey string    `json:"record_key"`
	Action    Action    `json:"action"`

	// Before is nil for INSERT; After is nil for DELETE; both nil for
	// TRANSACTION_* markers
	Before Snapshot `json:"before_state,omitempty"`
	After  Snapshot `json:"after_state,omitempty"`

	// Changes is the derived per-field diff, populated for UPDATE
	Changes map[string]FieldChange `json:"changes,omitempty"`

	// Context is best-effort request metadata (endpoint, remote addr, ...)
	Context map[string]string `json:"context,omitempty"`

	Notes string `json:"notes,omitempty"`
}

// Validate checks the record invariants prior to insert
func (r *Record) Validate() error {
	if r.TableName == "" {
		return &ValidationError{Field: "table_name", Reason: "required"}
	}
	if !r.Action.Valid() {
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", r.Action)}
	}
	if r.Action.IsMutation() && r.Before == nil && r.After == nil {
		return &ValidationError{Field: "state", Reason: "mutation records need a before or after state"}
	}
	return nil
}

// Filter describes a caller's requested view over the log. Unset fields
// impose no constraint; set fields combine as AND predicates.
type Filter struct {
	TableName string
	Action    Action
	RecordKey string
	From      *time.Time
	To        *time.Time

	// Search matches a substring of the serialized before/after state
	Search string

	Page     int // 1-based
	PageSize int
}

const (
	// DefaultPageSize applies when a filter leaves PageSize at zero
	DefaultPageSize = 50
	// MaxPageSize caps a page to keep responses bounded
	MaxPageSize = 500
)

// Validate checks the filter; explicit non-positive paging values and
// inverted date ranges are caller errors. A zero Page/PageSize means
// "use defaults" and is filled in by Normalize.
func (f *Filter) Validate() error {
	if f.Page < 0 {
		return &ValidationError{Field: "page", Reason: "must be >= 1"}
	}
	if f.PageSize < 0 {
		return &ValidationError{Field: "page_size", Reason: "must be >= 1"}
	}
	if f.Action != "" && !f.Action.Valid() {
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", f.Action)}
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return &ValidationError{Field: "date_range", Reason: "from is after to"}
	}
	return nil
}

// Normalize fills paging defaults and clamps the page size
func (f *Filter) Normalize() {
	if f.Page == 0 {
		f.Page = 1
	}
	if f.PageSize == 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

// offset is the row offset for the filter's page
func (f *Filter) offset() int {
	return (f.Page - 1) * f.PageSize
}

// Pagination carries all page math, computed server-side so the viewer
// never has to reach for numeric helpers of its own
type Pagination struct {
	CurrentPage int   `json:"current_page"`
	TotalPages  int   `json:"total_pages"`
	TotalCount  int64 `json:"total_count"`
	HasPrev     bool  `json:"has_prev"`
	HasNext     bool  `json:"has_next"`
}

// NewPagination computes page metadata for a result set. TotalPages is
// clamped to a minimum of 1 even for an empty set.
func NewPagination(totalCount int64, page, pageSize int) Pagination {
	totalPages := int((totalCount + int64(pageSize) - 1) / int64(pageSize))
	if totalPages < 1 {
		totalPages = 1
	}
	return Pagination{
		CurrentPage: page,
		TotalPages:  totalPages,
		TotalCount:  totalCount,
		HasPrev:     page > 1,
		HasNext:     page < totalPages,
	}
}

// TimeRange is the min/max timestamp observed over a filtered set
type TimeRange struct {
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

// Stats summarizes the log for the dashboard
type Stats struct {
	TotalCount      int64            `json:"total_count"`
	CountByAction   map[Action]int64 `json:"count_by_action"`
	CountByTable    map[string]int64 `json:"count_by_table"`
	TablesTracked   int64            `json:"tables_tracked"`
	RecordsAffected int64            `json:"records_affected"`
	DateRange       *TimeRange       `json:"date_range,omitempty"`
}
