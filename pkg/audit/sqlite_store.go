package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a single SQLite database file. The
// *sql.DB handle is shared by all writers and readers; SQLite's
// AUTOINCREMENT assignment gives concurrent writers strictly increasing,
// non-colliding IDs without any application-level lock.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the audit database at path and ensures
// the schema exists. The busy timeout keeps audit writes from failing
// immediately when a business transaction holds the file.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure audit_log schema: %w", err)
	}

	return store, nil
}

// ensureSchema creates the audit_log table and its indexes if missing
func (s *SQLiteStore) ensureSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		table_name TEXT NOT NULL,
		record_key TEXT NOT NULL,
		action TEXT NOT NULL,
		before_state TEXT,
		after_state TEXT,
		changes TEXT,
		actor_context TEXT,
		notes TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_log_table_action ON audit_log(table_name, action);
	CREATE INDEX IF NOT EXISTS idx_audit_log_record ON audit_log(table_name, record_key);
	CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
	`

	_, err := s.db.Exec(query)
	return err
}

// Insert appends one record and fills in its assigned ID
func (s *SQLiteStore) Insert(ctx context.Context, r *Record) error {
	beforeJSON, err := marshalOptional(r.Before)
	if err != nil {
		return fmt.Errorf("failed to marshal before state: %w", err)
	}
	afterJSON, err := marshalOptional(r.After)
	if err != nil {
		return fmt.Errorf("failed to marshal after state: %w", err)
	}
	changesJSON, err := marshalOptional(r.Changes)
	if err != nil {
		return fmt.Errorf("failed to marshal changes: %w", err)
	}
	contextJSON, err := marshalOptional(r.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal actor context: %w", err)
	}

	query := `
		INSERT INTO audit_log (
			timestamp, table_name, record_key, action,
			before_state, after_state, changes, actor_context, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		r.Timestamp, r.TableName, r.RecordKey, string(r.Action),
		beforeJSON, afterJSON, changesJSON, contextJSON, nullableString(r.Notes),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read assigned audit id: %w", err)
	}
	r.ID = id

	return nil
}

// buildWhere translates the filter's set fields into conjunctive
// predicates. Unset fields impose no constraint.
func buildWhere(f Filter) (string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}

	if f.TableName != "" {
		where += " AND table_name = ?"
		args = append(args, f.TableName)
	}
	if f.Action != "" {
		where += " AND action = ?"
		args = append(args, string(f.Action))
	}
	if f.RecordKey != "" {
		where += " AND record_key = ?"
		args = append(args, f.RecordKey)
	}
	if f.From != nil {
		where += " AND timestamp >= ?"
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		where += " AND timestamp <= ?"
		args = append(args, f.To.UTC())
	}
	if f.Search != "" {
		where += " AND (COALESCE(before_state, '') || COALESCE(after_state, '')) LIKE ?"
		args = append(args, "%"+f.Search+"%")
	}

	return where, args
}

const recordColumns = `
	id, timestamp, table_name, record_key, action,
	before_state, after_state, changes, actor_context, notes
`

// List returns one page of matching records (id descending) and the total
// match count before pagination
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Record, int64, error) {
	where, args := buildWhere(f)

	var total int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log"+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count audit records: %w", err)
	}

	query := "SELECT" + recordColumns + "FROM audit_log" + where + " ORDER BY id DESC LIMIT ? OFFSET ?"
	pageArgs := append(args, f.PageSize, f.offset())

	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// History returns the full lifeline of one business row, oldest first
func (s *SQLiteStore) History(ctx context.Context, table, key string) ([]*Record, error) {
	query := "SELECT" + recordColumns + "FROM audit_log WHERE table_name = ? AND record_key = ? ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, table, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load record history: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// Stats aggregates counts by action and table plus the observed date range
func (s *SQLiteStore) Stats(ctx context.Context, f Filter) (*Stats, error) {
	where, args := buildWhere(f)

	stats := &Stats{
		CountByAction: make(map[Action]int64),
		CountByTable:  make(map[string]int64),
	}

	overall := `
		SELECT COUNT(*), COUNT(DISTINCT table_name),
			COUNT(DISTINCT table_name || '#' || record_key)
		FROM audit_log` + where
	err := s.db.QueryRowContext(ctx, overall, args...).
		Scan(&stats.TotalCount, &stats.TablesTracked, &stats.RecordsAffected)
	if err != nil {
		return nil, fmt.Errorf("failed to get overall stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT action, COUNT(*) FROM audit_log"+where+" GROUP BY action", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get counts by action: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		stats.CountByAction[Action(action)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate action counts: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, "SELECT table_name, COUNT(*) FROM audit_log"+where+" GROUP BY table_name", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get counts by table: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var table string
		var count int64
		if err := rows.Scan(&table, &count); err != nil {
			return nil, fmt.Errorf("failed to scan table count: %w", err)
		}
		stats.CountByTable[table] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate table counts: %w", err)
	}

	if stats.TotalCount > 0 {
		// Column reads keep the driver's timestamp conversion; MIN/MAX
		// expressions would come back as bare text
		var first, last time.Time
		err = s.db.QueryRowContext(ctx, "SELECT timestamp FROM audit_log"+where+" ORDER BY id ASC LIMIT 1", args...).Scan(&first)
		if err != nil {
			return nil, fmt.Errorf("failed to get first activity: %w", err)
		}
		err = s.db.QueryRowContext(ctx, "SELECT timestamp FROM audit_log"+where+" ORDER BY id DESC LIMIT 1", args...).Scan(&last)
		if err != nil {
			return nil, fmt.Errorf("failed to get last activity: %w", err)
		}
		stats.DateRange = &TimeRange{First: first, Last: last}
	}

	return stats, nil
}

// Tables lists the distinct business tables present in the log
func (s *SQLiteStore) Tables(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "table_name")
}

// Actions lists the distinct action kinds present in the log
func (s *SQLiteStore) Actions(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "action")
}

func (s *SQLiteStore) distinct(ctx context.Context, column string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT "+column+" FROM audit_log ORDER BY "+column)
	if err != nil {
		return nil, fmt.Errorf("failed to list distinct %s values: %w", column, err)
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan %s value: %w", column, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s values: %w", column, err)
	}

	return values, nil
}

// Reset clears the log, restarts the AUTOINCREMENT sequence, and reclaims
// file space. New records after a reset start from ID 1.
func (s *SQLiteStore) Reset(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_log")
	if err != nil {
		return 0, fmt.Errorf("failed to clear audit log: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed records: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence WHERE name = 'audit_log'"); err != nil {
		return removed, fmt.Errorf("failed to reset id sequence: %w", err)
	}

	// VACUUM cannot run inside a transaction
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return removed, fmt.Errorf("failed to vacuum audit database: %w", err)
	}

	return removed, nil
}

// Snapshot writes a consistent copy of the database to dst. VACUUM INTO
// works under WAL mode, where a plain file copy would miss pending pages.
func (s *SQLiteStore) Snapshot(dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("snapshot destination %s already exists", dst)
	}

	if _, err := s.db.Exec("VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("failed to snapshot audit database: %w", err)
	}

	return nil
}

// Close releases the database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// collectRecords drains rows into records, decoding the JSON columns
func collectRecords(rows *sql.Rows) ([]*Record, error) {
	records := make([]*Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	r := &Record{}
	var action string
	var beforeJSON, afterJSON, changesJSON, contextJSON []byte
	var notes sql.NullString

	err := rows.Scan(
		&r.ID, &r.Timestamp, &r.TableName, &r.RecordKey, &action,
		&beforeJSON, &afterJSON, &changesJSON, &contextJSON, &notes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}

	r.Action = Action(action)
	r.Timestamp = r.Timestamp.UTC()
	r.Notes = notes.String

	if len(beforeJSON) > 0 {
		if err := json.Unmarshal(beforeJSON, &r.Before); err != nil {
			return nil, fmt.Errorf("failed to unmarshal before state: %w", err)
		}
	}
	if len(afterJSON) > 0 {
		if err := json.Unmarshal(afterJSON, &r.After); err != nil {
			return nil, fmt.Errorf("failed to unmarshal after state: %w", err)
		}
	}
	if len(changesJSON) > 0 {
		if err := json.Unmarshal(changesJSON, &r.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &r.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal actor context: %w", err)
		}
	}

	return r, nil
}

// marshalOptional encodes v as JSON, or returns nil (stored as NULL) when
// v is an empty map/nil
func marshalOptional(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case Snapshot:
		if m == nil {
			return nil, nil
		}
	case map[string]FieldChange:
		if len(m) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(m) == 0 {
			return nil, nil
		}
	default:
		if v == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
