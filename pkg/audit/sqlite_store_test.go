package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func insertTestRecord(t *testing.T, store *SQLiteStore, table, key string, action Action, before, after Snapshot) *Record {
	t.Helper()
	r := &Record{
		Timestamp: time.Now().UTC(),
		TableName: table,
		RecordKey: key,
		Action:    action,
		Before:    before,
		After:     after,
	}
	if action == ActionUpdate {
		r.Changes = ComputeChanges(before, after)
	}
	require.NoError(t, store.Insert(context.Background(), r))
	return r
}

func TestSQLiteStore_Insert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("assigns increasing ids", func(t *testing.T) {
		first := insertTestRecord(t, store, "Invoices", "250089", ActionInsert, nil, Snapshot{"Excl": 1000.0})
		second := insertTestRecord(t, store, "Invoices", "250090", ActionInsert, nil, Snapshot{"Excl": 500.0})

		assert.Equal(t, int64(1), first.ID)
		assert.Equal(t, int64(2), second.ID)
	})

	t.Run("round-trips all fields", func(t *testing.T) {
		before := Snapshot{"payment_status": "unpaid", "Excl": 1000.0}
		after := Snapshot{"payment_status": "paid", "Excl": 1000.0}
		r := &Record{
			Timestamp: time.Now().UTC(),
			TableName: "Invoices",
			RecordKey: "250089",
			Action:    ActionUpdate,
			Before:    before,
			After:     after,
			Changes:   ComputeChanges(before, after),
			Context:   map[string]string{"endpoint": "/invoices/250089", "method": "POST"},
			Notes:     "marked paid",
		}
		require.NoError(t, store.Insert(ctx, r))

		history, err := store.History(ctx, "Invoices", "250089")
		require.NoError(t, err)
		require.NotEmpty(t, history)

		got := history[len(history)-1]
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, "Invoices", got.TableName)
		assert.Equal(t, ActionUpdate, got.Action)
		assert.Equal(t, "unpaid", got.Before.GetString("payment_status", ""))
		assert.Equal(t, "paid", got.After.GetString("payment_status", ""))
		require.Contains(t, got.Changes, "payment_status")
		assert.Equal(t, "paid", got.Changes["payment_status"].New)
		assert.Equal(t, "POST", got.Context["method"])
		assert.Equal(t, "marked paid", got.Notes)
	})

	t.Run("nil states stored as null", func(t *testing.T) {
		r := insertTestRecord(t, store, "Invoices", "250091", ActionDelete, Snapshot{"Excl": 1.0}, nil)

		history, err := store.History(ctx, "Invoices", "250091")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Nil(t, history[0].After)
		assert.NotNil(t, history[0].Before)
		assert.Equal(t, r.ID, history[0].ID)
	})
}

func TestSQLiteStore_List(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		insertTestRecord(t, store, "Invoices", fmt.Sprintf("2500%02d", i), ActionInsert, nil, Snapshot{"Description": fmt.Sprintf("invoice %d", i)})
	}
	for i := 0; i < 3; i++ {
		insertTestRecord(t, store, "Withdraw", fmt.Sprintf("w%d", i), ActionDelete, Snapshot{"Amount": float64(i)}, nil)
	}

	t.Run("unfiltered count", func(t *testing.T) {
		records, total, err := store.List(ctx, Filter{Page: 1, PageSize: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(10), total)
		assert.Len(t, records, 10)
	})

	t.Run("newest first", func(t *testing.T) {
		records, _, err := store.List(ctx, Filter{Page: 1, PageSize: 50})
		require.NoError(t, err)
		for i := 1; i < len(records); i++ {
			assert.Greater(t, records[i-1].ID, records[i].ID)
		}
	})

	t.Run("filter by table", func(t *testing.T) {
		records, total, err := store.List(ctx, Filter{TableName: "Withdraw", Page: 1, PageSize: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		for _, r := range records {
			assert.Equal(t, "Withdraw", r.TableName)
		}
	})

	t.Run("filter by action", func(t *testing.T) {
		_, total, err := store.List(ctx, Filter{Action: ActionDelete, Page: 1, PageSize: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
	})

	t.Run("filter by record key", func(t *testing.T) {
		records, total, err := store.List(ctx, Filter{RecordKey: "250003", Page: 1, PageSize: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, records, 1)
		assert.Equal(t, "250003", records[0].RecordKey)
	})

	t.Run("filters combine as AND", func(t *testing.T) {
		_, total, err := store.List(ctx, Filter{TableName: "Invoices", Action: ActionDelete, Page: 1, PageSize: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(0), total)
	})

	t.Run("search matches serialized state", func(t *testing.T) {
		_, total, err := store.List(ctx, Filter{Search: "invoice 4", Page: 1, PageSize: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
	})

	t.Run("pagination windows", func(t *testing.T) {
		page1, total, err := store.List(ctx, Filter{Page: 1, PageSize: 4})
		require.NoError(t, err)
		assert.Equal(t, int64(10), total)
		assert.Len(t, page1, 4)

		page3, _, err := store.List(ctx, Filter{Page: 3, PageSize: 4})
		require.NoError(t, err)
		assert.Len(t, page3, 2)

		// Pages do not overlap
		assert.NotEqual(t, page1[0].ID, page3[0].ID)
	})

	t.Run("page past the end is empty, not an error", func(t *testing.T) {
		records, total, err := store.List(ctx, Filter{Page: 99, PageSize: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(10), total)
		assert.Empty(t, records)
	})

	t.Run("date range filter", func(t *testing.T) {
		past := time.Now().UTC().Add(-time.Hour)
		future := time.Now().UTC().Add(time.Hour)

		_, total, err := store.List(ctx, Filter{From: &past, To: &future, Page: 1, PageSize: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(10), total)

		_, total, err = store.List(ctx, Filter{To: &past, Page: 1, PageSize: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(0), total)
	})
}

func TestSQLiteStore_History(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Lifeline of one invoice: create, reprice, mark paid, delete
	insertTestRecord(t, store, "Invoices", "250089", ActionInsert, nil,
		Snapshot{"Excl": 1000.0, "BTW": 210.0, "payment_status": "unpaid"})
	insertTestRecord(t, store, "Invoices", "250089", ActionUpdate,
		Snapshot{"Excl": 1000.0, "BTW": 210.0, "payment_status": "unpaid"},
		Snapshot{"Excl": 1250.0, "BTW": 262.5, "payment_status": "unpaid"})
	insertTestRecord(t, store, "Invoices", "250089", ActionUpdate,
		Snapshot{"Excl": 1250.0, "BTW": 262.5, "payment_status": "unpaid"},
		Snapshot{"Excl": 1250.0, "BTW": 262.5, "payment_status": "paid"})
	insertTestRecord(t, store, "Invoices", "250089", ActionDelete,
		Snapshot{"Excl": 1250.0, "BTW": 262.5, "payment_status": "paid"}, nil)

	// Noise from another row and another table
	insertTestRecord(t, store, "Invoices", "250090", ActionInsert, nil, Snapshot{"Excl": 5.0})
	insertTestRecord(t, store, "Expenses", "250089", ActionInsert, nil, Snapshot{"Amount": 9.0})

	t.Run("returns only the matching row, oldest first", func(t *testing.T) {
		history, err := store.History(ctx, "Invoices", "250089")
		require.NoError(t, err)
		require.Len(t, history, 4)

		assert.Equal(t, ActionInsert, history[0].Action)
		assert.Equal(t, ActionUpdate, history[1].Action)
		assert.Equal(t, ActionUpdate, history[2].Action)
		assert.Equal(t, ActionDelete, history[3].Action)
		for i := 1; i < len(history); i++ {
			assert.Greater(t, history[i].ID, history[i-1].ID)
		}
	})

	t.Run("update carries the field diff", func(t *testing.T) {
		history, err := store.History(ctx, "Invoices", "250089")
		require.NoError(t, err)

		reprice := history[1]
		require.Contains(t, reprice.Changes, "Excl")
		require.Contains(t, reprice.Changes, "BTW")
		assert.NotContains(t, reprice.Changes, "payment_status")
		assert.Equal(t, 1000.0, reprice.Changes["Excl"].Old)
		assert.Equal(t, 1250.0, reprice.Changes["Excl"].New)
	})

	t.Run("unknown row yields empty history", func(t *testing.T) {
		history, err := store.History(ctx, "Invoices", "999999")
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestSQLiteStore_Stats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("empty log", func(t *testing.T) {
		stats, err := store.Stats(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.TotalCount)
		assert.Nil(t, stats.DateRange)
		assert.Empty(t, stats.CountByAction)
	})

	insertTestRecord(t, store, "Invoices", "1", ActionInsert, nil, Snapshot{"a": 1.0})
	insertTestRecord(t, store, "Invoices", "1", ActionUpdate, Snapshot{"a": 1.0}, Snapshot{"a": 2.0})
	insertTestRecord(t, store, "Invoices", "2", ActionInsert, nil, Snapshot{"a": 3.0})
	insertTestRecord(t, store, "Withdraw", "w1", ActionDelete, Snapshot{"a": 4.0}, nil)

	t.Run("aggregates", func(t *testing.T) {
		stats, err := store.Stats(ctx, Filter{})
		require.NoError(t, err)

		assert.Equal(t, int64(4), stats.TotalCount)
		assert.Equal(t, int64(2), stats.TablesTracked)
		assert.Equal(t, int64(3), stats.RecordsAffected)
		assert.Equal(t, int64(2), stats.CountByAction[ActionInsert])
		assert.Equal(t, int64(1), stats.CountByAction[ActionUpdate])
		assert.Equal(t, int64(1), stats.CountByAction[ActionDelete])
		assert.Equal(t, int64(3), stats.CountByTable["Invoices"])
		assert.Equal(t, int64(1), stats.CountByTable["Withdraw"])

		require.NotNil(t, stats.DateRange)
		assert.False(t, stats.DateRange.First.After(stats.DateRange.Last))
	})

	t.Run("respects filter", func(t *testing.T) {
		stats, err := store.Stats(ctx, Filter{TableName: "Withdraw"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.TotalCount)
		assert.Equal(t, int64(1), stats.TablesTracked)
		assert.NotContains(t, stats.CountByTable, "Invoices")
	})
}

func TestSQLiteStore_Distinct(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	insertTestRecord(t, store, "Withdraw", "w1", ActionInsert, nil, Snapshot{"a": 1.0})
	insertTestRecord(t, store, "Invoices", "1", ActionInsert, nil, Snapshot{"a": 1.0})
	insertTestRecord(t, store, "Invoices", "1", ActionUpdate, Snapshot{"a": 1.0}, Snapshot{"a": 2.0})

	tables, err := store.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Invoices", "Withdraw"}, tables)

	actions, err := store.Actions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"INSERT", "UPDATE"}, actions)
}

func TestSQLiteStore_Reset(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	insertTestRecord(t, store, "Invoices", "1", ActionInsert, nil, Snapshot{"a": 1.0})
	insertTestRecord(t, store, "Invoices", "2", ActionInsert, nil, Snapshot{"a": 2.0})
	insertTestRecord(t, store, "Invoices", "3", ActionInsert, nil, Snapshot{"a": 3.0})

	removed, err := store.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	_, total, err := store.List(ctx, Filter{Page: 1, PageSize: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	t.Run("numbering restarts at 1", func(t *testing.T) {
		r := insertTestRecord(t, store, "Invoices", "4", ActionInsert, nil, Snapshot{"a": 4.0})
		assert.Equal(t, int64(1), r.ID)
	})

	t.Run("resetting an empty log is fine", func(t *testing.T) {
		_, err := store.Reset(ctx)
		require.NoError(t, err)
		removed, err := store.Reset(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), removed)
	})
}

func TestSQLiteStore_Snapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	insertTestRecord(t, store, "Invoices", "1", ActionInsert, nil, Snapshot{"a": 1.0})

	t.Run("copies the database file", func(t *testing.T) {
		dst := filepath.Join(dir, "backup.db")
		require.NoError(t, store.Snapshot(dst))

		info, err := os.Stat(dst)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))

		// The copy is itself a readable audit database
		restored, err := NewSQLiteStore(dst)
		require.NoError(t, err)
		defer restored.Close()
		_, total, err := restored.List(context.Background(), Filter{Page: 1, PageSize: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
	})

	t.Run("bad destination fails", func(t *testing.T) {
		err := store.Snapshot(filepath.Join(dir, "missing", "nested", "backup.db"))
		assert.Error(t, err)
	})
}
