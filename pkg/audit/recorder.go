package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ozarkfinances/audittrail/pkg/observability"
)

// systemTable is the pseudo-table transaction boundary markers are
// recorded under
const systemTable = "SYSTEM"

// Recorder appends audit records for business-table mutations. Audit
// completeness is best-effort: any audit-side failure is logged to the
// local fallback channel and swallowed, so the business operation that
// triggered the audit is never rolled back or blocked.
type Recorder struct {
	store   Store
	log     *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewRecorder builds a recorder over the given store. metrics may be nil.
func NewRecorder(store Store, log *logrus.Logger, metrics *observability.Metrics) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{
		store:   store,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// RecordMutation appends one audit record for a row mutation. before and
// after are snapshots the caller captured immediately around the write;
// the recorder never reads the business database itself. Returns the
// stored record, or nil if the audit write failed (the failure is logged,
// never propagated).
func (r *Recorder) RecordMutation(ctx context.Context, table, key string, action Action, before, after Snapshot) *Record {
	rec := &Record{
		TableName: table,
		RecordKey: key,
		Action:    action,
		Before:    before,
		After:     after,
	}
	if action == ActionUpdate {
		rec.Changes = ComputeChanges(before, after)
	}
	return r.Append(ctx, rec)
}

// RecordTransaction appends a TRANSACTION_* boundary marker with a
// generated key and no row state
func (r *Recorder) RecordTransaction(ctx context.Context, action Action, notes string) *Record {
	if !action.IsTransactionMarker() {
		r.log.WithField("action", action).Error("audit: not a transaction marker action")
		r.countFailure()
		return nil
	}
	rec := &Record{
		TableName: systemTable,
		RecordKey: "TXN_" + uuid.NewString(),
		Action:    action,
		Notes:     notes,
	}
	return r.Append(ctx, rec)
}

// Transaction brackets fn with START and COMPLETE/ERROR markers and
// returns fn's error unchanged. Marker failures are swallowed like every
// other audit failure.
func (r *Recorder) Transaction(ctx context.Context, description string, fn func(ctx context.Context) error) error {
	start := r.now()
	r.RecordTransaction(ctx, ActionTransactionStart, description)

	err := fn(ctx)

	elapsed := r.now().Sub(start)
	if err != nil {
		r.RecordTransaction(ctx, ActionTransactionError, description+": "+err.Error()+" ("+elapsed.String()+")")
		return err
	}
	r.RecordTransaction(ctx, ActionTransactionComplete, description+" ("+elapsed.String()+")")
	return nil
}

// Append validates, stamps, and durably appends rec. Returns rec with its
// assigned ID, or nil on any audit-side failure.
func (r *Recorder) Append(ctx context.Context, rec *Record) *Record {
	if err := rec.Validate(); err != nil {
		r.log.WithError(err).
			WithFields(logrus.Fields{"table": rec.TableName, "action": rec.Action}).
			Error("audit: dropping invalid record")
		r.countFailure()
		return nil
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}
	rec.Context = mergeRequestContext(ctx, rec.Context)

	if err := r.store.Insert(ctx, rec); err != nil {
		r.log.WithError(err).
			WithFields(logrus.Fields{"table": rec.TableName, "key": rec.RecordKey, "action": rec.Action}).
			Error("audit: failed to append record")
		r.countFailure()
		return nil
	}

	if r.metrics != nil {
		r.metrics.AuditRecordsTotal.WithLabelValues(rec.TableName, string(rec.Action)).Inc()
	}
	r.log.WithFields(logrus.Fields{
		"id":     rec.ID,
		"table":  rec.TableName,
		"key":    rec.RecordKey,
		"action": rec.Action,
	}).Debug("audit: record appended")

	return rec
}

func (r *Recorder) countFailure() {
	if r.metrics != nil {
		r.metrics.AuditWriteFailuresTotal.Inc()
	}
}

// mergeRequestContext folds middleware-captured request metadata into the
// record's actor context without overwriting caller-provided keys
func mergeRequestContext(ctx context.Context, existing map[string]string) map[string]string {
	info := RequestInfoFromContext(ctx)
	if info == nil {
		return existing
	}

	merged := existing
	if merged == nil {
		merged = make(map[string]string, 5)
	}
	set := func(key, value string) {
		if value == "" {
			return
		}
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}
	set("endpoint", info.Endpoint)
	set("method", info.Method)
	set("remote_addr", info.RemoteAddr)
	set("user_agent", info.UserAgent)
	set("request_id", info.RequestID)

	if len(merged) == 0 {
		return nil
	}
	return merged
}
