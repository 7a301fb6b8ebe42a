package apply

import (
	"bytes"
	"sort"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tailbase/tailbase/oplog"
)

// sessionTableNamespace is the collection holding per-session retryable-write
// state.
const sessionTableNamespace = "config.transactions"

// sessionUpdateTracker derives session-table updates from retryable-write ops.
// It buffers the newest write per session and materializes one synthetic
// update op per session on flush, so a batch with many retryable writes on one
// session costs a single table write.
type sessionUpdateTracker struct {
	sessions map[string]*oplog.Entry
}

func newSessionUpdateTracker() *sessionUpdateTracker {
	return &sessionUpdateTracker{
		sessions: map[string]*oplog.Entry{},
	}
}

// UpdateSession consumes one op in batch order. The returned ops, if any, are
// synthetic session-table writes that must route before the op itself.
func (t *sessionUpdateTracker) UpdateSession(e *oplog.Entry) ([]oplog.Entry, error) {
	if e.Namespace == sessionTableNamespace {
		return t.flushForDirectWrite(e)
	}
	if !e.HasSession() || e.TxnNumber == nil {
		return nil, nil
	}
	// Only retryable writes update the session table here: CRUD plus the
	// noops chunk migration generates. Multi-op transactions record their
	// state through the transaction participant at commit instead.
	if !e.IsCRUD() && e.Operation != oplog.OpTypeNoop {
		return nil, nil
	}
	if e.IsPartialTransaction() || e.ShouldPrepare() {
		return nil, nil
	}
	t.sessions[e.SessionKey()] = e
	return nil, nil
}

// Flush materializes every buffered session update. Output order is
// deterministic so partitioning stays pure.
func (t *sessionUpdateTracker) Flush() ([]oplog.Entry, error) {
	if len(t.sessions) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(t.sessions))
	for k := range t.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]oplog.Entry, 0, len(keys))
	for _, k := range keys {
		update, err := makeSessionTableUpdate(t.sessions[k])
		if err != nil {
			return nil, err
		}
		out = append(out, update)
	}
	t.sessions = map[string]*oplog.Entry{}
	return out, nil
}

// flushForDirectWrite handles an op that writes the session table itself. Any
// buffered update for the same session must be emitted first, or the direct
// write would be clobbered by stale derived state later in the batch.
func (t *sessionUpdateTracker) flushForDirectWrite(e *oplog.Entry) ([]oplog.Entry, error) {
	id, ok := e.IDElement()
	if !ok {
		// Cannot tell which session is touched; flush them all.
		return t.Flush()
	}

	for key, buffered := range t.sessions {
		if !bytes.Equal(buffered.LSID, id.Value) {
			continue
		}
		update, err := makeSessionTableUpdate(buffered)
		if err != nil {
			return nil, err
		}
		delete(t.sessions, key)
		return []oplog.Entry{update}, nil
	}
	return nil, nil
}

// makeSessionTableUpdate builds the synthetic upsert recording e's session
// progress.
func makeSessionTableUpdate(e *oplog.Entry) (oplog.Entry, error) {
	record, err := bson.Marshal(bson.D{
		{Key: "_id", Value: e.LSID},
		{Key: "txnNum", Value: *e.TxnNumber},
		{Key: "lastWriteOpTime", Value: e.OpTime()},
		{Key: "lastWriteDate", Value: e.WallTime},
	})
	if err != nil {
		return oplog.Entry{}, errors.Wrapf(err, "encoding session record for %s", e.Redacted())
	}
	selector, err := bson.Marshal(bson.D{{Key: "_id", Value: e.LSID}})
	if err != nil {
		return oplog.Entry{}, errors.Wrapf(err, "encoding session selector for %s", e.Redacted())
	}

	return oplog.Entry{
		Timestamp: e.Timestamp,
		Term:      e.Term,
		Version:   e.Version,
		Operation: oplog.OpTypeUpdate,
		Namespace: sessionTableNamespace,
		Object:    record,
		Object2:   selector,
		WallTime:  e.WallTime,
	}, nil
}
