package apply

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tailbase/tailbase/oplog"
	"github.com/tailbase/tailbase/storage"
)

func entryPtrs(ops []oplog.Entry) []*oplog.Entry {
	out := make([]*oplog.Entry, len(ops))
	for i := range ops {
		out[i] = &ops[i]
	}
	return out
}

func TestStableSortByNamespace(t *testing.T) {
	t.Parallel()

	ops := []oplog.Entry{
		insertOp(t, "db.b", 1, at(1)),
		insertOp(t, "db.a", 2, at(2)),
		insertOp(t, "db.b", 3, at(3)),
		insertOp(t, "db.a", 4, at(4)),
		insertOp(t, "db.b", 5, at(5)),
	}
	ptrs := entryPtrs(ops)
	stableSortByNamespace(ptrs)

	var got []string
	for _, op := range ptrs {
		got = append(got, op.Namespace)
	}
	require.Equal(t, []string{"db.a", "db.a", "db.b", "db.b", "db.b"}, got)

	// Same-namespace ops keep their pre-sort (batch) order.
	var aIDs, bIDs []int64
	for _, op := range ptrs {
		id, _ := op.IDElement()
		v, _ := id.Int64OK()
		if op.Namespace == "db.a" {
			aIDs = append(aIDs, v)
		} else {
			bIDs = append(bIDs, v)
		}
	}
	require.Equal(t, []int64{2, 4}, aIDs)
	require.Equal(t, []int64{1, 3, 5}, bIDs)
}

func TestMultiSyncApplyConfiguresSession(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryEngine()
	engine.CreateCollection("db.c", storage.CollectionConfig{})
	a := testApplier(t, engine, nil, Options{})

	sess := storage.NewSession()
	ops := []oplog.Entry{insertOp(t, "db.c", 1, at(1))}
	var multikey []storage.MultikeyPath
	require.NoError(t, a.MultiSyncApply(context.Background(), sess, entryPtrs(ops), &multikey))

	require.False(t, sess.WritesReplicated)
	require.False(t, sess.DocumentValidation)
	require.False(t, sess.ConflictWithBatchApplication)
	require.Equal(t, storage.ReadSourceNoTimestamp, sess.ReadSource)
	require.Equal(t, storage.PrepareConflictIgnoreAllowWrites, sess.PrepareConflict)
	require.Equal(t, 1, engine.CountDocuments("db.c"))
}

// S6: during initial sync an update of a missing document is skipped; the
// later delete reconciles and the worker returns OK.
func TestMultiSyncApplyUpdateMissingInitialSync(t *testing.T) {
	engine := storage.NewMemoryEngine()
	engine.CreateCollection("db.c", storage.CollectionConfig{})
	a := testApplier(t, engine, nil, Options{Mode: oplog.ModeInitialSync})

	ops := []oplog.Entry{
		updateOp(t, "db.c", 7, at(1)),
		deleteOp(t, "db.c", 7, at(2)),
	}
	before := OpsApplied()
	var multikey []storage.MultikeyPath
	require.NoError(t, a.MultiSyncApply(context.Background(), storage.NewSession(), entryPtrs(ops), &multikey))
	require.Equal(t, before+1, OpsApplied(), "only the delete applies")
}

// Outside initial sync, the same update fails the worker... except that
// upserting hides it in secondary mode. Force the error through the engine to
// check the fail-fast path.
func TestMultiSyncApplyFailsFast(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryEngine()
	engine.CreateCollection("db.c", storage.CollectionConfig{})
	a := testApplier(t, engine, nil, Options{})

	boom := storage.ErrUpdateOperationFailed
	engine.BeforeApplyOperation = func(_ *storage.Session, batch *oplog.EntryBatch) error {
		if batch.Op().Operation == oplog.OpTypeUpdate {
			return boom
		}
		return nil
	}

	ops := []oplog.Entry{
		updateOp(t, "db.c", 7, at(1)),
		insertOp(t, "db.c", 8, at(2)),
	}
	var multikey []storage.MultikeyPath
	err := a.MultiSyncApply(context.Background(), storage.NewSession(), entryPtrs(ops), &multikey)
	require.ErrorIs(t, err, boom)
}

func TestMultiSyncApplySkipsMissingNamespaceWhenAllowed(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryEngine()
	engine.CreateCollection("db.c", storage.CollectionConfig{})
	a := testApplier(t, engine, nil, Options{
		Mode:                                  oplog.ModeInitialSync,
		AllowNamespaceNotFoundErrorsOnCRUDOps: true,
	})

	ops := []oplog.Entry{
		updateOp(t, "nodb.c", 1, at(1)),
		insertOp(t, "db.c", 2, at(2)),
	}
	var multikey []storage.MultikeyPath
	require.NoError(t, a.MultiSyncApply(context.Background(), storage.NewSession(), entryPtrs(ops), &multikey))
	require.Equal(t, 1, engine.CountDocuments("db.c"))
}

func TestMultiSyncApplyWithoutAllowFlagFails(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryEngine()
	engine.CreateCollection("db.c", storage.CollectionConfig{})
	a := testApplier(t, engine, nil, Options{Mode: oplog.ModeInitialSync})

	ops := []oplog.Entry{updateOp(t, "nodb.c", 1, at(1))}
	var multikey []storage.MultikeyPath
	err := a.MultiSyncApply(context.Background(), storage.NewSession(), entryPtrs(ops), &multikey)
	require.ErrorIs(t, err, storage.ErrNamespaceNotFound)
}

func TestMultiSyncApplyMultikeyHandOff(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryEngine()
	engine.CreateCollection("db.c", storage.CollectionConfig{})
	a := testApplier(t, engine, nil, Options{})

	want := storage.MultikeyPath{Namespace: "db.c", Index: "tags_1", Paths: []string{"tags"}}
	engine.BeforeApplyOperation = func(sess *storage.Session, _ *oplog.EntryBatch) error {
		sess.Multikey.Add(want)
		return nil
	}

	sess := storage.NewSession()
	ops := []oplog.Entry{insertOp(t, "db.c", 1, at(1))}
	var multikey []storage.MultikeyPath
	require.NoError(t, a.MultiSyncApply(context.Background(), sess, entryPtrs(ops), &multikey))

	require.Equal(t, []storage.MultikeyPath{want}, multikey)
	require.False(t, sess.Multikey.Tracking())
}

func TestMultiSyncApplyRejectsDirtyMultikeyOut(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryEngine()
	engine.CreateCollection("db.c", storage.CollectionConfig{})
	a := testApplier(t, engine, nil, Options{})

	ops := []oplog.Entry{insertOp(t, "db.c", 1, at(1))}
	multikey := []storage.MultikeyPath{{Namespace: "stale"}}
	err := a.MultiSyncApply(context.Background(), storage.NewSession(), entryPtrs(ops), &multikey)
	require.Error(t, err)
}
