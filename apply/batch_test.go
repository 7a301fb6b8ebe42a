package apply

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/tailbase/tailbase/oplog"
	"github.com/tailbase/tailbase/storage"
)

type recordingObserver struct {
	mtx     sync.Mutex
	begins  int
	ends    int
	lastErr error
	lastOp  oplog.OpTime
}

func (o *recordingObserver) OnBatchBegin(ops []oplog.Entry) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.begins++
}

func (o *recordingObserver) OnBatchEnd(last oplog.OpTime, err error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.ends++
	o.lastOp = last
	o.lastErr = err
}

func TestApplyBatchEndToEnd(t *testing.T) {
	engine := storage.NewMemoryEngine()
	engine.CreateCollection("db.users", storage.CollectionConfig{})
	engine.CreateCollection("db.events", storage.CollectionConfig{Capped: true})

	obs := &recordingObserver{}
	a, err := NewApplier(engine, oplog.NewBuffer(), obs, Options{NumWriters: 4})
	require.NoError(t, err)

	var ops []oplog.Entry
	i := uint32(0)
	next := func() oplog.OpTime { i++; return at(i) }

	for d := int64(1); d <= 20; d++ {
		ops = append(ops, insertOp(t, "db.users", d, next()))
	}
	for d := int64(1); d <= 5; d++ {
		ops = append(ops, insertOp(t, "db.events", d, next()))
	}
	ops = append(ops,
		updateOp(t, "db.users", 3, next()),
		deleteOp(t, "db.users", 10, next()),
		noopOp(next()),
	)

	multikey, err := a.ApplyBatch(context.Background(), ops)
	require.NoError(t, err)
	require.Empty(t, multikey)

	require.Equal(t, 19, engine.CountDocuments("db.users"))
	require.Equal(t, 5, engine.CountDocuments("db.events"))
	require.Len(t, engine.InsertionOrder("db.events"), 5)

	id, err2 := mustRaw(t, map[string]int64{"_id": 3}).LookupErr("_id")
	require.NoError(t, err2)
	doc, found := engine.FindDocument("db.users", id)
	require.True(t, found)
	touched, err2 := doc.LookupErr("touched")
	require.NoError(t, err2)
	b, ok := touched.BooleanOK()
	require.True(t, ok)
	require.True(t, b)

	require.Equal(t, 1, obs.begins)
	require.Equal(t, 1, obs.ends)
	require.NoError(t, obs.lastErr)
	require.True(t, obs.lastOp.Equal(ops[len(ops)-1].OpTime()))
}

func TestApplyBatchEmpty(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryEngine()
	a := testApplier(t, engine, nil, Options{})

	multikey, err := a.ApplyBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, multikey)
}

func TestApplyBatchSurfacesWorkerError(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryEngine()
	engine.CreateCollection("db.a", storage.CollectionConfig{})
	engine.CreateCollection("db.b", storage.CollectionConfig{})

	boom := errors.New("disk on fire")
	engine.BeforeApplyOperation = func(_ *storage.Session, batch *oplog.EntryBatch) error {
		if batch.Op().Namespace == "db.b" {
			return boom
		}
		return nil
	}

	obs := &recordingObserver{}
	a, err := NewApplier(engine, nil, obs, Options{NumWriters: 4})
	require.NoError(t, err)

	ops := []oplog.Entry{
		insertOp(t, "db.a", 1, at(1)),
		insertOp(t, "db.b", 2, at(2)),
		insertOp(t, "db.a", 3, at(3)),
	}
	_, err = a.ApplyBatch(context.Background(), ops)
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, obs.lastErr, boom)

	// The healthy workers still completed their sublists.
	require.Equal(t, 2, engine.CountDocuments("db.a"))
}

func TestApplyBatchCollectsMultikeyFromAllWorkers(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryEngine()
	engine.CreateCollection("db.c", storage.CollectionConfig{})

	engine.BeforeApplyOperation = func(sess *storage.Session, batch *oplog.EntryBatch) error {
		sess.Multikey.Add(storage.MultikeyPath{
			Namespace: batch.Op().Namespace,
			Index:     "v_1",
			Paths:     []string{"v"},
		})
		return nil
	}

	a := testApplier(t, engine, nil, Options{NumWriters: 4})

	var ops []oplog.Entry
	for d := int64(1); d <= 16; d++ {
		ops = append(ops, insertOp(t, "db.c", d, at(uint32(d))))
	}
	multikey, err := a.ApplyBatch(context.Background(), ops)
	require.NoError(t, err)
	require.NotEmpty(t, multikey)
	for _, p := range multikey {
		require.Equal(t, "db.c", p.Namespace)
	}
}
