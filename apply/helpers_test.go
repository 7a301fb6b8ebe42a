package apply

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tailbase/tailbase/oplog"
	"github.com/tailbase/tailbase/storage"
)

func mustRaw(t *testing.T, doc any) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(doc)
	require.NoError(t, err)
	return b
}

func at(i uint32) oplog.OpTime {
	return oplog.OpTime{TS: bson.Timestamp{T: 1, I: i}, Term: 1}
}

func insertOp(t *testing.T, ns string, id int64, ot oplog.OpTime) oplog.Entry {
	t.Helper()
	return oplog.Entry{
		Timestamp: ot.TS,
		Term:      ot.Term,
		Operation: oplog.OpTypeInsert,
		Namespace: ns,
		Object:    mustRaw(t, bson.D{{Key: "_id", Value: id}, {Key: "v", Value: id}}),
	}
}

func updateOp(t *testing.T, ns string, id int64, ot oplog.OpTime) oplog.Entry {
	t.Helper()
	return oplog.Entry{
		Timestamp: ot.TS,
		Term:      ot.Term,
		Operation: oplog.OpTypeUpdate,
		Namespace: ns,
		Object:    mustRaw(t, bson.D{{Key: "$set", Value: bson.D{{Key: "touched", Value: true}}}}),
		Object2:   mustRaw(t, bson.D{{Key: "_id", Value: id}}),
	}
}

func deleteOp(t *testing.T, ns string, id int64, ot oplog.OpTime) oplog.Entry {
	t.Helper()
	return oplog.Entry{
		Timestamp: ot.TS,
		Term:      ot.Term,
		Operation: oplog.OpTypeDelete,
		Namespace: ns,
		Object:    mustRaw(t, bson.D{{Key: "_id", Value: id}}),
	}
}

func noopOp(ot oplog.OpTime) oplog.Entry {
	return oplog.Entry{
		Timestamp: ot.TS,
		Term:      ot.Term,
		Operation: oplog.OpTypeNoop,
		Namespace: "db.c",
	}
}

func innerInsertDoc(ns string, id int64) bson.D {
	return bson.D{
		{Key: "op", Value: "i"},
		{Key: "ns", Value: ns},
		{Key: "o", Value: bson.D{{Key: "_id", Value: id}}},
	}
}

// applyOpsOp builds an applyOps command entry with the given inner docs.
func applyOpsOp(t *testing.T, ot oplog.OpTime, inner ...bson.D) oplog.Entry {
	t.Helper()
	ops := bson.A{}
	for _, d := range inner {
		ops = append(ops, d)
	}
	return oplog.Entry{
		Timestamp: ot.TS,
		Term:      ot.Term,
		Operation: oplog.OpTypeCommand,
		Namespace: "admin.$cmd",
		Object:    mustRaw(t, bson.D{{Key: "applyOps", Value: ops}}),
	}
}

func commandOp(t *testing.T, ot oplog.OpTime, ns, name string, value any) oplog.Entry {
	t.Helper()
	return oplog.Entry{
		Timestamp: ot.TS,
		Term:      ot.Term,
		Operation: oplog.OpTypeCommand,
		Namespace: ns,
		Object:    mustRaw(t, bson.D{{Key: name, Value: value}}),
	}
}

func sessionRaw(t *testing.T, name string) bson.Raw {
	t.Helper()
	return mustRaw(t, bson.D{{Key: "id", Value: name}})
}

func i64(v int64) *int64 {
	return &v
}

// bsonBinaryUUID is a collection UUID no catalog knows about.
var unknownUUID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
var bsonBinaryUUID = bson.Binary{Subtype: 0x04, Data: unknownUUID[:]}

func testApplier(t *testing.T, engine storage.Engine, chain oplog.ChainReader, opts Options) *Applier {
	t.Helper()
	a, err := NewApplier(engine, chain, nil, opts)
	require.NoError(t, err)
	return a
}

// applySession returns a session with writes unreplicated and document
// validation off, the two settings SyncApply requires.
func applySession() *storage.Session {
	sess := storage.NewSession()
	sess.WritesReplicated = false
	sess.DocumentValidation = false
	return sess
}

// fakeClock yields the given instants in sequence, then keeps returning the
// last one.
func fakeClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		if i >= len(times) {
			return times[len(times)-1]
		}
		v := times[i]
		i++
		return v
	}
}
