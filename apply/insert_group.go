package apply

import (
	"context"
	"log/slog"

	"github.com/tailbase/tailbase/oplog"
	"github.com/tailbase/tailbase/storage"
)

const (
	// groupMaxOps bounds how many inserts coalesce into one bulk write.
	groupMaxOps = 64
	// groupMaxBytes bounds the total payload of a group.
	groupMaxBytes = 512 * 1024
)

// insertGrouper coalesces runs of consecutive inserts into the same collection
// into single bulk inserts. Grouping is purely an optimization: for non-capped
// collections it is semantically identical to per-op application.
type insertGrouper struct {
	applier *Applier
	sess    *storage.Session
	ops     []*oplog.Entry
	mode    oplog.Mode
}

func newInsertGrouper(a *Applier, sess *storage.Session, ops []*oplog.Entry, mode oplog.Mode) *insertGrouper {
	return &insertGrouper{
		applier: a,
		sess:    sess,
		ops:     ops,
		mode:    mode,
	}
}

// groupAndApplyInserts tries to form and apply a group starting at index i.
// On success it returns the index of the last grouped op. On any failure it
// reports no group and leaves the caller to apply ops individually.
func (g *insertGrouper) groupAndApplyInserts(ctx context.Context, i int) (int, bool) {
	first := g.ops[i]
	if !groupableInsert(first) {
		return 0, false
	}

	run := []*oplog.Entry{first}
	size := len(first.Object)
	for j := i + 1; j < len(g.ops) && len(run) < groupMaxOps; j++ {
		next := g.ops[j]
		if !groupableInsert(next) || !sameCollection(first, next) {
			break
		}
		if size+len(next.Object) > groupMaxBytes {
			break
		}
		run = append(run, next)
		size += len(next.Object)
	}
	if len(run) < 2 {
		return 0, false
	}

	batch := oplog.NewGroupedInsertBatch(run)
	if err := g.applier.SyncApply(ctx, g.sess, &batch, g.mode); err != nil {
		g.applier.log.Warn("error applying inserts in bulk, trying them individually",
			slog.Int("groupSize", len(run)),
			slog.String("firstOp", first.Redacted()),
			slog.Any("error", err),
		)
		return 0, false
	}
	return i + len(run) - 1, true
}

// groupableInsert excludes capped-collection inserts: capped collections
// require strict per-document insertion order that bulk paths do not promise.
func groupableInsert(e *oplog.Entry) bool {
	return e.Operation == oplog.OpTypeInsert && !e.ForCappedCollection()
}

// sameCollection matches by UUID when both entries carry one, by namespace
// when neither does. An entry with a UUID never matches one without.
func sameCollection(a, b *oplog.Entry) bool {
	idA, okA := a.UUID()
	idB, okB := b.UUID()
	if okA && okB {
		return idA == idB
	}
	if okA != okB {
		return false
	}
	return a.Namespace == b.Namespace
}
