package apply

import (
	"context"
	"log/slog"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/tailbase/tailbase/oplog"
	"github.com/tailbase/tailbase/storage"
)

// stableSortByNamespace orders a worker vector by namespace while preserving
// batch order among same-namespace ops. The stability is load-bearing: it is
// what keeps same-collection ops in primary log order.
func stableSortByNamespace(ops []*oplog.Entry) {
	if len(ops) < 2 {
		return
	}
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Namespace < ops[j].Namespace
	})
}

// MultiSyncApply consumes one writer vector on its worker task: configure the
// session, sort by namespace, coalesce insert runs, apply the rest one by one,
// and hand collected multikey paths back to the caller.
//
// multikeyOut must be empty on entry; it is filled only on success.
func (a *Applier) MultiSyncApply(ctx context.Context, sess *storage.Session, ops []*oplog.Entry, multikeyOut *[]storage.MultikeyPath) error {
	sess.WritesReplicated = false
	sess.DocumentValidation = false
	// Stashing transaction resources swaps the locker, so the flag is set
	// here instead of through a scoped block.
	sess.ConflictWithBatchApplication = false
	// Future read transactions open without a timestamp.
	sess.ReadSource = storage.ReadSourceNoTimestamp
	// Secondaries may see prepares the primary never had; reads must not
	// block on them.
	sess.PrepareConflict = storage.PrepareConflictIgnoreAllowWrites

	stableSortByNamespace(ops)

	mode := a.opts.Mode
	grouper := newInsertGrouper(a, sess, ops, mode)

	err := func() error {
		sess.Multikey.StartTracking()
		defer sess.Multikey.StopTracking()

		for i := 0; i < len(ops); i++ {
			op := ops[i]

			// A successful group advances the cursor past everything the
			// group swallowed.
			if last, ok := grouper.groupAndApplyInserts(ctx, i); ok {
				i = last
				continue
			}

			batch := oplog.NewSingleEntryBatch(op)
			if err := a.SyncApply(ctx, sess, &batch, mode); err != nil {
				// The document is missing but a later delete in the oplog
				// will reconcile it.
				if errors.Is(err, storage.ErrUpdateOperationFailed) && mode == oplog.ModeInitialSync {
					continue
				}
				// The namespace will be dropped before this pass ends.
				if errors.Is(err, storage.ErrNamespaceNotFound) && op.IsCRUD() &&
					a.opts.AllowNamespaceNotFoundErrorsOnCRUDOps {
					continue
				}
				a.log.Error("error applying operation",
					slog.String("op", op.Redacted()),
					slog.Any("error", err),
				)
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return err
	}

	if sess.Multikey.Tracking() {
		return errors.AssertionFailedf("multikey path tracker still active after apply")
	}
	if len(*multikeyOut) != 0 {
		return errors.AssertionFailedf("worker multikey path info not empty on entry")
	}
	*multikeyOut = append(*multikeyOut, sess.Multikey.Paths()...)
	return nil
}
