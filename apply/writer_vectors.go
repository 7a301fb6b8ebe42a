package apply

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/tailbase/tailbase/oplog"
)

// WriterVectors is one ordered op list per worker slot. The vectors hold
// non-owning handles: into the caller's batch for input ops, into the
// DerivedOps pool for synthetic ones.
type WriterVectors [][]*oplog.Entry

func NewWriterVectors(n int) WriterVectors {
	return make(WriterVectors, n)
}

// DerivedOps owns the synthetic entries produced while partitioning a batch:
// flattened transactions, extracted applyOps, session-table updates. Each
// derived group keeps its own backing slice that never grows after routing, so
// the pointers handed to writer vectors stay valid until the whole batch is
// applied.
type DerivedOps struct {
	groups [][]oplog.Entry
}

func (d *DerivedOps) add(ops []oplog.Entry) []oplog.Entry {
	d.groups = append(d.groups, ops)
	return d.groups[len(d.groups)-1]
}

// Len returns the number of derived entries across all groups.
func (d *DerivedOps) Len() int {
	n := 0
	for _, g := range d.groups {
		n += len(g)
	}
	return n
}

// FillWriterVectors partitions one batch into per-worker op lists.
//
// Ops that must serialize — same document on a doc-locking engine, same
// collection otherwise or when capped — land in the same vector in batch
// order. Entries below the begin-applying floor are dropped. Multi-entry
// transactions are buffered until their terminal entry and then routed as
// flattened CRUD. Session-table updates derived from retryable writes are
// routed through a second, tracker-free pass so they cannot recurse.
//
// The only mutation of the input ops is the capped-collection marking.
func (a *Applier) FillWriterVectors(ctx context.Context, ops []oplog.Entry, vectors WriterVectors, derived *DerivedOps) error {
	if len(vectors) == 0 {
		return errors.New("no writer vectors")
	}

	cache := newCollectionPropsCache(a.engine)
	tracker := newSessionUpdateTracker()

	if err := a.deriveOpsAndFill(ctx, ops, vectors, derived, cache, tracker); err != nil {
		return err
	}

	flushed, err := tracker.Flush()
	if err != nil {
		return err
	}
	if len(flushed) > 0 {
		owned := derived.add(flushed)
		if err := a.deriveOpsAndFill(ctx, owned, vectors, derived, cache, nil); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) deriveOpsAndFill(ctx context.Context, ops []oplog.Entry, vectors WriterVectors,
	derived *DerivedOps, cache *collectionPropsCache, tracker *sessionUpdateTracker) error {

	partialTxnOps := map[string][]*oplog.Entry{}

	for i := range ops {
		op := &ops[i]

		// Entries at or below the begin-applying floor were already applied.
		if !op.OpTime().After(a.opts.BeginApplyingOpTime) {
			continue
		}

		hash := hashNamespace(op.Namespace)

		// Session state is tracked for every op type; noops generated by
		// chunk migration carry session info too.
		if tracker != nil {
			newWrites, err := tracker.UpdateSession(op)
			if err != nil {
				return err
			}
			if len(newWrites) > 0 {
				owned := derived.add(newWrites)
				if err := a.addDerivedOps(ctx, owned, vectors, cache); err != nil {
					return err
				}
			}
		}

		// Partial-transaction entries (and prepares during initial sync) are
		// buffered until the transaction resolves; nothing routes yet.
		if op.IsPartialTransaction() || (op.ShouldPrepare() && a.opts.Mode == oplog.ModeInitialSync) {
			list := partialTxnOps[op.SessionKey()]
			if len(list) > 0 && !txnNumbersMatch(list[0], op) {
				return errors.AssertionFailedf(
					"partial transaction entries with mixed txn numbers for session %q", op.SessionKey())
			}
			partialTxnOps[op.SessionKey()] = append(list, op)
			continue
		}

		if op.CommandType() == oplog.CommandAbortTransaction {
			delete(partialTxnOps, op.SessionKey())
		}

		if op.IsCRUD() {
			if err := a.processCRUDOp(ctx, cache, op, &hash); err != nil {
				return err
			}
		}

		if op.IsTerminalApplyOps() {
			if op.HasSession() && op.TxnNumber != nil {
				// Commit of an unprepared transaction: flatten the buffered
				// chain plus the terminal entry.
				list := partialTxnOps[op.SessionKey()]
				txnOps, err := oplog.ReadTransactionOperations(a.chain, op, list)
				if err != nil {
					return err
				}
				delete(partialTxnOps, op.SessionKey())

				owned := derived.add(txnOps)
				if err := a.addDerivedOps(ctx, owned, vectors, cache); err != nil {
					return err
				}
				continue
			}

			// A standalone or nested applyOps, not part of a transaction.
			if op.PrevOpTime != nil && !op.PrevOpTime.IsZero() {
				return errors.AssertionFailedf(
					"non-transactional applyOps with prevOpTime at %s", op.OpTime())
			}
			extracted, err := oplog.ExtractOperations(op)
			if err != nil {
				return err
			}
			owned := derived.add(extracted)
			if err := a.addDerivedOps(ctx, owned, vectors, cache); err != nil {
				return err
			}
			continue
		}

		// A prepared-transaction commit during initial sync materializes
		// here; other modes hand prepared commits to the transaction oplog
		// application path instead.
		if op.IsPreparedCommit() && a.opts.Mode == oplog.ModeInitialSync {
			list := partialTxnOps[op.SessionKey()]
			txnOps, err := oplog.ReadTransactionOperations(a.chain, op, list)
			if err != nil {
				return err
			}
			delete(partialTxnOps, op.SessionKey())

			owned := derived.add(txnOps)
			if err := a.addDerivedOps(ctx, owned, vectors, cache); err != nil {
				return err
			}
			continue
		}

		addToWriterVector(op, vectors, hash)
	}
	return nil
}

// addDerivedOps routes an owned group of derived entries. Derived entries are
// plain CRUD (or commands) by construction; they never re-enter transaction
// assembly or session tracking.
func (a *Applier) addDerivedOps(ctx context.Context, ops []oplog.Entry, vectors WriterVectors, cache *collectionPropsCache) error {
	for i := range ops {
		op := &ops[i]
		hash := hashNamespace(op.Namespace)
		if op.IsCRUD() {
			if err := a.processCRUDOp(ctx, cache, op, &hash); err != nil {
				return err
			}
		}
		addToWriterVector(op, vectors, hash)
	}
	return nil
}

func addToWriterVector(op *oplog.Entry, vectors WriterVectors, hash uint32) {
	idx := hash % uint32(len(vectors))
	if cap(vectors[idx]) == 0 {
		vectors[idx] = make([]*oplog.Entry, 0, 8)
	}
	vectors[idx] = append(vectors[idx], op)
}

func txnNumbersMatch(a, b *oplog.Entry) bool {
	if a.TxnNumber == nil || b.TxnNumber == nil {
		return false
	}
	return *a.TxnNumber == *b.TxnNumber
}
