package apply

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tailbase/tailbase/oplog"
	"github.com/tailbase/tailbase/storage"
)

// ApplyBatch runs one bulk-synchronous apply round: partition the batch on the
// calling goroutine, fan one worker task out per non-empty writer vector, join
// them all, and merge the per-worker multikey reports.
//
// Workers are not cancelled on failure — a worker mid-write cannot be safely
// interrupted — so every worker finishes its sublist and the first error is
// surfaced after the join.
func (a *Applier) ApplyBatch(ctx context.Context, ops []oplog.Entry) ([]storage.MultikeyPath, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	a.observer.OnBatchBegin(ops)
	lastOpTime := ops[len(ops)-1].OpTime()

	vectors := NewWriterVectors(a.opts.NumWriters)
	derived := &DerivedOps{}
	if err := a.FillWriterVectors(ctx, ops, vectors, derived); err != nil {
		a.observer.OnBatchEnd(oplog.OpTime{}, err)
		return nil, err
	}

	multikey := make([][]storage.MultikeyPath, len(vectors))
	var eg errgroup.Group
	for i := range vectors {
		if len(vectors[i]) == 0 {
			continue
		}
		vector := vectors[i]
		out := &multikey[i]
		eg.Go(func() error {
			sess := storage.NewSession()
			return a.MultiSyncApply(ctx, sess, vector, out)
		})
	}

	if err := eg.Wait(); err != nil {
		a.observer.OnBatchEnd(oplog.OpTime{}, err)
		return nil, err
	}

	var merged []storage.MultikeyPath
	for _, paths := range multikey {
		merged = append(merged, paths...)
	}
	a.observer.OnBatchEnd(lastOpTime, nil)
	return merged, nil
}
