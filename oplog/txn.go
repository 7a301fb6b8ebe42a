package oplog

import (
	"github.com/cockroachdb/errors"
)

// ErrChainEntryNotFound marks a broken oplog chain: a prevOpTime link points
// at an entry the reader cannot produce.
var ErrChainEntryNotFound = errors.New("oplog chain entry not found")

// ChainReader looks up previously seen oplog entries by optime. It backs
// transaction flattening when the partial-transaction buffer does not already
// hold the whole chain (e.g. replaying a commit during recovery).
type ChainReader interface {
	FindByOpTime(t OpTime) (*Entry, bool)
}

// ReadTransactionOperations materializes the flat operation list of a
// multi-entry transaction ending at terminal. The chain is taken from partial
// when non-empty (the common case: the entries were buffered while being
// fetched), otherwise it is rebuilt by walking prevOpTime links through
// reader. Operations are returned in source-chain order.
func ReadTransactionOperations(reader ChainReader, terminal *Entry, partial []*Entry) ([]Entry, error) {
	chain := make([]*Entry, len(partial))
	copy(chain, partial)

	if len(chain) == 0 && terminal.PrevOpTime != nil && !terminal.PrevOpTime.IsZero() {
		if reader == nil {
			return nil, errors.Wrapf(ErrChainEntryNotFound,
				"no chain reader to rebuild transaction ending at %s", terminal.OpTime())
		}
		at := *terminal.PrevOpTime
		for !at.IsZero() {
			link, ok := reader.FindByOpTime(at)
			if !ok {
				return nil, errors.Wrapf(ErrChainEntryNotFound, "missing entry at %s", at)
			}
			chain = append([]*Entry{link}, chain...)
			if link.PrevOpTime == nil {
				break
			}
			at = *link.PrevOpTime
		}
	}

	var ops []Entry
	for _, link := range chain {
		if link.CommandType() != CommandApplyOps {
			continue
		}
		inner, err := ExtractOperations(link)
		if err != nil {
			return nil, err
		}
		ops = append(ops, inner...)
	}

	// A commitTransaction terminal carries no operations itself; the chain
	// already holds them all.
	if terminal.CommandType() == CommandApplyOps {
		inner, err := ExtractOperations(terminal)
		if err != nil {
			return nil, err
		}
		ops = append(ops, inner...)
	}
	return ops, nil
}
