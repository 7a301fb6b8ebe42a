package apply

import (
	"context"
	"encoding/binary"

	"github.com/spaolacci/murmur3"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tailbase/tailbase/oplog"
	"github.com/tailbase/tailbase/storage"
)

// hashNamespace is the base routing hash. 32 bits is plenty: the value only
// feeds a modulo over the writer count, and murmur keeps entropy in the low
// bits.
func hashNamespace(ns string) uint32 {
	return murmur3.Sum32([]byte(ns))
}

// processCRUDOp refines a CRUD op's routing hash and marks capped-collection
// inserts.
//
// On doc-locking engines the document _id is mixed into the hash so a hot
// collection still spreads across workers. Capped collections are excluded:
// they require strict insertion order, which only a single writer preserves.
func (a *Applier) processCRUDOp(ctx context.Context, cache *collectionPropsCache, e *oplog.Entry, hash *uint32) error {
	props, err := cache.get(ctx, e.Namespace)
	if err != nil {
		return err
	}

	if a.engine.SupportsDocLocking() && !props.Capped {
		if id, ok := e.IDElement(); ok {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], hashIDElement(id, props.Collator))
			*hash = murmur3.Sum32WithSeed(buf[:], *hash)
		}
	}

	if e.Operation == oplog.OpTypeInsert && props.Capped {
		e.SetForCappedCollection(true)
	}
	return nil
}

// hashIDElement hashes an _id value ignoring its field name. The collection's
// default collator decides equality when present.
func hashIDElement(v bson.RawValue, collator storage.Collator) uint64 {
	if collator != nil {
		return collator.HashValue(v)
	}
	h := murmur3.New64()
	_, _ = h.Write([]byte{byte(v.Type)})
	_, _ = h.Write(v.Value)
	return h.Sum64()
}
