package oplog

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

func opTimeComparator(a, b interface{}) int {
	aAsserted, aOk := a.(OpTime)
	bAsserted, bOk := b.(OpTime)
	if !aOk || !bOk {
		panic("not an optime")
	}
	return aAsserted.Compare(bAsserted)
}

// Buffer holds recently fetched oplog entries ordered by optime. The applier
// uses it as the ChainReader for transaction flattening; the fetcher trims it
// once a batch is durably applied.
type Buffer struct {
	mtx  sync.RWMutex
	tree *treemap.Map
}

func NewBuffer() *Buffer {
	return &Buffer{
		tree: treemap.NewWith(opTimeComparator),
	}
}

var _ ChainReader = (*Buffer)(nil)

func (b *Buffer) Add(e *Entry) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.tree.Put(e.OpTime(), e)
}

func (b *Buffer) FindByOpTime(t OpTime) (*Entry, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	v, ok := b.tree.Get(t)
	if !ok {
		return nil, false
	}
	e, ok := v.(*Entry)
	if !ok {
		panic("not an entry")
	}
	return e, true
}

func (b *Buffer) Len() int {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.tree.Size()
}

// TrimBefore drops every entry with optime <= t.
func (b *Buffer) TrimBefore(t OpTime) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	var stale []interface{}
	it := b.tree.Iterator()
	for it.Next() {
		key, ok := it.Key().(OpTime)
		if !ok {
			panic("not an optime")
		}
		if key.After(t) {
			break
		}
		stale = append(stale, it.Key())
	}
	for _, key := range stale {
		b.tree.Remove(key)
	}
}
