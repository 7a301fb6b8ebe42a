package apply

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/tailbase/tailbase/storage"
)

// collectionPropsCache memoizes per-collection properties for one partitioning
// pass. It is never shared across passes: a new batch gets a fresh cache so
// drops and collmod between batches are observed.
type collectionPropsCache struct {
	engine storage.Engine
	cache  map[string]storage.CollectionProperties
}

func newCollectionPropsCache(engine storage.Engine) *collectionPropsCache {
	return &collectionPropsCache{
		engine: engine,
		cache:  map[string]storage.CollectionProperties{},
	}
}

func (c *collectionPropsCache) get(ctx context.Context, ns string) (storage.CollectionProperties, error) {
	if props, ok := c.cache[ns]; ok {
		return props, nil
	}

	props, err := c.lookup(ctx, ns)
	if err != nil {
		return storage.CollectionProperties{}, err
	}
	c.cache[ns] = props
	return props, nil
}

func (c *collectionPropsCache) lookup(ctx context.Context, ns string) (storage.CollectionProperties, error) {
	var props storage.CollectionProperties

	guard, err := c.engine.Locks().LockDatabase(ctx, dbOf(ns), storage.LockIntentShared)
	if err != nil {
		return props, errors.WithStack(err)
	}
	defer guard.Unlock()

	db, ok := c.engine.Databases().GetDatabase(ctx, dbOf(ns))
	if !ok {
		return props, nil
	}
	coll, ok := db.GetCollection(ctx, ns)
	if !ok {
		return props, nil
	}
	props.Capped = coll.IsCapped()
	props.Collator = coll.DefaultCollator()
	return props, nil
}
