package storage

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tailbase/tailbase/oplog"
)

// CollectionConfig configures a collection created on the in-memory engine.
type CollectionConfig struct {
	Capped   bool
	Collator Collator
	UUID     uuid.UUID
}

type memCollection struct {
	mtx      sync.Mutex
	ns       string
	id       uuid.UUID
	capped   bool
	collator Collator
	docs     map[string]bson.Raw
	order    []string
}

var _ Collection = (*memCollection)(nil)

func (c *memCollection) Namespace() string {
	return c.ns
}

func (c *memCollection) IsCapped() bool {
	return c.capped
}

func (c *memCollection) DefaultCollator() Collator {
	return c.collator
}

type memDatabase struct {
	name   string
	engine *MemoryEngine
}

var _ Database = (*memDatabase)(nil)

func (d *memDatabase) Name() string {
	return d.name
}

func (d *memDatabase) GetCollection(_ context.Context, ns string) (Collection, bool) {
	d.engine.mtx.RLock()
	defer d.engine.mtx.RUnlock()

	c, ok := d.engine.colls[ns]
	if !ok {
		return nil, false
	}
	return c, true
}

type memLockGuard struct {
	once   sync.Once
	unlock func()
}

func (g *memLockGuard) Unlock() {
	g.once.Do(g.unlock)
}

type memLockManager struct {
	mtx   sync.Mutex
	locks map[string]*sync.RWMutex
}

var _ LockManager = (*memLockManager)(nil)

func (m *memLockManager) LockDatabase(_ context.Context, db string, mode LockMode) (DBLock, error) {
	m.mtx.Lock()
	mu, ok := m.locks[db]
	if !ok {
		mu = &sync.RWMutex{}
		m.locks[db] = mu
	}
	m.mtx.Unlock()

	if mode == LockExclusive {
		mu.Lock()
		return &memLockGuard{unlock: mu.Unlock}, nil
	}
	mu.RLock()
	return &memLockGuard{unlock: mu.RUnlock}, nil
}

// MemoryEngine is a doc-locking in-memory storage engine. It backs the test
// suite and the demo binary.
//
// BeforeApplyOperation and BeforeApplyCommand, when set, run ahead of the real
// work and may fail it; tests use them to inject write conflicts and other
// storage outcomes.
type MemoryEngine struct {
	mtx        sync.RWMutex
	docLocking bool
	dbs        map[string]*memDatabase
	colls      map[string]*memCollection
	uuids      map[uuid.UUID]string
	locks      *memLockManager
	log        *slog.Logger

	BeforeApplyOperation func(sess *Session, batch *oplog.EntryBatch) error
	BeforeApplyCommand   func(sess *Session, e *oplog.Entry) error
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		docLocking: true,
		dbs:        map[string]*memDatabase{},
		colls:      map[string]*memCollection{},
		uuids:      map[uuid.UUID]string{},
		locks:      &memLockManager{locks: map[string]*sync.RWMutex{}},
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
}

var _ Engine = (*MemoryEngine)(nil)
var _ Catalog = (*MemoryEngine)(nil)
var _ DatabaseHolder = (*MemoryEngine)(nil)

func (e *MemoryEngine) Catalog() Catalog {
	return e
}

func (e *MemoryEngine) Databases() DatabaseHolder {
	return e
}

func (e *MemoryEngine) Locks() LockManager {
	return e.locks
}

func (e *MemoryEngine) SupportsDocLocking() bool {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.docLocking
}

func (e *MemoryEngine) SetSupportsDocLocking(v bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.docLocking = v
}

func (e *MemoryEngine) LookupNamespaceByUUID(id uuid.UUID) (string, bool) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	ns, ok := e.uuids[id]
	return ns, ok
}

func (e *MemoryEngine) GetDatabase(_ context.Context, name string) (Database, bool) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	db, ok := e.dbs[name]
	return db, ok
}

// CreateCollection creates ns (and its database) and returns the collection's
// UUID.
func (e *MemoryEngine) CreateCollection(ns string, cfg CollectionConfig) uuid.UUID {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.createCollectionLocked(ns, cfg)
}

func (e *MemoryEngine) createCollectionLocked(ns string, cfg CollectionConfig) uuid.UUID {
	if c, ok := e.colls[ns]; ok {
		return c.id
	}

	id := cfg.UUID
	if id == (uuid.UUID{}) {
		id = uuid.New()
	}
	dbName := dbOfNamespace(ns)
	if _, ok := e.dbs[dbName]; !ok {
		e.dbs[dbName] = &memDatabase{name: dbName, engine: e}
	}
	e.colls[ns] = &memCollection{
		ns:       ns,
		id:       id,
		capped:   cfg.Capped,
		collator: cfg.Collator,
		docs:     map[string]bson.Raw{},
	}
	e.uuids[id] = ns
	return id
}

func (e *MemoryEngine) DropCollection(ns string) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.dropCollectionLocked(ns)
}

func (e *MemoryEngine) dropCollectionLocked(ns string) {
	c, ok := e.colls[ns]
	if !ok {
		return
	}
	delete(e.colls, ns)
	delete(e.uuids, c.id)
}

// FindDocument returns the stored document with the given _id, for test
// assertions.
func (e *MemoryEngine) FindDocument(ns string, id bson.RawValue) (bson.Raw, bool) {
	e.mtx.RLock()
	c, ok := e.colls[ns]
	e.mtx.RUnlock()
	if !ok {
		return nil, false
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	doc, ok := c.docs[idKey(id)]
	return doc, ok
}

// CountDocuments returns the number of stored documents in ns.
func (e *MemoryEngine) CountDocuments(ns string) int {
	e.mtx.RLock()
	c, ok := e.colls[ns]
	e.mtx.RUnlock()
	if !ok {
		return 0
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.docs)
}

// InsertionOrder returns the _id keys of ns in insertion order.
func (e *MemoryEngine) InsertionOrder(ns string) []string {
	e.mtx.RLock()
	c, ok := e.colls[ns]
	e.mtx.RUnlock()
	if !ok {
		return nil
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (e *MemoryEngine) ApplyOperation(ctx context.Context, sess *Session, db Database,
	batch *oplog.EntryBatch, alwaysUpsert bool, mode oplog.Mode, onApplied func()) error {
	if e.BeforeApplyOperation != nil {
		if err := e.BeforeApplyOperation(sess, batch); err != nil {
			return err
		}
	}

	for _, entry := range batch.Entries() {
		if err := e.applyOne(ctx, db, entry, alwaysUpsert); err != nil {
			return err
		}
		if onApplied != nil {
			onApplied()
		}
	}
	return nil
}

func (e *MemoryEngine) applyOne(_ context.Context, db Database, entry *oplog.Entry, alwaysUpsert bool) error {
	ns := entry.Namespace
	if id, ok := entry.UUID(); ok {
		if mapped, ok := e.LookupNamespaceByUUID(id); ok {
			ns = mapped
		}
	}

	id, ok := entry.IDElement()
	if !ok {
		return errors.Newf("op without _id: %s", entry.Redacted())
	}
	key := idKey(id)

	switch entry.Operation {
	case oplog.OpTypeInsert:
		c := e.collectionForWrite(ns, true)
		c.mtx.Lock()
		defer c.mtx.Unlock()
		if _, exists := c.docs[key]; !exists {
			c.order = append(c.order, key)
		}
		c.docs[key] = cloneRaw(entry.Object)
		return nil

	case oplog.OpTypeUpdate:
		c := e.collectionForWrite(ns, false)
		if c == nil {
			return errors.Wrapf(ErrNamespaceNotFound, "update against missing collection %q", ns)
		}
		c.mtx.Lock()
		defer c.mtx.Unlock()
		if _, exists := c.docs[key]; !exists {
			if !alwaysUpsert {
				return errors.Wrapf(ErrUpdateOperationFailed, "no document with _id for %s", entry.Redacted())
			}
			c.order = append(c.order, key)
		}
		c.docs[key] = mergeUpdate(c.docs[key], entry.Object, id)
		return nil

	case oplog.OpTypeDelete:
		c := e.collectionForWrite(ns, false)
		if c == nil {
			return errors.Wrapf(ErrNamespaceNotFound, "delete against missing collection %q", ns)
		}
		c.mtx.Lock()
		defer c.mtx.Unlock()
		delete(c.docs, key)
		return nil

	default:
		return errors.Newf("unexpected op type %q in CRUD apply", entry.Operation)
	}
}

// collectionForWrite returns ns's collection, creating it when createMissing
// is set (inserts create collections implicitly; updates and deletes do not).
func (e *MemoryEngine) collectionForWrite(ns string, createMissing bool) *memCollection {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	c, ok := e.colls[ns]
	if !ok && createMissing {
		e.createCollectionLocked(ns, CollectionConfig{})
		c = e.colls[ns]
	}
	return c
}

func (e *MemoryEngine) ApplyCommand(_ context.Context, sess *Session, entry *oplog.Entry, _ oplog.Mode) error {
	if e.BeforeApplyCommand != nil {
		if err := e.BeforeApplyCommand(sess, entry); err != nil {
			return err
		}
	}

	name := entry.CommandName()
	switch name {
	case "create":
		var cmd struct {
			Create string `bson:"create"`
			Capped bool   `bson:"capped,omitempty"`
		}
		if err := bson.Unmarshal(entry.Object, &cmd); err != nil {
			return errors.Wrapf(err, "decoding create command %s", entry.Redacted())
		}
		e.CreateCollection(entry.DatabaseName()+"."+cmd.Create, CollectionConfig{Capped: cmd.Capped})
		return nil

	case "drop":
		var cmd struct {
			Drop string `bson:"drop"`
		}
		if err := bson.Unmarshal(entry.Object, &cmd); err != nil {
			return errors.Wrapf(err, "decoding drop command %s", entry.Redacted())
		}
		e.DropCollection(entry.DatabaseName() + "." + cmd.Drop)
		return nil

	case "commitTransaction", "abortTransaction":
		// Transaction table bookkeeping lives with the transaction
		// participant, not the engine.
		return nil

	default:
		return errors.Wrapf(ErrUnsupportedCommand, "%q", name)
	}
}

func idKey(v bson.RawValue) string {
	var b strings.Builder
	b.WriteByte(byte(v.Type))
	b.Write(v.Value)
	return b.String()
}

func cloneRaw(r bson.Raw) bson.Raw {
	return bson.Raw(bytes.Clone(r))
}

// mergeUpdate applies an oplog update payload to the stored document. Modifier
// payloads ($set/$unset) merge into the existing document; anything else is a
// full replacement keyed by the original _id.
func mergeUpdate(existing bson.Raw, update bson.Raw, id bson.RawValue) bson.Raw {
	elems, err := update.Elements()
	if err != nil || len(elems) == 0 {
		return cloneRaw(update)
	}
	if !strings.HasPrefix(elems[0].Key(), "$") {
		return cloneRaw(update)
	}

	fields := map[string]bson.RawValue{}
	var keys []string
	record := func(k string, v bson.RawValue) {
		if _, ok := fields[k]; !ok {
			keys = append(keys, k)
		}
		fields[k] = v
	}

	if existingElems, err := existing.Elements(); err == nil {
		for _, el := range existingElems {
			record(el.Key(), el.Value())
		}
	}
	record("_id", id)

	for _, el := range elems {
		doc, ok := el.Value().DocumentOK()
		if !ok {
			continue
		}
		switch el.Key() {
		case "$set":
			if setElems, err := doc.Elements(); err == nil {
				for _, sel := range setElems {
					record(sel.Key(), sel.Value())
				}
			}
		case "$unset":
			if unsetElems, err := doc.Elements(); err == nil {
				for _, uel := range unsetElems {
					delete(fields, uel.Key())
				}
			}
		}
	}

	doc := bson.D{}
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		doc = append(doc, bson.E{Key: k, Value: v})
	}
	out, err := bson.Marshal(doc)
	if err != nil {
		return cloneRaw(update)
	}
	return out
}

func dbOfNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[:i]
	}
	return ns
}
