package apply

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/tailbase/tailbase/oplog"
	"github.com/tailbase/tailbase/storage"
)

// resolveNamespace maps an entry to its current namespace. Entries carrying a
// collection UUID resolve through the catalog so renames cannot misroute them.
func resolveNamespace(cat storage.Catalog, e *oplog.Entry) (string, error) {
	id, ok := e.UUID()
	if !ok {
		return e.Namespace, nil
	}
	ns, ok := cat.LookupNamespaceByUUID(id)
	if !ok {
		return "", errors.Wrapf(storage.ErrNamespaceNotFound, "no namespace with UUID %s", id)
	}
	return ns, nil
}

// lockTarget identifies the collection a lock should be taken against: by
// db+UUID when the entry carries one, by namespace otherwise.
type lockTarget struct {
	Namespace string
	DB        string
	UUID      uuid.UUID
	ByUUID    bool
}

func targetFor(ns string, e *oplog.Entry) lockTarget {
	if id, ok := e.UUID(); ok {
		return lockTarget{DB: dbOf(ns), UUID: id, ByUUID: true}
	}
	return lockTarget{Namespace: ns, DB: dbOf(ns)}
}

func dbOf(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[:i]
	}
	return ns
}
