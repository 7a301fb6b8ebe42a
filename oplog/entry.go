package oplog

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// OpType is the kind of state change an entry describes.
type OpType string

const (
	OpTypeInsert  OpType = "i"
	OpTypeUpdate  OpType = "u"
	OpTypeDelete  OpType = "d"
	OpTypeNoop    OpType = "n"
	OpTypeCommand OpType = "c"
)

// CommandType classifies command entries the apply core has to recognize.
// Everything else is CommandGeneric and is handed to the command applier as-is.
type CommandType int

const (
	CommandNone CommandType = iota
	CommandGeneric
	CommandApplyOps
	CommandCommitTransaction
	CommandAbortTransaction
)

// Entry is a single parsed replication log record.
//
// The field tags follow the on-the-wire oplog document layout, so a raw oplog
// document unmarshals directly into an Entry.
type Entry struct {
	Timestamp  bson.Timestamp `bson:"ts"`
	Term       int64          `bson:"t,omitempty"`
	Version    int            `bson:"v,omitempty"`
	Operation  OpType         `bson:"op"`
	Namespace  string         `bson:"ns"`
	UI         *bson.Binary   `bson:"ui,omitempty"`
	Object     bson.Raw       `bson:"o"`
	Object2    bson.Raw       `bson:"o2,omitempty"`
	WallTime   time.Time      `bson:"wall,omitempty"`
	LSID       bson.Raw       `bson:"lsid,omitempty"`
	TxnNumber  *int64         `bson:"txnNumber,omitempty"`
	PrevOpTime *OpTime        `bson:"prevOpTime,omitempty"`
	PartialTxn bool           `bson:"partialTxn,omitempty"`
	Prepare    bool           `bson:"prepare,omitempty"`

	// forCappedCollection is set during batch partitioning for inserts into
	// capped collections. Such entries must never be bulk-grouped.
	forCappedCollection bool
}

func (e *Entry) OpTime() OpTime {
	return OpTime{TS: e.Timestamp, Term: e.Term}
}

func (e *Entry) IsCRUD() bool {
	switch e.Operation {
	case OpTypeInsert, OpTypeUpdate, OpTypeDelete:
		return true
	default:
		return false
	}
}

func (e *Entry) IsCommand() bool {
	return e.Operation == OpTypeCommand
}

// CommandType returns the classified command kind, or CommandNone for
// non-command entries.
func (e *Entry) CommandType() CommandType {
	if !e.IsCommand() {
		return CommandNone
	}
	switch e.CommandName() {
	case "applyOps":
		return CommandApplyOps
	case "commitTransaction":
		return CommandCommitTransaction
	case "abortTransaction":
		return CommandAbortTransaction
	default:
		return CommandGeneric
	}
}

// CommandName returns the first field name of the command payload, which by
// convention names the command. Empty for malformed or non-command payloads.
func (e *Entry) CommandName() string {
	if !e.IsCommand() {
		return ""
	}
	elems, err := e.Object.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}

func (e *Entry) IsPartialTransaction() bool {
	return e.PartialTxn
}

func (e *Entry) ShouldPrepare() bool {
	return e.Prepare
}

// IsPreparedCommit reports whether this entry commits a previously prepared
// transaction.
func (e *Entry) IsPreparedCommit() bool {
	return e.CommandType() == CommandCommitTransaction
}

// IsTerminalApplyOps reports whether this entry is an applyOps with no
// successor in its oplog chain.
func (e *Entry) IsTerminalApplyOps() bool {
	return e.CommandType() == CommandApplyOps && !e.PartialTxn && !e.Prepare
}

func (e *Entry) HasSession() bool {
	return len(e.LSID) > 0
}

// SessionKey returns a map key identifying the entry's logical session, or ""
// when the entry carries none.
func (e *Entry) SessionKey() string {
	if !e.HasSession() {
		return ""
	}
	return hex.EncodeToString(e.LSID)
}

// UUID returns the entry's collection UUID, if present.
func (e *Entry) UUID() (uuid.UUID, bool) {
	if e.UI == nil {
		return uuid.UUID{}, false
	}
	id, err := uuid.FromBytes(e.UI.Data)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// IDElement extracts the _id of the document the entry touches. Updates carry
// the target _id in o2; inserts and deletes carry it in o.
func (e *Entry) IDElement() (bson.RawValue, bool) {
	primary, secondary := e.Object, e.Object2
	if e.Operation == OpTypeUpdate {
		primary, secondary = e.Object2, e.Object
	}
	if len(primary) > 0 {
		if v, err := primary.LookupErr("_id"); err == nil {
			return v, true
		}
	}
	if len(secondary) > 0 {
		if v, err := secondary.LookupErr("_id"); err == nil {
			return v, true
		}
	}
	return bson.RawValue{}, false
}

// DatabaseName returns the database portion of the entry's namespace.
func (e *Entry) DatabaseName() string {
	if i := strings.IndexByte(e.Namespace, '.'); i >= 0 {
		return e.Namespace[:i]
	}
	return e.Namespace
}

// CollectionName returns the collection portion of the entry's namespace.
func (e *Entry) CollectionName() string {
	if i := strings.IndexByte(e.Namespace, '.'); i >= 0 {
		return e.Namespace[i+1:]
	}
	return ""
}

func (e *Entry) ForCappedCollection() bool {
	return e.forCappedCollection
}

func (e *Entry) SetForCappedCollection(v bool) {
	e.forCappedCollection = v
}

// Redacted renders the entry for logs without exposing document contents.
func (e *Entry) Redacted() string {
	return fmt.Sprintf("{op: %q, ns: %q, optime: %s}", string(e.Operation), e.Namespace, e.OpTime())
}

// IsSystemDotViews reports whether ns is a database's system.views collection.
// Mutations of view definitions take stronger locks than ordinary CRUD.
func IsSystemDotViews(ns string) bool {
	return strings.HasSuffix(ns, ".system.views")
}
