package oplog

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// OpTime is the position of an entry in the replication log. Ordering is by
// timestamp first, then by election term.
type OpTime struct {
	TS   bson.Timestamp `bson:"ts"`
	Term int64          `bson:"t"`
}

func (t OpTime) IsZero() bool {
	return t.TS.T == 0 && t.TS.I == 0 && t.Term == 0
}

// Compare returns -1, 0 or 1 as t sorts before, equal to or after o.
func (t OpTime) Compare(o OpTime) int {
	switch {
	case t.TS.T != o.TS.T:
		if t.TS.T < o.TS.T {
			return -1
		}
		return 1
	case t.TS.I != o.TS.I:
		if t.TS.I < o.TS.I {
			return -1
		}
		return 1
	case t.Term != o.Term:
		if t.Term < o.Term {
			return -1
		}
		return 1
	}
	return 0
}

func (t OpTime) Before(o OpTime) bool {
	return t.Compare(o) < 0
}

func (t OpTime) After(o OpTime) bool {
	return t.Compare(o) > 0
}

func (t OpTime) Equal(o OpTime) bool {
	return t.Compare(o) == 0
}

func (t OpTime) String() string {
	return fmt.Sprintf("{ts: %d.%d, t: %d}", t.TS.T, t.TS.I, t.Term)
}
