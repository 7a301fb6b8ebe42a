package oplog

import (
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrMalformedApplyOps marks applyOps payloads the extractor cannot decompose.
var ErrMalformedApplyOps = errors.New("malformed applyOps payload")

// ExtractOperations decomposes an applyOps entry into its constituent
// operations. The returned entries are owned values; each inherits the
// container's optime so downstream floors and ordering see the position the
// group committed at.
func ExtractOperations(e *Entry) ([]Entry, error) {
	if e.CommandType() != CommandApplyOps {
		return nil, errors.Wrapf(ErrMalformedApplyOps, "entry %s is not an applyOps", e.Redacted())
	}

	var payload struct {
		ApplyOps []Entry `bson:"applyOps"`
	}
	if err := bson.Unmarshal(e.Object, &payload); err != nil {
		return nil, errors.Wrapf(ErrMalformedApplyOps, "decoding %s: %v", e.Redacted(), err)
	}

	ops := payload.ApplyOps
	for i := range ops {
		ops[i].Timestamp = e.Timestamp
		ops[i].Term = e.Term
		if ops[i].Version == 0 {
			ops[i].Version = e.Version
		}
		ops[i].WallTime = e.WallTime
	}
	return ops, nil
}
