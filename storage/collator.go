package storage

import (
	"strings"

	"github.com/spaolacci/murmur3"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// CaseInsensitiveCollator folds string values before hashing, so "A" and "a"
// collide as the same _id. Non-string values hash as raw bytes.
type CaseInsensitiveCollator struct{}

var _ Collator = CaseInsensitiveCollator{}

func (CaseInsensitiveCollator) Name() string {
	return "case-insensitive"
}

func (CaseInsensitiveCollator) HashValue(v bson.RawValue) uint64 {
	if s, ok := v.StringValueOK(); ok {
		return murmur3.Sum64([]byte(strings.ToLower(s)))
	}
	h := murmur3.New64()
	_, _ = h.Write([]byte{byte(v.Type)})
	_, _ = h.Write(v.Value)
	return h.Sum64()
}
