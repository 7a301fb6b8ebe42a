package oplog

// EntryBatch is a non-owning view over one or more entries handed to the
// storage engine as a unit. The normal case is a single entry; grouped bulk
// inserts carry several entries targeting the same collection.
type EntryBatch struct {
	entries []*Entry
}

func NewSingleEntryBatch(e *Entry) EntryBatch {
	return EntryBatch{entries: []*Entry{e}}
}

// NewGroupedInsertBatch wraps a run of insert entries into one batch. All
// entries must be inserts into the same collection.
func NewGroupedInsertBatch(entries []*Entry) EntryBatch {
	return EntryBatch{entries: entries}
}

// Op returns the representative entry: the only entry for a single-op batch,
// the first insert for a grouped one.
func (b *EntryBatch) Op() *Entry {
	return b.entries[0]
}

func (b *EntryBatch) Entries() []*Entry {
	return b.entries
}

func (b *EntryBatch) Len() int {
	return len(b.entries)
}
