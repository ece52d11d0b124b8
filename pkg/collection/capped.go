package collection

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

type keyItem struct {
	key Key
}

func (i *keyItem) Less(o btree.Item) bool {
	return i.key.Compare(o.(*keyItem).key) < 0
}

// CappedCollection has natural-order insert semantics bounded by a
// configured object count and byte size. Tailing cursors over it may only
// read keys strictly below MinUnsafeKey so that they never observe past
// the oldest open insert.
//
// nextPK and the uncommitted-first-key set are protected together by mu.
// Trimming runs under trimMu so a sweep never serializes inserts'
// watermark bookkeeping, and vice versa.
type CappedCollection struct {
	baseCollection
	maxObjects int64
	maxSize    int64

	mu          sync.Mutex
	nextPK      uint64
	uncommitted *btree.BTree

	trimMu      sync.Mutex
	lastDeleted Key
}

func NewCappedCollection(name string, maxObjects, maxSize int64) *CappedCollection {
	return &CappedCollection{
		baseCollection: newBaseCollection(name),
		maxObjects:     maxObjects,
		maxSize:        maxSize,
		nextPK:         1,
		uncommitted:    btree.New(4),
	}
}

// MinUnsafeKey returns the exclusive upper bound for tailing reads: the
// smallest key inserted by a still-open transaction, or the next key to
// be assigned if none is open.
func (c *CappedCollection) MinUnsafeKey() Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uncommitted.Len() > 0 {
		return c.uncommitted.Min().(*keyItem).key
	}
	return EncodeUint64Key(c.nextPK)
}

// Insert assigns the next key when key is nil; the replication apply path
// passes the key recorded by the primary. Key assignment and the
// first-insert watermark entry happen in one critical section.
func (c *CappedCollection) Insert(ctx WriteCtx, key Key, doc Doc) (Key, error) {
	c.mu.Lock()
	if key == nil {
		key = EncodeUint64Key(c.nextPK)
		c.nextPK++
	} else if pk := DecodeUint64Key(key); pk >= c.nextPK {
		c.nextPK = pk + 1
	}
	if ctx.OnCappedInsert(c, key, int64(len(doc))) {
		c.uncommitted.ReplaceOrInsert(&keyItem{key: key})
	}
	c.mu.Unlock()

	c.put(key, doc)
	c.addStats(1, int64(len(doc)))
	ctx.OnInsert(c, key, doc)
	c.checkGorged()
	return key, nil
}

func (c *CappedCollection) Update(ctx WriteCtx, key Key, doc Doc) error {
	old, found := c.Find(key)
	if !found {
		return ErrNotFound
	}
	if len(old) != len(doc) {
		return ErrSizeChange
	}
	c.put(key, doc)
	ctx.OnUpdate(c, key, old, doc)
	return nil
}

// Delete is not part of the capped user surface; rows leave only by trim.
func (c *CappedCollection) Delete(ctx WriteCtx, key Key) error {
	return ErrNotSupported
}

func (c *CappedCollection) UndoInsert(key Key) {
	// stats are reconciled wholesale by NoteAbort
	c.removeRaw(key)
}

func (c *CappedCollection) UndoUpdate(key Key, old Doc) {
	c.put(key, old)
}

func (c *CappedCollection) UndoDelete(key Key, doc Doc) {
	c.put(key, doc)
}

// NoteCommit notes the commit of a transaction that inserted into this
// collection. The stat deltas were already applied at write time and the
// transaction kept them, so only the watermark entry is released.
func (c *CappedCollection) NoteCommit(first Key, nDelta, sizeDelta int64) {
	c.noteComplete(first)
}

// NoteAbort notes the abort of a transaction, releasing its watermark
// entry and rolling back the stat deltas it applied optimistically.
func (c *CappedCollection) NoteAbort(first Key, nDelta, sizeDelta int64) {
	c.noteComplete(first)
	c.addStats(-nDelta, -sizeDelta)
}

func (c *CappedCollection) noteComplete(first Key) {
	if first == nil {
		return
	}
	c.mu.Lock()
	deleted := c.uncommitted.Delete(&keyItem{key: first})
	c.mu.Unlock()
	if deleted == nil {
		panic(fmt.Sprintf("capped %s: completion of untracked key %x", c.name, first))
	}
}

func (c *CappedCollection) isGorged(n, size int64) bool {
	if c.maxObjects > 0 && n > c.maxObjects {
		return true
	}
	if c.maxSize > 0 && size > c.maxSize {
		return true
	}
	return false
}

func (c *CappedCollection) checkGorged() {
	st := c.Stats()
	if c.isGorged(st.Objects, st.Size) {
		c.trim()
	}
}

// trim deletes oldest rows until the collection is back under its limits.
// It never removes a key at or above MinUnsafeKey: such a row would still
// belong to an in-flight insert.
func (c *CappedCollection) trim() {
	c.trimMu.Lock()
	defer c.trimMu.Unlock()
	for {
		st := c.Stats()
		if !c.isGorged(st.Objects, st.Size) {
			return
		}
		key, doc, ok := c.minRow()
		if !ok {
			return
		}
		if key.Compare(c.MinUnsafeKey()) >= 0 {
			logrus.Debugf("capped %s: trim blocked at uncommitted key %x", c.name, key)
			return
		}
		c.removeRaw(key)
		c.addStats(-1, -int64(len(doc)))
		c.lastDeleted = key
	}
}
