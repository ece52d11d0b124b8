package collection

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/common"
)

type dataItem struct {
	key Key
	doc Doc
}

func (i *dataItem) Less(o btree.Item) bool {
	return i.key.Compare(o.(*dataItem).key) < 0
}

type baseCollection struct {
	name string

	dataMu sync.RWMutex
	data   *btree.BTree

	objects int64
	size    int64
}

func newBaseCollection(name string) baseCollection {
	return baseCollection{
		name: name,
		data: btree.New(32),
	}
}

func (c *baseCollection) Name() string { return c.name }

func (c *baseCollection) Stats() Stats {
	return Stats{
		Objects: atomic.LoadInt64(&c.objects),
		Size:    atomic.LoadInt64(&c.size),
	}
}

func (c *baseCollection) addStats(n, size int64) {
	atomic.AddInt64(&c.objects, n)
	atomic.AddInt64(&c.size, size)
}

func (c *baseCollection) put(key Key, doc Doc) (replaced bool) {
	c.dataMu.Lock()
	replaced = c.data.ReplaceOrInsert(&dataItem{key: key, doc: doc}) != nil
	c.dataMu.Unlock()
	return
}

func (c *baseCollection) Find(key Key) (Doc, bool) {
	c.dataMu.RLock()
	item := c.data.Get(&dataItem{key: key})
	c.dataMu.RUnlock()
	if item == nil {
		return nil, false
	}
	return item.(*dataItem).doc, true
}

// removeRaw takes a row out of the data tree without touching stats.
func (c *baseCollection) removeRaw(key Key) (Doc, bool) {
	c.dataMu.Lock()
	item := c.data.Delete(&dataItem{key: key})
	c.dataMu.Unlock()
	if item == nil {
		return nil, false
	}
	return item.(*dataItem).doc, true
}

func (c *baseCollection) minRow() (Key, Doc, bool) {
	c.dataMu.RLock()
	item := c.data.Min()
	c.dataMu.RUnlock()
	if item == nil {
		return nil, nil, false
	}
	di := item.(*dataItem)
	return di.key, di.doc, true
}

// Scan visits rows with from <= key < to in key order. A nil from starts
// at the smallest key; a nil to means no upper bound.
func (c *baseCollection) Scan(from, to Key, fn func(key Key, doc Doc) bool) {
	iter := func(item btree.Item) bool {
		di := item.(*dataItem)
		if to != nil && di.key.Compare(to) >= 0 {
			return false
		}
		return fn(di.key, di.doc)
	}
	c.dataMu.RLock()
	if from == nil {
		c.data.Ascend(iter)
	} else {
		c.data.AscendGreaterOrEqual(&dataItem{key: from}, iter)
	}
	c.dataMu.RUnlock()
}

// IndexedCollection stores documents under caller-supplied keys.
type IndexedCollection struct {
	baseCollection
}

func NewIndexedCollection(name string) *IndexedCollection {
	return &IndexedCollection{baseCollection: newBaseCollection(name)}
}

func (c *IndexedCollection) Insert(ctx WriteCtx, key Key, doc Doc) (Key, error) {
	if key == nil {
		return nil, ErrKeyRequired
	}
	if _, found := c.Find(key); found {
		return nil, ErrDuplicateKey
	}
	c.put(key, doc)
	c.addStats(1, int64(len(doc)))
	ctx.OnInsert(c, key, doc)
	return key, nil
}

func (c *IndexedCollection) Update(ctx WriteCtx, key Key, doc Doc) error {
	old, found := c.Find(key)
	if !found {
		return ErrNotFound
	}
	c.put(key, doc)
	c.addStats(0, int64(len(doc))-int64(len(old)))
	ctx.OnUpdate(c, key, old, doc)
	return nil
}

func (c *IndexedCollection) Delete(ctx WriteCtx, key Key) error {
	doc, found := c.removeRaw(key)
	if !found {
		return ErrNotFound
	}
	c.addStats(-1, -int64(len(doc)))
	ctx.OnDelete(c, key, doc)
	return nil
}

func (c *IndexedCollection) UndoInsert(key Key) {
	if doc, found := c.removeRaw(key); found {
		c.addStats(-1, -int64(len(doc)))
	}
}

func (c *IndexedCollection) UndoUpdate(key Key, old Doc) {
	cur, _ := c.Find(key)
	c.put(key, old)
	c.addStats(0, int64(len(old))-int64(len(cur)))
}

func (c *IndexedCollection) UndoDelete(key Key, doc Doc) {
	c.put(key, doc)
	c.addStats(1, int64(len(doc)))
}

// NaturalOrderCollection assigns fresh auto-increment keys on insert.
// The apply path inserts with the keys the primary assigned; the allocator
// is kept ahead of them so locally assigned keys never collide after a
// role transition.
type NaturalOrderCollection struct {
	baseCollection
	pkMu    sync.Mutex
	pkHigh  uint64
	pkAlloc *common.IdAlloctor
}

func NewNaturalOrderCollection(name string) *NaturalOrderCollection {
	return &NaturalOrderCollection{
		baseCollection: newBaseCollection(name),
		pkAlloc:        common.NewIdAlloctor(1),
	}
}

func (c *NaturalOrderCollection) Insert(ctx WriteCtx, key Key, doc Doc) (Key, error) {
	if key == nil {
		key = EncodeUint64Key(c.pkAlloc.Alloc())
	} else {
		if _, found := c.Find(key); found {
			return nil, ErrDuplicateKey
		}
		if len(key) == 8 {
			pk := DecodeUint64Key(key)
			c.pkMu.Lock()
			if pk > c.pkHigh {
				c.pkHigh = pk
				c.pkAlloc.SetStart(pk)
			}
			c.pkMu.Unlock()
		}
	}
	c.put(key, doc)
	c.addStats(1, int64(len(doc)))
	ctx.OnInsert(c, key, doc)
	return key, nil
}

func (c *NaturalOrderCollection) Update(ctx WriteCtx, key Key, doc Doc) error {
	old, found := c.Find(key)
	if !found {
		return ErrNotFound
	}
	c.put(key, doc)
	c.addStats(0, int64(len(doc))-int64(len(old)))
	ctx.OnUpdate(c, key, old, doc)
	return nil
}

func (c *NaturalOrderCollection) Delete(ctx WriteCtx, key Key) error {
	doc, found := c.removeRaw(key)
	if !found {
		return ErrNotFound
	}
	c.addStats(-1, -int64(len(doc)))
	ctx.OnDelete(c, key, doc)
	return nil
}

func (c *NaturalOrderCollection) UndoInsert(key Key) {
	if doc, found := c.removeRaw(key); found {
		c.addStats(-1, -int64(len(doc)))
	}
}

func (c *NaturalOrderCollection) UndoUpdate(key Key, old Doc) {
	cur, _ := c.Find(key)
	c.put(key, old)
	c.addStats(0, int64(len(old))-int64(len(cur)))
}

func (c *NaturalOrderCollection) UndoDelete(key Key, doc Doc) {
	c.put(key, doc)
	c.addStats(1, int64(len(doc)))
}
