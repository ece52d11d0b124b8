package collection

import (
	"sync"

	"repldb/pkg/gtid"
)

// OplogCollection is the append-only log of replicated writes, keyed by
// encoded GTID. Rows are appended by the commit pipeline on a primary and
// by the applier on a secondary, never through the user write surface.
// Its tailing watermark comes from the replica's GTID manager: a tailing
// cursor may read entries strictly below the min unapplied id.
type OplogCollection struct {
	baseCollection
	mgr    *gtid.Manager
	trimMu sync.Mutex
}

func NewOplogCollection(name string, mgr *gtid.Manager) *OplogCollection {
	return &OplogCollection{
		baseCollection: newBaseCollection(name),
		mgr:            mgr,
	}
}

func (c *OplogCollection) Append(id gtid.GTID, rec Doc) error {
	key := GTIDKey(id)
	if _, found := c.Find(key); found {
		return ErrDuplicateKey
	}
	c.put(key, rec)
	c.addStats(1, int64(len(rec)))
	return nil
}

func (c *OplogCollection) MinUnsafeKey() Key {
	_, minUnapplied := c.mgr.Mins()
	return GTIDKey(minUnapplied)
}

// Trim removes applied entries with id < upTo, never crossing the tailing
// watermark. Returns the number of entries removed.
func (c *OplogCollection) Trim(upTo gtid.GTID) int {
	c.trimMu.Lock()
	defer c.trimMu.Unlock()
	bound := GTIDKey(upTo)
	if unsafe := c.MinUnsafeKey(); bound.Compare(unsafe) > 0 {
		bound = unsafe
	}
	var victims []Key
	c.Scan(nil, bound, func(key Key, doc Doc) bool {
		victims = append(victims, key)
		return true
	})
	for _, key := range victims {
		if doc, ok := c.removeRaw(key); ok {
			c.addStats(-1, -int64(len(doc)))
		}
	}
	return len(victims)
}

func (c *OplogCollection) Insert(ctx WriteCtx, key Key, doc Doc) (Key, error) {
	return nil, ErrNotSupported
}

func (c *OplogCollection) Update(ctx WriteCtx, key Key, doc Doc) error {
	return ErrNotSupported
}

func (c *OplogCollection) Delete(ctx WriteCtx, key Key) error {
	return ErrNotSupported
}

func (c *OplogCollection) UndoInsert(key Key)           { panic("oplog: undo not supported") }
func (c *OplogCollection) UndoUpdate(key Key, old Doc)  { panic("oplog: undo not supported") }
func (c *OplogCollection) UndoDelete(key Key, doc Doc)  { panic("oplog: undo not supported") }
