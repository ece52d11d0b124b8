package collection

import (
	"bytes"
	"encoding/binary"
	"errors"

	"repldb/pkg/gtid"
)

var (
	ErrNotFound     = errors.New("repldb: key not found")
	ErrDuplicateKey = errors.New("repldb: duplicate key")
	ErrKeyRequired  = errors.New("repldb: key required")
	ErrNotSupported = errors.New("repldb: operation not supported")
	ErrSizeChange   = errors.New("repldb: cannot change document size in a capped collection")
)

// Key is an ordered primary key. All variants use fixed-width big-endian
// encodings so bytes.Compare agrees with the logical order: natural-order
// keys are 8-byte uint64, oplog keys are 16-byte GTIDs.
type Key []byte

func (k Key) Compare(o Key) int {
	return bytes.Compare(k, o)
}

func (k Key) Clone() Key {
	c := make(Key, len(k))
	copy(c, k)
	return c
}

func EncodeUint64Key(v uint64) Key {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func DecodeUint64Key(k Key) uint64 {
	return binary.BigEndian.Uint64(k)
}

func GTIDKey(id gtid.GTID) Key {
	buf := make([]byte, gtid.EncodedSize)
	id.Encode(buf)
	return buf
}

// Doc is an opaque document payload. Serialization belongs to the layers
// above the storage core.
type Doc []byte

// Stats is a snapshot of the in-memory running counts of a collection.
// Maintained optimistically at write time and reconciled on abort.
type Stats struct {
	Objects int64
	Size    int64
}

type Kind int8

const (
	KindIndexed Kind = iota
	KindNaturalOrder
	KindCapped
	KindOplog
)

type Options struct {
	Kind       Kind
	MaxObjects int64
	MaxSize    int64
}

// Collection is the capability surface common to all variants. The set of
// variants is closed: indexed, natural-order, capped, oplog. Optional
// capabilities are expressed as the Tailable and BulkLoading traits, not
// by downcasting to a concrete type.
//
// The Undo methods are the rollback hooks used by the transaction layer;
// they reverse a single physical write and are not part of the user
// surface.
type Collection interface {
	Name() string
	Insert(ctx WriteCtx, key Key, doc Doc) (Key, error)
	Update(ctx WriteCtx, key Key, doc Doc) error
	Delete(ctx WriteCtx, key Key) error
	Find(key Key) (Doc, bool)
	Scan(from, to Key, fn func(key Key, doc Doc) bool)
	Stats() Stats

	UndoInsert(key Key)
	UndoUpdate(key Key, old Doc)
	UndoDelete(key Key, doc Doc)
}

// Tailable is exposed by a collection if and only if it participates in
// watermark-gated tailing reads. A tailing cursor may read keys strictly
// less than MinUnsafeKey and is then guaranteed to never observe a gap.
type Tailable interface {
	MinUnsafeKey() Key
}

// BulkLoading is the capability trait of collections that support a bulk
// load facade. The facade itself lives outside the storage core.
type BulkLoading interface {
	BeginLoad() error
	EndLoad() error
}

// CappedNoter receives the commit/abort notifications a capped collection
// needs to maintain its uncommitted-key watermark and reconcile stats.
// first is the first key the resolving transaction inserted, nil if it
// inserted nothing.
type CappedNoter interface {
	Collection
	NoteCommit(first Key, nDelta, sizeDelta int64)
	NoteAbort(first Key, nDelta, sizeDelta int64)
}

// WriteCtx is the transaction-side bookkeeping collections report writes
// into. Implemented by the primary-path transaction and by the
// replication applier. The owner guarantees exactly one commit or abort
// notification for everything reported here, on every exit path.
type WriteCtx interface {
	OnInsert(c Collection, key Key, doc Doc)
	OnUpdate(c Collection, key Key, oldDoc, newDoc Doc)
	OnDelete(c Collection, key Key, doc Doc)
	// OnCappedInsert reports an insert into a capped collection and
	// returns true if it is this transaction's first insert into c. Only
	// the first key is tracked in the uncommitted set: later keys by the
	// same transaction are covered transitively, being larger.
	OnCappedInsert(c CappedNoter, key Key, size int64) bool
}
