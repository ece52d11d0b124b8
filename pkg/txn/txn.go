package txn

import (
	"fmt"
	"sync"

	"repldb/pkg/collection"
	"repldb/pkg/gtid"

	"github.com/RoaringBitmap/roaring/roaring64"
)

type TxnState = int32

const (
	StateActive TxnState = iota
	StateCommitting
	StateRollbacking
	StateCommitted
	StateRollbacked
)

type undoKind int8

const (
	undoInsert undoKind = iota
	undoUpdate
	undoDelete
)

type undoEntry struct {
	kind undoKind
	coll collection.Collection
	key  collection.Key
	doc  collection.Doc
}

type cappedState struct {
	coll      collection.CappedNoter
	first     collection.Key
	nDelta    int64
	sizeDelta int64
}

// Txn is one primary-path write transaction. It implements
// collection.WriteCtx: collections report their writes here and the
// workspace accumulates the oplog record, the undo list and the
// per-capped-collection watermark bookkeeping. The GTID is issued at the
// first write, before anything becomes durable, and exactly one tracker
// completion is delivered when the transaction resolves, commit and
// rollback alike.
type Txn struct {
	sync.RWMutex
	sync.WaitGroup
	Mgr      *TxnManager
	ID       uint64
	Info     []byte
	Err      error
	State    TxnState
	DoneCond sync.Cond

	gid    gtid.GTID
	gidSet bool

	ops          []OpCmd
	undo         []undoEntry
	capped       map[collection.CappedNoter]*cappedState
	localDeletes map[string]*roaring64.Bitmap
}

func newTxn(mgr *TxnManager, id uint64, info []byte) *Txn {
	txn := &Txn{
		Mgr:    mgr,
		ID:     id,
		Info:   info,
		capped: make(map[collection.CappedNoter]*cappedState),
	}
	txn.DoneCond = *sync.NewCond(txn)
	return txn
}

func (txn *Txn) GetID() uint64    { return txn.ID }
func (txn *Txn) GetError() error  { return txn.Err }
func (txn *Txn) SetError(err error) {
	if txn.Err == nil {
		txn.Err = err
	}
}

func (txn *Txn) String() string {
	if txn.gidSet {
		return fmt.Sprintf("[Txn-%d]%s", txn.ID, txn.gid)
	}
	return fmt.Sprintf("[Txn-%d]", txn.ID)
}

// GTID returns the id issued to this transaction, if it has written yet.
func (txn *Txn) GTID() (gtid.GTID, bool) {
	txn.RLock()
	defer txn.RUnlock()
	return txn.gid, txn.gidSet
}

func (txn *Txn) ensureGTID() {
	if !txn.gidSet {
		txn.gid = txn.Mgr.Tracker.Issue()
		txn.gidSet = true
	}
}

func (txn *Txn) OnInsert(c collection.Collection, key collection.Key, doc collection.Doc) {
	txn.ensureGTID()
	_, isCapped := c.(*collection.CappedCollection)
	txn.ops = append(txn.ops, &InsertCmd{
		Capped: isCapped,
		NS:     c.Name(),
		Key:    key.Clone(),
		Doc:    doc,
	})
	txn.undo = append(txn.undo, undoEntry{kind: undoInsert, coll: c, key: key.Clone()})
}

func (txn *Txn) OnUpdate(c collection.Collection, key collection.Key, oldDoc, newDoc collection.Doc) {
	txn.ensureGTID()
	txn.ops = append(txn.ops, &UpdateCmd{
		NS:     c.Name(),
		Key:    key.Clone(),
		OldDoc: oldDoc,
		NewDoc: newDoc,
	})
	txn.undo = append(txn.undo, undoEntry{kind: undoUpdate, coll: c, key: key.Clone(), doc: oldDoc})
}

func (txn *Txn) OnDelete(c collection.Collection, key collection.Key, doc collection.Doc) {
	txn.ensureGTID()
	txn.ops = append(txn.ops, &DeleteCmd{
		NS:  c.Name(),
		Key: key.Clone(),
		Doc: doc,
	})
	txn.undo = append(txn.undo, undoEntry{kind: undoDelete, coll: c, key: key.Clone(), doc: doc})
	if len(key) == 8 {
		if txn.localDeletes == nil {
			txn.localDeletes = make(map[string]*roaring64.Bitmap)
		}
		bm := txn.localDeletes[c.Name()]
		if bm == nil {
			bm = roaring64.New()
			txn.localDeletes[c.Name()] = bm
		}
		bm.Add(collection.DecodeUint64Key(key))
	}
}

func (txn *Txn) OnCappedInsert(c collection.CappedNoter, key collection.Key, size int64) bool {
	txn.ensureGTID()
	st := txn.capped[c]
	first := st == nil
	if first {
		st = &cappedState{coll: c, first: key.Clone()}
		txn.capped[c] = st
	}
	st.nDelta++
	st.sizeDelta += size
	return first
}

// IsLocalDeleted reports whether this transaction deleted key from c.
func (txn *Txn) IsLocalDeleted(c collection.Collection, key collection.Key) bool {
	if len(key) != 8 || txn.localDeletes == nil {
		return false
	}
	bm := txn.localDeletes[c.Name()]
	return bm != nil && bm.Contains(collection.DecodeUint64Key(key))
}

func (txn *Txn) Commit() error {
	txn.Add(1)
	txn.Mgr.OnOpTxn(&OpTxn{
		Txn: txn,
		Op:  OpCommit,
	})
	txn.Wait()
	return txn.Err
}

func (txn *Txn) Rollback() error {
	txn.Add(1)
	txn.Mgr.OnOpTxn(&OpTxn{
		Txn: txn,
		Op:  OpRollback,
	})
	txn.Wait()
	return txn.Err
}

func (txn *Txn) ToCommittingLocked() error {
	if txn.State != StateActive {
		return ErrTxnNotActive
	}
	txn.State = StateCommitting
	return nil
}

func (txn *Txn) ToRollbackingLocked() error {
	if txn.State != StateActive {
		return ErrTxnNotActive
	}
	txn.State = StateRollbacking
	return nil
}

// toRollbackingFromCommittingLocked flips a commit that failed during
// prepare. Only the commit pipeline itself may leave the Committing state
// this way.
func (txn *Txn) toRollbackingFromCommittingLocked() {
	txn.State = StateRollbacking
}

func (txn *Txn) IsTerminated(waitIfCommitting bool) bool {
	state := txn.GetTxnState(waitIfCommitting)
	return state == StateCommitted || state == StateRollbacked
}

func (txn *Txn) GetTxnState(waitIfCommitting bool) TxnState {
	txn.RLock()
	state := txn.State
	txn.RUnlock()
	if !waitIfCommitting {
		return state
	}
	if state != StateCommitting && state != StateRollbacking {
		return state
	}
	txn.DoneCond.L.Lock()
	state = txn.State
	if state != StateCommitting && state != StateRollbacking {
		txn.DoneCond.L.Unlock()
		return state
	}
	txn.DoneCond.Wait()
	state = txn.State
	txn.DoneCond.L.Unlock()
	return state
}

func (txn *Txn) doneWithState(state TxnState) {
	txn.DoneCond.L.Lock()
	txn.State = state
	txn.WaitGroup.Done()
	txn.DoneCond.Broadcast()
	txn.DoneCond.L.Unlock()
}

func (txn *Txn) buildRecord() *RecordCmd {
	return NewRecordCmd(txn.gid, txn.ops)
}

// rollbackWorkspace physically reverses this transaction's writes, newest
// first.
func (txn *Txn) rollbackWorkspace() {
	for i := len(txn.undo) - 1; i >= 0; i-- {
		u := txn.undo[i]
		switch u.kind {
		case undoInsert:
			u.coll.UndoInsert(u.key)
		case undoUpdate:
			u.coll.UndoUpdate(u.key, u.doc)
		case undoDelete:
			u.coll.UndoDelete(u.key, u.doc)
		}
	}
}

// notifyResolved delivers the completion notifications: watermark release
// and stat reconciliation per touched capped collection, then the tracker
// completion for the issued id.
func (txn *Txn) notifyResolved(committed bool) {
	for _, st := range txn.capped {
		if committed {
			st.coll.NoteCommit(st.first, st.nDelta, st.sizeDelta)
		} else {
			st.coll.NoteAbort(st.first, st.nDelta, st.sizeDelta)
		}
	}
	if txn.gidSet {
		txn.Mgr.Tracker.Done(txn.gid)
	}
}
