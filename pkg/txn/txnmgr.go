package txn

import (
	"fmt"
	"sync"

	"repldb/pkg/collection"
	"repldb/pkg/gtid"

	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/common"
	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/logstore/sm"
	"github.com/sirupsen/logrus"
)

type OpType int8

const (
	OpCommit OpType = iota
	OpRollback
)

type OpTxn struct {
	Txn *Txn
	Op  OpType
}

func (op *OpTxn) Repr() string {
	if op.Op == OpCommit {
		return fmt.Sprintf("[Commit]%s", op.Txn.String())
	}
	return fmt.Sprintf("[Rollback]%s", op.Txn.String())
}

// TxnManager runs the primary write path: it owns the active transaction
// table and a two-stage commit pipeline. The preparing stage makes the
// record durable (oplog append plus log driver); the commit stage delivers
// the completion notifications and releases waiters.
type TxnManager struct {
	sync.RWMutex
	sm.ClosedState
	sm.StateMachine
	Active  map[uint64]*Txn
	IdAlloc *common.IdAlloctor
	Tracker *gtid.Manager
	Oplog   *collection.OplogCollection
	Driver  LogDriver
}

func NewTxnManager(tracker *gtid.Manager, oplog *collection.OplogCollection, driver LogDriver) *TxnManager {
	mgr := &TxnManager{
		Active:  make(map[uint64]*Txn),
		IdAlloc: common.NewIdAlloctor(1),
		Tracker: tracker,
		Oplog:   oplog,
		Driver:  driver,
	}
	pqueue := sm.NewSafeQueue(10000, 200, mgr.onPreparing)
	cqueue := sm.NewSafeQueue(10000, 200, mgr.onCommit)
	mgr.StateMachine = sm.NewStateMachine(new(sync.WaitGroup), mgr, pqueue, cqueue)
	return mgr
}

func (mgr *TxnManager) StartTxn(info []byte) *Txn {
	mgr.Lock()
	defer mgr.Unlock()
	txnId := mgr.IdAlloc.Alloc()
	txn := newTxn(mgr, txnId, info)
	mgr.Active[txnId] = txn
	return txn
}

func (mgr *TxnManager) GetTxn(id uint64) *Txn {
	mgr.RLock()
	defer mgr.RUnlock()
	return mgr.Active[id]
}

func (mgr *TxnManager) ActiveCount() int {
	mgr.RLock()
	defer mgr.RUnlock()
	return len(mgr.Active)
}

func (mgr *TxnManager) OnOpTxn(op *OpTxn) {
	mgr.EnqueueRecevied(op)
}

func (mgr *TxnManager) onPrepareCommit(txn *Txn) {
	if !txn.gidSet {
		// read-only: nothing to replicate
		return
	}
	rec := txn.buildRecord()
	buf, err := rec.Marshal()
	if err != nil {
		txn.SetError(err)
		return
	}
	if mgr.Driver != nil {
		e := makeRecordEntry(buf)
		lsn, err := mgr.Driver.AppendRecord(e)
		if err != nil {
			txn.SetError(err)
			return
		}
		e.WaitDone()
		e.Free()
		logrus.Debugf("%s record LSN=%d", txn.String(), lsn)
	}
	if err = mgr.Oplog.Append(txn.gid, buf); err != nil {
		txn.SetError(err)
	}
}

func (mgr *TxnManager) onPrepareRollback(txn *Txn) {
	txn.rollbackWorkspace()
}

func (mgr *TxnManager) onPreparing(items ...interface{}) {
	for _, item := range items {
		op := item.(*OpTxn)
		op.Txn.Lock()
		var err error
		if op.Op == OpCommit {
			err = op.Txn.ToCommittingLocked()
		} else {
			err = op.Txn.ToRollbackingLocked()
		}
		op.Txn.Unlock()
		if err != nil {
			// the txn is already terminated: reject the op without
			// touching its workspace or delivering a second resolution
			op.Txn.SetError(err)
			op.Txn.WaitGroup.Done()
			continue
		}
		if op.Op == OpCommit {
			mgr.onPrepareCommit(op.Txn)
			if op.Txn.Err != nil {
				op.Op = OpRollback
				op.Txn.Lock()
				op.Txn.toRollbackingFromCommittingLocked()
				op.Txn.Unlock()
				mgr.onPrepareRollback(op.Txn)
			}
		} else {
			mgr.onPrepareRollback(op.Txn)
		}
		mgr.EnqueueCheckpoint(op)
	}
}

func (mgr *TxnManager) onCommit(items ...interface{}) {
	for _, item := range items {
		op := item.(*OpTxn)
		txn := op.Txn
		txn.notifyResolved(op.Op == OpCommit)
		mgr.Lock()
		delete(mgr.Active, txn.ID)
		mgr.Unlock()
		if op.Op == OpCommit {
			txn.doneWithState(StateCommitted)
		} else {
			txn.doneWithState(StateRollbacked)
		}
		logrus.Debugf("%s Done", op.Repr())
	}
}
