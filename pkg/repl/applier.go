package repl

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"repldb/pkg/collection"
	"repldb/pkg/gtid"
	"repldb/pkg/txn"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	queue "github.com/yireyun/go-queue"
)

var (
	ErrDuplicateEntry = errors.New("repldb: duplicate log entry")
	ErrApplierClosed  = errors.New("repldb: applier closed")
)

// Registry resolves the local collection an oplog command targets.
type Registry interface {
	GetCollection(name string) (collection.Collection, error)
}

type ApplierCfg struct {
	Workers   int
	QueueSize uint32
}

// LogEntryMsg is one received oplog entry: the id the primary issued and
// the marshaled record behind it.
type LogEntryMsg struct {
	ID      gtid.GTID
	Payload []byte
}

// Applier runs the secondary apply pipeline. Receipt, application start
// and application completion are three separate stages: OnEntry admits the
// id and buffers the entry, a single dispatcher begins applies in receipt
// order, and pool workers finish them in any order. The tracker's
// unapplied watermark therefore reflects only what has finished applying.
//
// Entries that fail to apply are contract violations: the primary already
// committed them, so a secondary that cannot replay them cannot continue.
type Applier struct {
	tracker  *gtid.Manager
	registry Registry
	oplog    *collection.OplogCollection

	mu       sync.Mutex
	admitted map[uint64]*roaring64.Bitmap
	pending  *queue.EsQueue

	pool       *ants.Pool
	applyWg    sync.WaitGroup
	dispatchWg sync.WaitGroup
	closed     int32
}

func NewApplier(tracker *gtid.Manager, registry Registry, oplog *collection.OplogCollection, cfg ApplierCfg) *Applier {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 4096
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		panic(err)
	}
	return &Applier{
		tracker:  tracker,
		registry: registry,
		oplog:    oplog,
		admitted: make(map[uint64]*roaring64.Bitmap),
		pending:  queue.NewQueue(cfg.QueueSize),
		pool:     pool,
	}
}

func (a *Applier) Start() {
	a.dispatchWg.Add(1)
	go a.dispatchLoop()
}

// Stop drains the pipeline: no new entries are accepted, buffered entries
// are still applied, and Stop returns once the last apply has finished.
func (a *Applier) Stop() {
	if !atomic.CompareAndSwapInt32(&a.closed, 0, 1) {
		return
	}
	// barrier: an OnEntry past the in-lock closed check has enqueued
	a.mu.Lock()
	a.mu.Unlock()
	atomic.StoreInt32(&a.closed, 2)
	a.dispatchWg.Wait()
	a.applyWg.Wait()
	a.pool.Release()
}

// OnEntry records the receipt of one oplog entry. Duplicate deliveries
// (re-sent batches after a reconnect) are suppressed before they reach the
// tracker, including entries behind the frontier that a fresh applier
// instance has no bitmap for. Admission order is queue order.
func (a *Applier) OnEntry(id gtid.GTID, payload []byte) error {
	if atomic.LoadInt32(&a.closed) != 0 {
		return ErrApplierClosed
	}
	a.mu.Lock()
	// closed may have flipped between the check above and the lock; the
	// tracker must not see entries the dispatcher will never drain
	if atomic.LoadInt32(&a.closed) != 0 {
		a.mu.Unlock()
		return ErrApplierClosed
	}
	if gtid.Compare(id, a.tracker.Frontier()) < 0 {
		a.mu.Unlock()
		logrus.Debugf("applier: stale entry %s", id)
		return ErrDuplicateEntry
	}
	bm := a.admitted[id.Gen]
	if bm == nil {
		bm = roaring64.New()
		a.admitted[id.Gen] = bm
	}
	if bm.Contains(id.Seq) {
		a.mu.Unlock()
		logrus.Debugf("applier: duplicate entry %s", id)
		return ErrDuplicateEntry
	}
	bm.Add(id.Seq)
	a.tracker.Admit(id)
	msg := &LogEntryMsg{ID: id, Payload: payload}
	for {
		if ok, _ := a.pending.Put(msg); ok {
			break
		}
		runtime.Gosched()
	}
	a.mu.Unlock()
	return nil
}

func (a *Applier) dispatchLoop() {
	defer a.dispatchWg.Done()
	for {
		val, ok, _ := a.pending.Get()
		if !ok {
			if atomic.LoadInt32(&a.closed) == 2 {
				return
			}
			time.Sleep(time.Millisecond)
			continue
		}
		msg := val.(*LogEntryMsg)
		a.tracker.BeginApply(msg.ID)
		a.applyWg.Add(1)
		if err := a.pool.Submit(func() {
			defer a.applyWg.Done()
			a.apply(msg)
		}); err != nil {
			a.applyWg.Done()
			panic(err)
		}
	}
}

func (a *Applier) apply(msg *LogEntryMsg) {
	rec := new(txn.RecordCmd)
	if err := rec.Unmarshal(msg.Payload); err != nil {
		panic(fmt.Sprintf("applier: bad record %s: %v", msg.ID, err))
	}
	if gtid.Compare(rec.ID, msg.ID) != 0 {
		panic(fmt.Sprintf("applier: record id %s does not match entry id %s", rec.ID, msg.ID))
	}
	ctx := newApplyCtx()
	for _, cmd := range rec.Cmds {
		a.applyCmd(ctx, cmd)
	}
	ctx.resolve()
	if err := a.oplog.Append(msg.ID, msg.Payload); err != nil {
		panic(fmt.Sprintf("applier: oplog append %s: %v", msg.ID, err))
	}
	a.tracker.EndApply(msg.ID)
}

func (a *Applier) applyCmd(ctx *applyCtx, cmd txn.OpCmd) {
	switch cmd := cmd.(type) {
	case *txn.InsertCmd:
		coll := a.mustGet(cmd.NS)
		if _, err := coll.Insert(ctx, cmd.Key, cmd.Doc); err != nil {
			panic(fmt.Sprintf("applier: insert into %s: %v", cmd.NS, err))
		}
	case *txn.UpdateCmd:
		coll := a.mustGet(cmd.NS)
		if err := coll.Update(ctx, cmd.Key, cmd.NewDoc); err != nil {
			panic(fmt.Sprintf("applier: update in %s: %v", cmd.NS, err))
		}
	case *txn.DeleteCmd:
		coll := a.mustGet(cmd.NS)
		if err := coll.Delete(ctx, cmd.Key); err != nil {
			panic(fmt.Sprintf("applier: delete from %s: %v", cmd.NS, err))
		}
	case *txn.CommentCmd:
		// informational only
	default:
		panic(fmt.Sprintf("applier: unknown command type %d", cmd.GetType()))
	}
}

func (a *Applier) mustGet(name string) collection.Collection {
	coll, err := a.registry.GetCollection(name)
	if err != nil {
		panic(fmt.Sprintf("applier: no collection %s", name))
	}
	return coll
}

// applyCtx is the WriteCtx of one replayed transaction. Replay never
// aborts and is not re-logged, so only the capped watermark bookkeeping
// matters here.
type applyCtx struct {
	capped map[collection.CappedNoter]*cappedState
}

type cappedState struct {
	first     collection.Key
	nDelta    int64
	sizeDelta int64
}

func newApplyCtx() *applyCtx {
	return &applyCtx{capped: make(map[collection.CappedNoter]*cappedState)}
}

func (ctx *applyCtx) OnInsert(c collection.Collection, key collection.Key, doc collection.Doc) {}
func (ctx *applyCtx) OnUpdate(c collection.Collection, key collection.Key, oldDoc, newDoc collection.Doc) {
}
func (ctx *applyCtx) OnDelete(c collection.Collection, key collection.Key, doc collection.Doc) {}

func (ctx *applyCtx) OnCappedInsert(c collection.CappedNoter, key collection.Key, size int64) bool {
	st := ctx.capped[c]
	first := st == nil
	if first {
		st = &cappedState{first: key.Clone()}
		ctx.capped[c] = st
	}
	st.nDelta++
	st.sizeDelta += size
	return first
}

func (ctx *applyCtx) resolve() {
	for c, st := range ctx.capped {
		c.NoteCommit(st.first, st.nDelta, st.sizeDelta)
	}
}
