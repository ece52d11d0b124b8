package repldb

import (
	"errors"
	"sync"

	"repldb/pkg/collection"
	"repldb/pkg/gtid"
	"repldb/pkg/repl"
	"repldb/pkg/txn"

	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/common"
	"github.com/sirupsen/logrus"
)

type Role int8

const (
	RoleSecondary Role = iota
	RolePrimary
)

var (
	ErrNotPrimary         = errors.New("repldb: not primary")
	ErrNotSecondary       = errors.New("repldb: not secondary")
	ErrCollectionExists   = errors.New("repldb: collection exists")
	ErrCollectionNotFound = errors.New("repldb: collection not found")
)

type Options struct {
	// Dir, when set, backs the oplog with a durable log store.
	Dir  string
	Role Role
	// Last is the newest id known durable before this replica started.
	Last    gtid.GTID
	Applier repl.ApplierCfg
}

type collEntry struct {
	id   uint64
	coll collection.Collection
}

// DB is one locally hosted replica of a replicated document database. It
// owns the replica's GTID manager, the collection registry, the primary
// write path and, while in the secondary role, the apply pipeline. All
// state is per instance; tests construct as many replicas as they need.
type DB struct {
	sync.RWMutex
	Tracker *gtid.Manager
	TxnMgr  *txn.TxnManager
	Oplog   *collection.OplogCollection

	role        Role
	applier     *repl.Applier
	applierCfg  repl.ApplierCfg
	driver      txn.LogDriver
	idAlloc     *common.IdAlloctor
	collections map[string]*collEntry
}

func Open(opts Options) *DB {
	tracker := gtid.NewManager(opts.Last)
	oplog := collection.NewOplogCollection("local.oplog", tracker)
	var driver txn.LogDriver
	if opts.Dir != "" {
		driver = txn.NewLogDriver(opts.Dir, "oplog", nil)
	}
	db := &DB{
		Tracker:     tracker,
		Oplog:       oplog,
		role:        opts.Role,
		applierCfg:  opts.Applier,
		driver:      driver,
		idAlloc:     common.NewIdAlloctor(1),
		collections: make(map[string]*collEntry),
	}
	db.TxnMgr = txn.NewTxnManager(tracker, oplog, driver)
	db.TxnMgr.Start()
	if opts.Role == RoleSecondary {
		db.applier = repl.NewApplier(tracker, db, oplog, opts.Applier)
		db.applier.Start()
	}
	return db
}

func (db *DB) Close() error {
	db.Lock()
	applier := db.applier
	db.applier = nil
	db.Unlock()
	if applier != nil {
		applier.Stop()
	}
	db.TxnMgr.Stop()
	if db.driver != nil {
		return db.driver.Close()
	}
	return nil
}

func (db *DB) Role() Role {
	db.RLock()
	defer db.RUnlock()
	return db.role
}

func (db *DB) CreateCollection(name string, opts collection.Options) (collection.Collection, error) {
	var coll collection.Collection
	switch opts.Kind {
	case collection.KindIndexed:
		coll = collection.NewIndexedCollection(name)
	case collection.KindNaturalOrder:
		coll = collection.NewNaturalOrderCollection(name)
	case collection.KindCapped:
		coll = collection.NewCappedCollection(name, opts.MaxObjects, opts.MaxSize)
	default:
		return nil, collection.ErrNotSupported
	}
	db.Lock()
	defer db.Unlock()
	if _, ok := db.collections[name]; ok {
		return nil, ErrCollectionExists
	}
	id := db.idAlloc.Alloc()
	db.collections[name] = &collEntry{id: id, coll: coll}
	logrus.Infof("create collection %s id=%d kind=%d", name, id, opts.Kind)
	return coll, nil
}

func (db *DB) GetCollection(name string) (collection.Collection, error) {
	db.RLock()
	defer db.RUnlock()
	if entry, ok := db.collections[name]; ok {
		return entry.coll, nil
	}
	return nil, ErrCollectionNotFound
}

// StartTxn opens a write transaction. Only a primary issues ids of its
// own, so only a primary takes writes.
func (db *DB) StartTxn(info []byte) (*txn.Txn, error) {
	db.RLock()
	defer db.RUnlock()
	if db.role != RolePrimary {
		return nil, ErrNotPrimary
	}
	return db.TxnMgr.StartTxn(info), nil
}

// OnLogEntry feeds one received oplog entry into the apply pipeline.
func (db *DB) OnLogEntry(id gtid.GTID, payload []byte) error {
	db.RLock()
	applier := db.applier
	role := db.role
	db.RUnlock()
	if role != RoleSecondary || applier == nil {
		return ErrNotSecondary
	}
	return applier.OnEntry(id, payload)
}

// Mins snapshots the replica's low-water-marks for backup/checkpoint use.
func (db *DB) Mins() (minLive, minUnapplied gtid.GTID) {
	return db.Tracker.Mins()
}

// Promote drains the apply pipeline and assumes the primary role. Ids
// issued from here on carry a fresh generation.
func (db *DB) Promote() error {
	// the applier is detached and drained outside the lock: in-flight
	// applies resolve collections through GetCollection
	db.Lock()
	if db.role == RolePrimary {
		db.Unlock()
		return ErrNotSecondary
	}
	applier := db.applier
	db.applier = nil
	db.Unlock()
	if applier != nil {
		applier.Stop()
	}
	db.Lock()
	defer db.Unlock()
	if db.role == RolePrimary {
		return ErrNotSecondary
	}
	last := db.Tracker.Frontier()
	if err := db.Tracker.Reset(last); err != nil {
		return err
	}
	db.role = RolePrimary
	logrus.Infof("promoted to primary, next id %s", db.Tracker.Frontier())
	return nil
}

// StepDown leaves the primary role. Rejected while local transactions are
// still live; the caller must drain them first.
func (db *DB) StepDown() error {
	db.Lock()
	defer db.Unlock()
	if db.role != RolePrimary {
		return ErrNotPrimary
	}
	if db.Tracker.LiveCount() > 0 {
		return gtid.ErrLiveTxns
	}
	db.role = RoleSecondary
	db.applier = repl.NewApplier(db.Tracker, db, db.Oplog, db.applierCfg)
	db.applier.Start()
	logrus.Infof("stepped down to secondary")
	return nil
}
