package repl

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"repldb/pkg/collection"
	"repldb/pkg/gtid"
	"repldb/pkg/txn"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/stretchr/testify/assert"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

type testRegistry struct {
	colls map[string]collection.Collection
}

func newTestRegistry() *testRegistry {
	return &testRegistry{colls: make(map[string]collection.Collection)}
}

func (r *testRegistry) GetCollection(name string) (collection.Collection, error) {
	coll := r.colls[name]
	if coll == nil {
		return nil, fmt.Errorf("no collection %s", name)
	}
	return coll, nil
}

// makeRecord builds the marshaled oplog record of one self-contained
// transaction: a capped insert plus an indexed insert-update pair, with the
// indexed row deleted again every fourth record.
func makeRecord(t *testing.T, seq uint64) []byte {
	userKey := collection.Key(fmt.Sprintf("u:%d", seq))
	cmds := []txn.OpCmd{
		&txn.InsertCmd{Capped: true, NS: "events", Key: collection.EncodeUint64Key(seq), Doc: collection.Doc("ev")},
		&txn.InsertCmd{NS: "users", Key: userKey, Doc: collection.Doc("v1")},
		&txn.UpdateCmd{NS: "users", Key: userKey, OldDoc: collection.Doc("v1"), NewDoc: collection.Doc("v2")},
	}
	if seq%4 == 0 {
		cmds = append(cmds, &txn.DeleteCmd{NS: "users", Key: userKey, Doc: collection.Doc("v2")})
	}
	if seq%16 == 0 {
		cmds = append(cmds, &txn.CommentCmd{Note: []byte("sync marker")})
	}
	buf, err := txn.NewRecordCmd(gtid.New(1, seq), cmds).Marshal()
	assert.Nil(t, err)
	return buf
}

func waitUnappliedAt(t *testing.T, tracker *gtid.Manager, want gtid.GTID) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		_, minUnapplied := tracker.Mins()
		if gtid.Compare(minUnapplied, want) >= 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("apply stalled: min unapplied %s, want %s", minUnapplied, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestApplier(t *testing.T) {
	tracker := gtid.NewManager(gtid.New(1, 0))
	oplog := collection.NewOplogCollection("local.oplog", tracker)
	registry := newTestRegistry()
	events := collection.NewCappedCollection("events", 0, 0)
	users := collection.NewIndexedCollection("users")
	registry.colls["events"] = events
	registry.colls["users"] = users

	applier := NewApplier(tracker, registry, oplog, ApplierCfg{Workers: 8})
	applier.Start()

	total := uint64(500)
	now := time.Now()
	for seq := uint64(1); seq <= total; seq++ {
		assert.Nil(t, applier.OnEntry(gtid.New(1, seq), makeRecord(t, seq)))
	}

	// re-delivery of an admitted entry is suppressed synchronously
	assert.Equal(t, ErrDuplicateEntry, applier.OnEntry(gtid.New(1, 3), makeRecord(t, 3)))

	waitUnappliedAt(t, tracker, gtid.New(1, total+1))
	t.Logf("%d entries takes %s", total, time.Since(now))
	applier.Stop()
	assert.Equal(t, ErrApplierClosed, applier.OnEntry(gtid.New(1, total+1), nil))

	assert.Equal(t, 0, tracker.UnappliedCount())
	assert.Equal(t, int64(total), oplog.Stats().Objects)
	assert.Equal(t, int64(total), events.Stats().Objects)
	assert.Equal(t, collection.EncodeUint64Key(total+1), events.MinUnsafeKey())

	// every capped key below the watermark landed, with no gaps
	seen := roaring64.New()
	events.Scan(nil, events.MinUnsafeKey(), func(key collection.Key, doc collection.Doc) bool {
		seen.Add(collection.DecodeUint64Key(key))
		return true
	})
	assert.Equal(t, total, seen.GetCardinality())

	deleted := int64(total / 4)
	assert.Equal(t, int64(total)-deleted, users.Stats().Objects)
	doc, found := users.Find(collection.Key("u:1"))
	assert.True(t, found)
	assert.Equal(t, collection.Doc("v2"), doc)
	_, found = users.Find(collection.Key("u:4"))
	assert.False(t, found)
}

// Whatever OnEntry acknowledges must end up applied, however its race
// against Stop interleaves. An acknowledged-but-dropped entry would let a
// later promotion reset the tracker past a record that was never replayed.
func TestApplierAcceptStopRace(t *testing.T) {
	for round := 0; round < 100; round++ {
		tracker := gtid.NewManager(gtid.New(1, 0))
		oplog := collection.NewOplogCollection("local.oplog", tracker)
		registry := newTestRegistry()
		registry.colls["events"] = collection.NewCappedCollection("events", 0, 0)
		registry.colls["users"] = collection.NewIndexedCollection("users")
		applier := NewApplier(tracker, registry, oplog, ApplierCfg{Workers: 2, QueueSize: 64})
		applier.Start()

		var accepted uint64
		done := make(chan struct{})
		go func() {
			defer close(done)
			for seq := uint64(1); ; seq++ {
				if err := applier.OnEntry(gtid.New(1, seq), makeRecord(t, seq)); err != nil {
					assert.Equal(t, ErrApplierClosed, err)
					return
				}
				accepted++
			}
		}()
		time.Sleep(time.Duration(rand.Intn(100)) * time.Microsecond)
		applier.Stop()
		<-done

		assert.Equal(t, int64(accepted), oplog.Stats().Objects)
		_, minUnapplied := tracker.Mins()
		assert.Equal(t, gtid.New(1, accepted+1), minUnapplied)
	}
}

// A restarted secondary has no duplicate-suppression bitmaps. Re-sent
// batches behind the frontier must be absorbed, not admitted.
func TestApplierRedeliveryAfterRestart(t *testing.T) {
	registry := newTestRegistry()
	events := collection.NewCappedCollection("events", 0, 0)
	users := collection.NewIndexedCollection("users")
	registry.colls["events"] = events
	registry.colls["users"] = users

	total := uint64(20)
	tracker := gtid.NewManager(gtid.New(1, 0))
	oplog := collection.NewOplogCollection("local.oplog", tracker)
	applier := NewApplier(tracker, registry, oplog, ApplierCfg{Workers: 2})
	applier.Start()
	for seq := uint64(1); seq <= total; seq++ {
		assert.Nil(t, applier.OnEntry(gtid.New(1, seq), makeRecord(t, seq)))
	}
	applier.Stop()

	// restart: fresh applier seeded from the last durable id
	tracker2 := gtid.NewManager(gtid.New(1, total))
	oplog2 := collection.NewOplogCollection("local.oplog", tracker2)
	applier2 := NewApplier(tracker2, registry, oplog2, ApplierCfg{Workers: 2})
	applier2.Start()

	for seq := uint64(1); seq <= total; seq++ {
		assert.Equal(t, ErrDuplicateEntry, applier2.OnEntry(gtid.New(1, seq), makeRecord(t, seq)))
	}
	assert.Equal(t, int64(total), events.Stats().Objects)
	assert.Equal(t, int64(0), oplog2.Stats().Objects)

	// the connection moves on to genuinely new entries
	assert.Nil(t, applier2.OnEntry(gtid.New(1, total+1), makeRecord(t, total+1)))
	waitUnappliedAt(t, tracker2, gtid.New(1, total+2))
	applier2.Stop()
	assert.Equal(t, int64(total)+1, events.Stats().Objects)
}

func TestApplierStopDrains(t *testing.T) {
	tracker := gtid.NewManager(gtid.New(1, 0))
	oplog := collection.NewOplogCollection("local.oplog", tracker)
	registry := newTestRegistry()
	events := collection.NewCappedCollection("events", 0, 0)
	users := collection.NewIndexedCollection("users")
	registry.colls["events"] = events
	registry.colls["users"] = users

	applier := NewApplier(tracker, registry, oplog, ApplierCfg{Workers: 2, QueueSize: 64})
	applier.Start()

	total := uint64(100)
	for seq := uint64(1); seq <= total; seq++ {
		assert.Nil(t, applier.OnEntry(gtid.New(1, seq), makeRecord(t, seq)))
	}

	// Stop returns only after everything buffered has been applied
	applier.Stop()
	_, minUnapplied := tracker.Mins()
	assert.Equal(t, gtid.New(1, total+1), minUnapplied)
	assert.Equal(t, int64(total), events.Stats().Objects)
}
