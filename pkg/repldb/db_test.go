package repldb

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"repldb/pkg/collection"
	"repldb/pkg/gtid"

	"github.com/stretchr/testify/assert"
)

func initTestPath(t *testing.T) string {
	dir := filepath.Join("/tmp", t.Name())
	os.RemoveAll(dir)
	return dir
}

func createSchema(t *testing.T, db *DB) (*collection.CappedCollection, collection.Collection) {
	events, err := db.CreateCollection("events", collection.Options{
		Kind: collection.KindCapped,
	})
	assert.Nil(t, err)
	users, err := db.CreateCollection("users", collection.Options{
		Kind: collection.KindIndexed,
	})
	assert.Nil(t, err)
	return events.(*collection.CappedCollection), users
}

// ship replays the primary's oplog into the secondary, the way a sync
// source connection would.
func ship(t *testing.T, primary, secondary *DB) {
	primary.Oplog.Scan(nil, nil, func(key collection.Key, doc collection.Doc) bool {
		assert.Nil(t, secondary.OnLogEntry(gtid.Decode(key), doc))
		return true
	})
}

func waitApplied(t *testing.T, db *DB, want gtid.GTID) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		_, minUnapplied := db.Mins()
		if gtid.Compare(minUnapplied, want) >= 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("apply stalled: min unapplied %s, want %s", minUnapplied, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCreateCollection(t *testing.T) {
	db := Open(Options{Role: RolePrimary, Last: gtid.New(1, 0)})
	defer db.Close()

	_, err := db.CreateCollection("events", collection.Options{Kind: collection.KindCapped})
	assert.Nil(t, err)
	_, err = db.CreateCollection("events", collection.Options{Kind: collection.KindCapped})
	assert.Equal(t, ErrCollectionExists, err)
	_, err = db.GetCollection("events")
	assert.Nil(t, err)
	_, err = db.GetCollection("missing")
	assert.Equal(t, ErrCollectionNotFound, err)
}

func TestReplication(t *testing.T) {
	primary := Open(Options{Role: RolePrimary, Last: gtid.New(1, 0)})
	defer primary.Close()
	secondary := Open(Options{Role: RoleSecondary, Last: gtid.New(1, 0)})
	defer secondary.Close()

	pEvents, pUsers := createSchema(t, primary)
	sEvents, sUsers := createSchema(t, secondary)

	_, err := secondary.StartTxn(nil)
	assert.Equal(t, ErrNotPrimary, err)
	assert.Equal(t, ErrNotSecondary, primary.OnLogEntry(gtid.New(1, 1), nil))

	total := 50
	for i := 0; i < total; i++ {
		txn, err := primary.StartTxn(nil)
		assert.Nil(t, err)
		_, err = pEvents.Insert(txn, nil, collection.Doc(fmt.Sprintf("ev-%d", i)))
		assert.Nil(t, err)
		_, err = pUsers.Insert(txn, collection.Key(fmt.Sprintf("u:%d", i)), collection.Doc("v"))
		assert.Nil(t, err)
		assert.Nil(t, txn.Commit())
	}
	minLive, _ := primary.Mins()
	assert.Equal(t, gtid.New(1, uint64(total)+1), minLive)

	ship(t, primary, secondary)
	waitApplied(t, secondary, gtid.New(1, uint64(total)+1))

	assert.Equal(t, pEvents.Stats(), sEvents.Stats())
	assert.Equal(t, pUsers.Stats(), sUsers.Stats())
	assert.Equal(t, pEvents.MinUnsafeKey(), sEvents.MinUnsafeKey())
	assert.Equal(t, int64(total), secondary.Oplog.Stats().Objects)

	// re-shipping the same batch is absorbed by duplicate suppression
	primary.Oplog.Scan(nil, nil, func(key collection.Key, doc collection.Doc) bool {
		assert.NotNil(t, secondary.OnLogEntry(gtid.Decode(key), doc))
		return true
	})
	assert.Equal(t, int64(total), secondary.Oplog.Stats().Objects)
}

func TestPromote(t *testing.T) {
	primary := Open(Options{Role: RolePrimary, Last: gtid.New(1, 0)})
	defer primary.Close()
	secondary := Open(Options{Role: RoleSecondary, Last: gtid.New(1, 0)})
	defer secondary.Close()

	pEvents, _ := createSchema(t, primary)
	sEvents, _ := createSchema(t, secondary)

	for i := 0; i < 10; i++ {
		txn, _ := primary.StartTxn(nil)
		pEvents.Insert(txn, nil, collection.Doc("ev"))
		assert.Nil(t, txn.Commit())
	}
	ship(t, primary, secondary)

	// Promote drains whatever is still in flight before resetting
	assert.Nil(t, secondary.Promote())
	assert.Equal(t, RolePrimary, secondary.Role())
	assert.Equal(t, ErrNotSecondary, secondary.Promote())

	// issuance resumes under a fresh generation
	assert.Equal(t, gtid.New(2, 0), secondary.Tracker.Frontier())
	txn, err := secondary.StartTxn(nil)
	assert.Nil(t, err)
	_, err = sEvents.Insert(txn, nil, collection.Doc("post-promote"))
	assert.Nil(t, err)
	gid, gidSet := txn.GTID()
	assert.True(t, gidSet)
	assert.Equal(t, gtid.New(2, 0), gid)
	assert.Nil(t, txn.Commit())
	assert.Equal(t, int64(11), sEvents.Stats().Objects)
}

func TestStepDown(t *testing.T) {
	db := Open(Options{Role: RolePrimary, Last: gtid.New(1, 0)})
	defer db.Close()
	events, _ := createSchema(t, db)

	txn, _ := db.StartTxn(nil)
	events.Insert(txn, nil, collection.Doc("ev"))
	assert.Equal(t, gtid.ErrLiveTxns, db.StepDown())
	assert.Nil(t, txn.Commit())

	assert.Nil(t, db.StepDown())
	assert.Equal(t, RoleSecondary, db.Role())
	assert.Equal(t, ErrNotPrimary, db.StepDown())
	_, err := db.StartTxn(nil)
	assert.Equal(t, ErrNotPrimary, err)

	// a re-sent entry this node already logged is absorbed, not applied
	db.Oplog.Scan(nil, nil, func(key collection.Key, doc collection.Doc) bool {
		assert.NotNil(t, db.OnLogEntry(gtid.Decode(key), doc))
		return true
	})
	assert.Equal(t, int64(1), events.Stats().Objects)

	// the replica now accepts entries from the new primary
	id := db.Tracker.Frontier()
	rec := buildRemoteRecord(t, db, id)
	assert.Nil(t, db.OnLogEntry(id, rec))
	waitApplied(t, db, id.Next())
	assert.Equal(t, int64(2), events.Stats().Objects)
}

// buildRemoteRecord commits one transaction on a scratch primary at the
// same frontier and returns its marshaled record.
func buildRemoteRecord(t *testing.T, like *DB, id gtid.GTID) []byte {
	scratch := Open(Options{Role: RolePrimary, Last: gtid.New(id.Gen, id.Seq-1)})
	defer scratch.Close()
	events, _ := createSchema(t, scratch)
	txn, err := scratch.StartTxn(nil)
	assert.Nil(t, err)
	_, err = events.Insert(txn, collection.EncodeUint64Key(2), collection.Doc("remote"))
	assert.Nil(t, err)
	assert.Nil(t, txn.Commit())
	doc, found := scratch.Oplog.Find(collection.GTIDKey(id))
	assert.True(t, found)
	return doc
}

func TestDurableLog(t *testing.T) {
	dir := initTestPath(t)
	db := Open(Options{Role: RolePrimary, Last: gtid.New(1, 0), Dir: dir})
	events, _ := createSchema(t, db)

	for i := 0; i < 20; i++ {
		txn, _ := db.StartTxn(nil)
		events.Insert(txn, nil, collection.Doc("ev"))
		assert.Nil(t, txn.Commit())
	}
	assert.Equal(t, int64(20), db.Oplog.Stats().Objects)
	assert.Nil(t, db.Close())
}
