package collection

import (
	"testing"

	"repldb/pkg/gtid"

	"github.com/stretchr/testify/assert"
)

func TestOplogAppend(t *testing.T) {
	mgr := gtid.NewManager(gtid.New(1, 0))
	log := NewOplogCollection("local.oplog", mgr)

	for seq := uint64(1); seq <= 3; seq++ {
		assert.Nil(t, log.Append(gtid.New(1, seq), Doc("rec")))
	}
	assert.Equal(t, ErrDuplicateKey, log.Append(gtid.New(1, 2), Doc("rec")))
	assert.Equal(t, int64(3), log.Stats().Objects)

	tx := newMockTxn()
	_, err := log.Insert(tx, Key("x"), Doc("y"))
	assert.Equal(t, ErrNotSupported, err)
	assert.Equal(t, ErrNotSupported, log.Update(tx, Key("x"), Doc("y")))
	assert.Equal(t, ErrNotSupported, log.Delete(tx, Key("x")))
}

func TestOplogWatermarkAndTrim(t *testing.T) {
	mgr := gtid.NewManager(gtid.New(1, 0))
	log := NewOplogCollection("local.oplog", mgr)

	for seq := uint64(1); seq <= 5; seq++ {
		id := gtid.New(1, seq)
		mgr.Admit(id)
		assert.Nil(t, log.Append(id, Doc("rec")))
		mgr.BeginApply(id)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		mgr.EndApply(gtid.New(1, seq))
	}

	// entries 4 and 5 are still being applied
	assert.Equal(t, GTIDKey(gtid.New(1, 4)), log.MinUnsafeKey())

	// the watermark caps the requested bound
	removed := log.Trim(gtid.New(1, 6))
	assert.Equal(t, 3, removed)
	assert.Equal(t, int64(2), log.Stats().Objects)
	_, found := log.Find(GTIDKey(gtid.New(1, 4)))
	assert.True(t, found)

	mgr.EndApply(gtid.New(1, 4))
	mgr.EndApply(gtid.New(1, 5))
	assert.Equal(t, GTIDKey(gtid.New(1, 6)), log.MinUnsafeKey())

	// bound below the watermark is honored as given
	removed = log.Trim(gtid.New(1, 5))
	assert.Equal(t, 1, removed)
	removed = log.Trim(gtid.New(1, 6))
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(0), log.Stats().Objects)
}
