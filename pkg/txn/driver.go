package txn

import (
	"sync"

	"github.com/jiangxinmeng1/logstore/pkg/entry"
	"github.com/jiangxinmeng1/logstore/pkg/store"
)

const ETOplogRecord = entry.ETCustomizedStart + 1

// LogDriver persists oplog records outside the in-memory oplog collection.
type LogDriver interface {
	AppendRecord(e entry.Entry) (uint64, error)
	Close() error
}

type logDriver struct {
	sync.RWMutex
	impl store.Store
	seq  uint64
	own  bool
}

func NewLogDriver(dir, name string, cfg *store.StoreCfg) LogDriver {
	impl, err := store.NewBaseStore(dir, name, cfg)
	if err != nil {
		panic(err)
	}
	return NewLogDriverWithStore(impl, true)
}

func NewLogDriverWithStore(impl store.Store, own bool) LogDriver {
	driver := new(logDriver)
	driver.impl = impl
	driver.own = own
	return driver
}

func (d *logDriver) AppendRecord(e entry.Entry) (uint64, error) {
	d.Lock()
	d.seq++
	id := d.seq
	info := &entry.Info{
		CommitId: id,
	}
	e.SetInfo(info)
	_, err := d.impl.AppendEntry(entry.GTCustomizedStart, e)
	d.Unlock()
	return id, err
}

func (d *logDriver) Close() error {
	if d.own {
		return d.impl.Close()
	}
	return nil
}

func makeRecordEntry(buf []byte) entry.Entry {
	e := entry.GetBase()
	e.SetType(ETOplogRecord)
	e.Unmarshal(buf)
	return e
}
