package gtid

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

var (
	ErrLiveTxns      = errors.New("repldb: live transactions outstanding")
	ErrUnappliedTxns = errors.New("repldb: unapplied entries outstanding")
)

type setItem struct {
	id GTID
}

func (i *setItem) Less(o btree.Item) bool {
	return Compare(i.id, o.(*setItem).id) < 0
}

// Manager owns GTID issuance for a locally hosted replica. On a primary it
// hands out new ids (Issue/Done); on a secondary it admits ids received
// from the primary's log (Admit) and tracks the progress of applying them
// locally (BeginApply/EndApply).
//
// Two low-water-marks are maintained under one mutex: minLive over ids
// issued but not yet resolved, and minUnapplied over ids received but not
// yet fully applied. Both equal the respective next-expected id when their
// set is empty. On a primary the two marks are definitionally equal.
//
// Callers must report exactly one completion for every id they open.
// Violations are programming bugs, not data errors, and panic.
type Manager struct {
	mu sync.Mutex

	nextLive GTID
	minLive  GTID
	live     *btree.BTree

	nextUnapplied GTID
	minUnapplied  GTID
	unapplied     *btree.BTree
}

// NewManager starts tracking right after last, the newest id known durable.
func NewManager(last GTID) *Manager {
	next := last.Next()
	return &Manager{
		nextLive:      next,
		minLive:       next,
		live:          btree.New(4),
		nextUnapplied: next,
		minUnapplied:  next,
		unapplied:     btree.New(4),
	}
}

// Issue hands out the next id to a write transaction on a primary and
// notes it live. Issue order is lock-acquisition order; completion may
// happen in any order.
func (m *Manager) Issue() GTID {
	m.mu.Lock()
	id := m.nextLive
	m.live.ReplaceOrInsert(&setItem{id: id})
	m.nextLive = m.nextLive.Next()
	m.mu.Unlock()
	return id
}

// Done notes that the transaction holding id has resolved, commit and
// abort alike.
func (m *Manager) Done(id GTID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if Compare(id, m.minLive) < 0 {
		panic(fmt.Sprintf("gtid: done %s below min live %s", id, m.minLive))
	}
	if m.live.Len() == 0 {
		panic(fmt.Sprintf("gtid: done %s with no live ids", id))
	}
	if m.live.Delete(&setItem{id: id}) == nil {
		panic(fmt.Sprintf("gtid: done of untracked id %s", id))
	}
	if Compare(m.minLive, id) == 0 {
		if m.live.Len() == 0 {
			m.minLive = m.nextLive
		} else {
			m.minLive = m.live.Min().(*setItem).id
		}
		// on a primary the applied point and the live point are the same
		m.minUnapplied = m.minLive
	}
}

// Admit records an id received from the primary's log as the new frontier.
// The data behind it has been seen, not yet applied. Only valid on a
// secondary, which never has issued ids of its own in flight.
func (m *Manager) Admit(id GTID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if Compare(m.nextLive, m.minLive) != 0 {
		panic(fmt.Sprintf("gtid: admit %s with issued ids in flight", id))
	}
	if Compare(id, m.nextLive) < 0 {
		panic(fmt.Sprintf("gtid: admit %s behind frontier %s", id, m.nextLive))
	}
	m.nextLive = id
	m.minLive = id
}

// BeginApply moves an admitted id into the unapplied set as its local
// application starts. Begin order must be id order; completion may be
// pipelined arbitrarily.
func (m *Manager) BeginApply(id GTID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if Compare(id, m.nextUnapplied) < 0 {
		panic(fmt.Sprintf("gtid: begin apply %s behind %s", id, m.nextUnapplied))
	}
	if m.unapplied.Len() == 0 {
		m.minUnapplied = id
	} else if Compare(id, m.minUnapplied) <= 0 {
		panic(fmt.Sprintf("gtid: begin apply %s at or below min unapplied %s", id, m.minUnapplied))
	}
	m.unapplied.ReplaceOrInsert(&setItem{id: id})
	m.nextUnapplied = id.Next()
}

// EndApply removes id from the unapplied set once its local application
// has finished.
func (m *Manager) EndApply(id GTID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if Compare(id, m.minUnapplied) < 0 {
		panic(fmt.Sprintf("gtid: end apply %s below min unapplied %s", id, m.minUnapplied))
	}
	if m.unapplied.Len() == 0 {
		panic(fmt.Sprintf("gtid: end apply %s with no unapplied ids", id))
	}
	if m.unapplied.Delete(&setItem{id: id}) == nil {
		panic(fmt.Sprintf("gtid: end apply of untracked id %s", id))
	}
	if Compare(m.minUnapplied, id) == 0 {
		if m.unapplied.Len() == 0 {
			m.minUnapplied = m.nextUnapplied
		} else {
			m.minUnapplied = m.unapplied.Min().(*setItem).id
		}
	}
}

// Mins snapshots both low-water-marks under the lock. Backup and
// checkpoint callers use it to know the oldest point that must be kept.
func (m *Manager) Mins() (minLive, minUnapplied GTID) {
	m.mu.Lock()
	minLive = m.minLive
	minUnapplied = m.minUnapplied
	m.mu.Unlock()
	return
}

// Frontier returns the next id to be issued or admitted.
func (m *Manager) Frontier() GTID {
	m.mu.Lock()
	next := m.nextLive
	m.mu.Unlock()
	return next
}

func (m *Manager) LiveCount() int {
	m.mu.Lock()
	cnt := m.live.Len()
	m.mu.Unlock()
	return cnt
}

func (m *Manager) UnappliedCount() int {
	m.mu.Lock()
	cnt := m.unapplied.Len()
	m.mu.Unlock()
	return cnt
}

// Reset realigns the manager when this node assumes the primary role.
// last is the newest id known durable; issuance restarts under the next
// generation so new ids never collide with a prior primary's. Both sets
// must already be empty: a promoting node has no local transactions mid
// flight and must have drained its apply backlog.
func (m *Manager) Reset(last GTID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live.Len() > 0 {
		return ErrLiveTxns
	}
	if m.unapplied.Len() > 0 {
		return ErrUnappliedTxns
	}
	m.nextLive = last.NextGen()
	m.minLive = m.nextLive
	m.nextUnapplied = m.nextLive
	m.minUnapplied = m.nextLive
	return nil
}
