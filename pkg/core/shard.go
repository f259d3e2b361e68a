package core

import (
	"sync"

	"github.com/dgryski/go-farm"

	"durakv/pkg/core/memory"
	"durakv/pkg/lock"
)

// ShardIndex maps key to one of n shards. The result depends only on the key
// bytes and n.
func ShardIndex(key string, n int) int {
	return int(farm.Fingerprint64([]byte(key)) % uint64(n))
}

// Shard is one partition of the key space: an ordered map guarded by its own
// RWLock.
type Shard struct {
	id   int
	lock *lock.RWLock
	mem  *memory.MemTable

	// Writers reserve a ticket while holding the log's append lock and apply
	// their mutation strictly in ticket order, so the map sees writes in the
	// same order as the log.
	seqMu   sync.Mutex
	seqCond *sync.Cond
	issued  uint64
	applied uint64
}

func NewShard(id, degree int) *Shard {
	s := &Shard{
		id:   id,
		lock: lock.New(),
		mem:  memory.NewMemTable(degree),
	}
	s.seqCond = sync.NewCond(&s.seqMu)
	return s
}

func (s *Shard) ID() int {
	return s.id
}

// Get returns a copy of the value stored under key.
func (s *Shard) Get(key string) ([]byte, bool) {
	s.lock.AcquireRead()
	defer s.lock.ReleaseRead()

	val, ok := s.mem.Get(key)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true
}

// Put stores value under key. The shard keeps value without copying it.
func (s *Shard) Put(key string, value []byte) {
	s.lock.AcquireWrite()
	s.mem.Put(key, value)
	s.lock.ReleaseWrite()
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *Shard) Remove(key string) bool {
	s.lock.AcquireWrite()
	defer s.lock.ReleaseWrite()
	return s.mem.Delete(key)
}

func (s *Shard) Len() int {
	s.lock.AcquireRead()
	defer s.lock.ReleaseRead()
	return s.mem.Count()
}

// Keys returns the shard's keys in ascending order.
func (s *Shard) Keys() []string {
	var keys []string
	s.ForEach(func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Bytes is the total size of the keys and values held.
func (s *Shard) Bytes() int {
	s.lock.AcquireRead()
	defer s.lock.ReleaseRead()
	return s.mem.Size()
}

// ForEach calls fn for every entry in key order while holding the read lock.
// fn must not modify val or call back into the shard.
func (s *Shard) ForEach(fn func(key string, val []byte) bool) {
	s.lock.AcquireRead()
	defer s.lock.ReleaseRead()
	s.mem.Iterator(fn)
}

// Scan returns copies of the entries with start <= key < end.
func (s *Shard) Scan(start, end string) []memory.Item {
	s.lock.AcquireRead()
	defer s.lock.ReleaseRead()

	items := s.mem.Scan(start, end)
	for i := range items {
		items[i].Val = append([]byte(nil), items[i].Val...)
	}
	return items
}

// Clear empties the shard and resets its write tickets. It must not race
// with writers.
func (s *Shard) Clear() {
	s.lock.AcquireWrite()
	s.mem.Clear()
	s.lock.ReleaseWrite()

	s.seqMu.Lock()
	s.issued = 0
	s.applied = 0
	s.seqMu.Unlock()
}

func (s *Shard) reserve() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.issued++
	return s.issued
}

// apply waits for every earlier ticket, then runs fn under the write lock.
// A nil fn only releases the ticket.
func (s *Shard) apply(ticket uint64, fn func(mt *memory.MemTable)) {
	s.seqMu.Lock()
	for s.applied != ticket-1 {
		s.seqCond.Wait()
	}
	s.seqMu.Unlock()

	if fn != nil {
		s.lock.AcquireWrite()
		fn(s.mem)
		s.lock.ReleaseWrite()
	}

	s.seqMu.Lock()
	s.applied = ticket
	s.seqCond.Broadcast()
	s.seqMu.Unlock()
}
