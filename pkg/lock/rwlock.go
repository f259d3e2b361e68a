// Package lock provides the reader/writer lock that guards each shard.
package lock

import "sync"

// RWLock allows any number of concurrent readers or a single writer.
//
// It is built on a condition variable and prefers writers: once a writer is
// waiting, newly arriving readers queue behind it, so a steady stream of
// readers cannot starve a writer. Readers that already hold the lock finish
// normally. The lock is not reentrant; a goroutine holding a read lock must
// not acquire another read lock on the same RWLock while a writer may be
// waiting, or it deadlocks.
//
// The zero value is an unlocked RWLock.
type RWLock struct {
	mu             sync.Mutex
	cond           *sync.Cond
	readers        int
	writer         bool
	waitingWriters int
}

func New() *RWLock {
	return &RWLock{}
}

func (l *RWLock) init() {
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
}

// AcquireRead blocks while a writer holds the lock or is waiting for it.
func (l *RWLock) AcquireRead() {
	l.mu.Lock()
	l.init()
	for l.writer || l.waitingWriters > 0 {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

func (l *RWLock) ReleaseRead() {
	l.mu.Lock()
	if l.readers <= 0 {
		l.mu.Unlock()
		panic("lock: ReleaseRead without matching AcquireRead")
	}
	l.readers--
	if l.readers == 0 {
		l.init()
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// AcquireWrite blocks until no reader and no other writer holds the lock.
func (l *RWLock) AcquireWrite() {
	l.mu.Lock()
	l.init()
	l.waitingWriters++
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.waitingWriters--
	l.writer = true
	l.mu.Unlock()
}

// TryAcquireWrite takes the write lock only if it is free right now.
func (l *RWLock) TryAcquireWrite() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer || l.readers > 0 {
		return false
	}
	l.writer = true
	return true
}

func (l *RWLock) ReleaseWrite() {
	l.mu.Lock()
	if !l.writer {
		l.mu.Unlock()
		panic("lock: ReleaseWrite without matching AcquireWrite")
	}
	l.writer = false
	l.init()
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Readers returns the number of goroutines currently holding a read lock.
func (l *RWLock) Readers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers
}

// Locked reports whether a writer currently holds the lock.
func (l *RWLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer
}
