package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrLockMisuse is returned by Locks.Release for locks that were not acquired
// through Acquire for the mailbox, or that were already released.
var ErrLockMisuse = errors.New("mailbox lock misuse")

type lockEntry struct {
	sync.Mutex
	refs int // Holder and waiters. Guarded by Locks.mu.
}

// MailboxLock is returned by Locks.Acquire, to be passed to Locks.Release.
type MailboxLock struct {
	mailboxID int64
	entry     *lockEntry
	released  atomic.Bool
}

// Locks is a registry of exclusive locks per mailbox. Entries are created on
// demand and removed when no goroutine holds or waits for them. Locks for
// different mailboxes are independent.
type Locks struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

func NewLocks() *Locks {
	return &Locks{entries: map[int64]*lockEntry{}}
}

// Acquire blocks until the lock for the mailbox is held.
func (l *Locks) Acquire(mailboxID int64) *MailboxLock {
	l.mu.Lock()
	e := l.entries[mailboxID]
	if e == nil {
		e = &lockEntry{}
		l.entries[mailboxID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.Lock()
	return &MailboxLock{mailboxID: mailboxID, entry: e}
}

// Release releases a lock returned by Acquire for the same mailbox.
func (l *Locks) Release(mailboxID int64, lk *MailboxLock) error {
	if lk == nil {
		return fmt.Errorf("%w: nil lock for mailbox %d", ErrLockMisuse, mailboxID)
	}
	if lk.mailboxID != mailboxID {
		return fmt.Errorf("%w: lock for mailbox %d released for mailbox %d", ErrLockMisuse, lk.mailboxID, mailboxID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if lk.released.Load() {
		return fmt.Errorf("%w: lock for mailbox %d already released", ErrLockMisuse, mailboxID)
	}
	if l.entries[mailboxID] != lk.entry {
		return fmt.Errorf("%w: lock not from this registry for mailbox %d", ErrLockMisuse, mailboxID)
	}
	if !lk.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: lock for mailbox %d already released", ErrLockMisuse, mailboxID)
	}
	lk.entry.refs--
	if lk.entry.refs == 0 {
		delete(l.entries, mailboxID)
	}
	lk.entry.Unlock()
	return nil
}

// Len returns the number of mailboxes with a held or awaited lock.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
