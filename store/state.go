package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mjl-/flagstore/metrics"
)

var (
	register   = make(chan *Comm)
	unregister = make(chan *Comm)
)

// ErrSwitchboardStopped is returned when changes are broadcast while the
// switchboard is not running.
var ErrSwitchboardStopped = errors.New("switchboard not running")

type changeReq struct {
	account   string
	sessionID int64 // Changes are not queued for Comms of this session. Zero for none.
	changes   []Change
	done      chan struct{} // Buffered, signaled when changes are queued.
}

// Change to mailboxes/messages in an account. One of the Change* types in this
// package.
type Change any

// ChangeFlags is sent for an update to flags for a message, e.g. "\Seen".
type ChangeFlags struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	Flags     []string // All flags of the message, not just the changed ones.
}

// ChangeMailboxFlags is sent when the custom flag vocabulary of a mailbox grew.
type ChangeMailboxFlags struct {
	MailboxID int64
	ModSeq    ModSeq
	Flags     []string // Full vocabulary.
}

// board is a running switchboard. Senders select on stopped so they never
// block on a switchboard that is gone.
type board struct {
	stopped   chan struct{} // Closed by stop.
	broadcast chan changeReq
	wakec     chan string // Accounts to wake, buffered.
}

func switchboard(b *board, donec chan struct{}) {
	regs := map[string]map[*Comm]struct{}{}

	wakeAccount := func(account string) {
		for c := range regs[account] {
			select {
			case c.Pending <- struct{}{}:
			default:
			}
		}
	}

	for {
		select {
		case c := <-register:
			if _, ok := regs[c.Account]; !ok {
				regs[c.Account] = map[*Comm]struct{}{}
			}
			regs[c.Account][c] = struct{}{}

		case c := <-unregister:
			if _, ok := regs[c.Account]; !ok {
				// Do not panic, we are called from deferred cleanup of sessions.
				metrics.PanicInc(metrics.Store)
				pkglog.Error("unregister for comm of unknown account", slog.String("account", c.Account))
				break
			}
			delete(regs[c.Account], c)
			if len(regs[c.Account]) == 0 {
				delete(regs, c.Account)
			}

		case chReq := <-b.broadcast:
			for c := range regs[chReq.account] {
				if chReq.sessionID == 0 || c.SessionID != chReq.sessionID {
					c.Lock()
					c.changes = append(c.changes, chReq.changes...)
					c.Unlock()
				}
			}
			chReq.done <- struct{}{}

		case account := <-b.wakec:
			wakeAccount(account)

		case <-b.stopped:
			close(donec)
			return
		}
	}
}

var (
	boardMutex sync.Mutex
	running    *board // Nil if no switchboard is running.
)

func runningBoard() *board {
	boardMutex.Lock()
	defer boardMutex.Unlock()
	return running
}

// Switchboard distributes changes to accounts to interested listeners. See
// Comm and Change.
func Switchboard() (stop func()) {
	boardMutex.Lock()
	defer boardMutex.Unlock()
	if running != nil {
		panic("switchboard already busy")
	}

	b := &board{
		stopped:   make(chan struct{}),
		broadcast: make(chan changeReq),
		wakec:     make(chan string, 64),
	}
	donec := make(chan struct{})
	running = b

	go switchboard(b, donec)

	return func() {
		boardMutex.Lock()
		if running != b {
			boardMutex.Unlock()
			panic("switchboard already unregistered?")
		}
		running = nil
		boardMutex.Unlock()

		close(b.stopped)
		<-donec
	}
}

// Comm handles communication with the goroutine that maintains the
// registrations of sessions.
type Comm struct {
	Pending chan struct{} // Receives block until changes come in, e.g. for IMAP IDLE.

	Account   string
	SessionID int64

	sync.Mutex
	changes []Change
}

// RegisterComm starts a Comm for a session of the account. Unregister must be
// called.
func RegisterComm(account string, sessionID int64) *Comm {
	c := &Comm{
		Pending:   make(chan struct{}, 1), // Buffered so Switchboard can just do a non-blocking send.
		Account:   account,
		SessionID: sessionID,
	}
	register <- c
	return c
}

// Unregister stops this Comm.
func (c *Comm) Unregister() {
	unregister <- c
}

// Get retrieves all pending changes. If no changes are pending a nil or empty list
// is returned.
func (c *Comm) Get() []Change {
	c.Lock()
	defer c.Unlock()
	l := c.changes
	c.changes = nil
	return l
}

// queueChanges adds changes to all Comms of the account, except those of
// sessionID. It returns when the changes have been queued, or when the
// switchboard is stopped.
func queueChanges(account string, sessionID int64, ch []Change) error {
	b := runningBoard()
	if b == nil {
		return ErrSwitchboardStopped
	}
	return b.queue(account, sessionID, ch)
}

func (b *board) queue(account string, sessionID int64, ch []Change) error {
	if len(ch) == 0 {
		return nil
	}
	if b.isStopped() {
		return ErrSwitchboardStopped
	}
	done := make(chan struct{}, 1)
	select {
	case b.broadcast <- changeReq{account, sessionID, ch, done}:
	case <-b.stopped:
		return ErrSwitchboardStopped
	}
	// A received request is always completed before the switchboard stops.
	<-done
	return nil
}

// wake signals all Comms of the account, without waiting for the switchboard.
func wake(account string) error {
	b := runningBoard()
	if b == nil {
		return fmt.Errorf("%w: waking sessions of account %q", ErrSwitchboardStopped, account)
	}
	return b.wake(account)
}

func (b *board) wake(account string) error {
	if b.isStopped() {
		return fmt.Errorf("%w: waking sessions of account %q", ErrSwitchboardStopped, account)
	}
	select {
	case b.wakec <- account:
		return nil
	case <-b.stopped:
		return fmt.Errorf("%w: waking sessions of account %q", ErrSwitchboardStopped, account)
	}
}

func (b *board) isStopped() bool {
	select {
	case <-b.stopped:
		return true
	default:
		return false
	}
}
