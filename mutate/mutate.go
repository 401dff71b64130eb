// Package mutate implements the IMAP STORE command: changing flags of a set of
// messages in a mailbox, with CONDSTORE modification sequence checks, growth of
// the custom flag vocabulary of the mailbox, and notification of other
// sessions.
//
// Commands are executed by an Executor. Local runs them against the account
// database, worker.Client forwards them to another instance. A Dispatcher picks
// the executor for each request through a Router.
package mutate

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/mjl-/flagstore/mlog"
	"github.com/mjl-/flagstore/store"
)

var pkglog = mlog.New("mutate", nil)

// Action is the kind of flag change.
type Action string

const (
	ActionSet    Action = "set"    // Replace flags, "FLAGS".
	ActionAdd    Action = "add"    // Add flags, "+FLAGS".
	ActionRemove Action = "remove" // Remove flags, "-FLAGS".
)

// Valid returns whether a is one of the known actions.
func (a Action) Valid() bool {
	return a == ActionSet || a == ActionAdd || a == ActionRemove
}

// Session is the state of a connection that a STORE command needs. It is sent
// along with forwarded requests.
type Session struct {
	ID        int64 // Unique for the connection, changes are not sent back to it.
	Account   string
	UIDs      []store.UID // Messages in the selected mailbox known to the session, in increasing order.
	Condstore bool        // Whether CONDSTORE is enabled, MODSEQ is included in responses.
}

// seq returns the 1-based sequence number of uid in the session, or 0.
func (s Session) seq(uid store.UID) uint32 {
	i, ok := slices.BinarySearch(s.UIDs, uid)
	if !ok {
		return 0
	}
	return uint32(i + 1)
}

// Request is a STORE command for a mailbox.
type Request struct {
	MailboxID int64
	Action    Action
	Flags     []string

	// UIDs, or sequence numbers if IsUID is false. Ignored when All is set.
	Messages []store.UID

	// All messages known to the session, e.g. "1:*".
	All bool

	IsUID  bool // UID STORE.
	Silent bool // FLAGS.SILENT, no FETCH responses unless CONDSTORE is enabled.

	// If set, messages with a higher modseq are not changed, but returned in
	// Result.Modified.
	UnchangedSince *int64

	Session Session
}

// FetchResponse is an untagged FETCH response for a changed message.
type FetchResponse struct {
	Num    uint32    // UID or sequence number, depending on the addressing of the request.
	UID    store.UID //
	Flags  []string  // Nil for silent requests.
	ModSeq int64     // Only set if CONDSTORE is enabled for the session.
}

// Result is the outcome of a STORE command. For forwarded requests, the
// result from the worker is returned unchanged.
type Result struct {
	Success bool

	// Messages not changed because of UnchangedSince. UIDs or sequence numbers,
	// depending on the addressing of the request, in increasing order.
	Modified []store.UID

	Responses []FetchResponse

	// ModSeq assigned to the changed messages. Zero if nothing changed.
	ModSeq int64
}

// ModifiedSet returns Modified in IMAP sequence set syntax, e.g. "1:3,7", for
// the MODIFIED response code. Empty if no messages were modified.
func (r Result) ModifiedSet() string {
	return compactUIDSet(r.Modified).String()
}

// Executor executes STORE commands. Local and remote executors give the same
// results for the same requests.
type Executor interface {
	Store(ctx context.Context, req Request) (Result, error)
}

// Router returns the Executor for a request.
type Router interface {
	Route(req Request) Executor
}

// RouterFunc is a function implementing Router.
type RouterFunc func(req Request) Executor

func (f RouterFunc) Route(req Request) Executor {
	return f(req)
}

var ErrNoExecutor = errors.New("no executor for request")

// Dispatcher executes requests with the Executor chosen by Router.
type Dispatcher struct {
	Router Router
}

// Store executes req with the routed executor.
func (d Dispatcher) Store(ctx context.Context, req Request) (Result, error) {
	x := d.Router.Route(req)
	if x == nil {
		return Result{}, fmt.Errorf("%w: account %q", ErrNoExecutor, req.Session.Account)
	}
	return x.Store(ctx, req)
}
