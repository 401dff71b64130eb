package mutate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/flagstore/flagstore-"
	"github.com/mjl-/flagstore/store"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare[T comparable](t *testing.T, got, exp T, msg string) {
	t.Helper()
	if got != exp {
		t.Fatalf("%s: got %v, expected %v", msg, got, exp)
	}
}

type testNotifier struct {
	sync.Mutex
	entries []store.ChangeEntry
	fired   []string
	fail    bool
}

func (n *testNotifier) AddEntries(ctx context.Context, acc *store.Account, sessionID, mailboxID int64, entries []store.ChangeEntry) error {
	n.Lock()
	defer n.Unlock()
	if n.fail {
		return errors.New("notifier failure")
	}
	n.entries = append(n.entries, entries...)
	return nil
}

func (n *testNotifier) Fire(account string) {
	n.Lock()
	defer n.Unlock()
	n.fired = append(n.fired, account)
}

type testEnv struct {
	t     *testing.T
	acc   *store.Account
	mb    store.Mailbox
	notif *testNotifier
	local Local
}

func newTestEnv(t *testing.T, specialUse store.SpecialUse) *testEnv {
	t.Helper()
	os.RemoveAll("../testdata/mutate/data")
	flagstore.ConfigStaticPath = "../testdata/mutate/flagstore.conf"
	flagstore.MustLoadConfig()
	acc, err := store.OpenAccount(pkglog, "mjl")
	tcheck(t, err, "open account")
	t.Cleanup(func() {
		err := acc.Close()
		tcheck(t, err, "closing account")
	})
	mb, err := acc.MailboxCreate(ctxbg, "Box", specialUse)
	tcheck(t, err, "create mailbox")
	notif := &testNotifier{}
	return &testEnv{t, acc, mb, notif, Local{Notifier: notif}}
}

func (e *testEnv) deliver(flags ...string) store.Message {
	e.t.Helper()
	m, err := e.acc.DeliverMessage(ctxbg, e.mb.ID, flags, 10)
	tcheck(e.t, err, "deliver")
	return m
}

func (e *testEnv) session() Session {
	e.t.Helper()
	_, uids, err := e.acc.MailboxUIDs(ctxbg, e.mb.ID)
	tcheck(e.t, err, "mailbox uids")
	return Session{ID: 1, Account: "mjl", UIDs: uids}
}

func (e *testEnv) mailbox() store.Mailbox {
	e.t.Helper()
	mb := store.Mailbox{ID: e.mb.ID}
	err := e.acc.DB.Get(ctxbg, &mb)
	tcheck(e.t, err, "get mailbox")
	return mb
}

func (e *testEnv) messages() []store.Message {
	e.t.Helper()
	q := bstore.QueryDB[store.Message](ctxbg, e.acc.DB)
	q.FilterNonzero(store.Message{MailboxID: e.mb.ID})
	q.SortAsc("UID")
	l, err := q.List()
	tcheck(e.t, err, "list messages")
	return l
}

func (e *testEnv) message(uid store.UID) store.Message {
	e.t.Helper()
	for _, m := range e.messages() {
		if m.UID == uid {
			return m
		}
	}
	e.t.Fatalf("no message with uid %d", uid)
	return store.Message{}
}

// checkDerived verifies the derived booleans of all messages match their flags.
func (e *testEnv) checkDerived() {
	e.t.Helper()
	for _, m := range e.messages() {
		if m.Unseen != !store.HasFlag(m.Flags, store.FlagSeen) ||
			m.Flagged != store.HasFlag(m.Flags, store.FlagFlagged) ||
			m.Undeleted != !store.HasFlag(m.Flags, store.FlagDeleted) ||
			m.Draft != store.HasFlag(m.Flags, store.FlagDraft) {
			e.t.Fatalf("derived booleans do not match flags for uid %d: %#v", m.UID, m)
		}
	}
}

func (e *testEnv) store(req Request) (Result, error) {
	e.t.Helper()
	if req.MailboxID == 0 {
		req.MailboxID = e.mb.ID
	}
	if req.Session.Account == "" {
		req.Session = e.session()
	}
	res, err := e.local.Store(ctxbg, req)
	tcompare(e.t, e.acc.Locks.Len(), 0, "mailbox locks after command")
	return res, err
}

func (e *testEnv) xstore(req Request) Result {
	e.t.Helper()
	res, err := e.store(req)
	tcheck(e.t, err, "store")
	if !res.Success {
		e.t.Fatalf("store not successful")
	}
	e.checkDerived()
	return res
}

func TestStoreAdd(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	e.deliver()
	e.deliver()
	e.deliver()
	prior := e.mailbox().ModifyIndex

	res := e.xstore(Request{Action: ActionAdd, Flags: []string{`\seen`}, Messages: []store.UID{1, 2}, IsUID: true})
	tcompare(t, res.ModSeq, int64(prior+1), "modseq")
	tcompare(t, len(res.Responses), 2, "responses")
	tcompare(t, len(res.Modified), 0, "modified")
	tcompare(t, res.Responses[0].Num, uint32(1), "response num")
	tcompare(t, res.Responses[0].Flags[0], store.FlagSeen, "canonical flag")
	tcompare(t, res.Responses[0].ModSeq, int64(0), "no modseq without condstore")

	for _, uid := range []store.UID{1, 2} {
		m := e.message(uid)
		if m.Unseen || !store.HasFlag(m.Flags, store.FlagSeen) {
			t.Fatalf("message %d not seen: %#v", uid, m)
		}
		tcompare(t, m.ModSeq, prior+1, "message modseq")
	}
	m3 := e.message(3)
	if !m3.Unseen || len(m3.Flags) != 0 || m3.ModSeq > prior {
		t.Fatalf("message 3 changed: %#v", m3)
	}
	tcompare(t, e.mailbox().ModifyIndex, prior+1, "mailbox modify index")
	tcompare(t, len(e.notif.entries), 2, "change entries")
	tcompare(t, e.notif.entries[0].ModSeq, prior+1, "change entry modseq")
	tcompare(t, e.notif.entries[0].Command, store.CommandStore, "change entry command")
	tcompare(t, len(e.notif.fired), 1, "fired")

	// Adding again changes nothing.
	res = e.xstore(Request{Action: ActionAdd, Flags: []string{`\Seen`}, Messages: []store.UID{1, 2}, IsUID: true})
	tcompare(t, res.ModSeq, int64(0), "modseq for unchanged")
	tcompare(t, len(res.Responses), 0, "responses for unchanged")
	tcompare(t, e.mailbox().ModifyIndex, prior+1, "modify index after no-op")
	tcompare(t, len(e.notif.entries), 2, "no new change entries")
	tcompare(t, len(e.notif.fired), 1, "not fired again")
}

func TestStoreSharedModSeq(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	for i := 0; i < 5; i++ {
		e.deliver()
	}
	prior := e.mailbox().ModifyIndex
	res := e.xstore(Request{Action: ActionSet, Flags: []string{`\Flagged`, "$Important"}, All: true, IsUID: true})
	tcompare(t, len(res.Responses), 5, "responses")
	for _, m := range e.messages() {
		tcompare(t, m.ModSeq, prior+1, "modseq of message")
		tcompare(t, m.Flagged, true, "flagged")
	}
	tcompare(t, e.mailbox().ModifyIndex, prior+1, "modify index")

	mb := e.mailbox()
	if len(mb.Flags) != 1 || mb.Flags[0] != "$Important" {
		t.Fatalf("mailbox vocabulary %v, expected [$Important]", mb.Flags)
	}
	last := e.notif.entries[len(e.notif.entries)-1]
	tcompare(t, last.Command, store.CommandMailboxFlags, "vocabulary change entry")
}

func TestStoreRemove(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	e.deliver(`\Seen`, `\Flagged`, `\Draft`, "$label")
	e.deliver(`\Seen`)

	res := e.xstore(Request{Action: ActionRemove, Flags: []string{`\flagged`, `\draft`, "$LABEL", "$absent"}, Messages: []store.UID{1, 2}, IsUID: true})
	tcompare(t, len(res.Responses), 1, "responses, only message 1 changed")
	m := e.message(1)
	if len(m.Flags) != 1 || m.Flags[0] != store.FlagSeen || m.Flagged || m.Draft || m.Unseen {
		t.Fatalf("message after remove: %#v", m)
	}

	// Remove never grows the vocabulary.
	mb := e.mailbox()
	tcompare(t, len(mb.Flags), 1, "vocabulary")
}

func TestStoreReplaceUnchanged(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	e.deliver(`\Seen`, "$a")
	e.deliver(`\Seen`, "$a")
	prior := e.mailbox().ModifyIndex

	res := e.xstore(Request{Action: ActionSet, Flags: []string{"$A", `\SEEN`}, All: true})
	tcompare(t, len(res.Responses), 0, "responses")
	tcompare(t, res.ModSeq, int64(0), "modseq")
	tcompare(t, e.mailbox().ModifyIndex, prior, "modify index")
	tcompare(t, len(e.notif.entries), 0, "change entries")
	tcompare(t, len(e.notif.fired), 0, "fired")
	// Stored case is kept.
	tcompare(t, e.message(1).Flags[1], "$a", "stored flag")
}

func TestStoreReplace(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	e.deliver(`\Seen`, `\Deleted`)
	e.deliver(`\Flagged`)

	e.xstore(Request{Action: ActionSet, Flags: []string{`\Draft`, `\Draft`}, All: true})
	for _, m := range e.messages() {
		if len(m.Flags) != 1 || !m.Draft || !m.Unseen || m.Flagged || !m.Undeleted {
			t.Fatalf("message after replace: %#v", m)
		}
	}
	// Undeleted by replace in regular mailbox becomes searchable again.
	tcompare(t, e.message(1).Searchable, true, "searchable")

	e.xstore(Request{Action: ActionSet, Flags: []string{`\Deleted`}, Messages: []store.UID{2}, IsUID: true})
	tcompare(t, e.message(2).Searchable, false, "searchable after deleted")
}

func TestStoreTrash(t *testing.T) {
	for _, su := range []store.SpecialUse{store.SpecialUseNone, store.SpecialUseTrash, store.SpecialUseJunk} {
		t.Run(fmt.Sprintf("specialuse=%q", su), func(t *testing.T) {
			e := newTestEnv(t, su)
			e.deliver(`\Deleted`)
			tcompare(t, e.message(1).Searchable, false, "deleted message searchable")

			e.xstore(Request{Action: ActionRemove, Flags: []string{`\Deleted`}, All: true})
			m := e.message(1)
			tcompare(t, m.Undeleted, true, "undeleted")
			tcompare(t, m.Searchable, su == store.SpecialUseNone, "searchable")

			e.xstore(Request{Action: ActionAdd, Flags: []string{`\Deleted`}, All: true})
			tcompare(t, e.message(1).Searchable, false, "searchable after delete")
		})
	}
}

func TestStoreUnchangedSince(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	e.deliver() // modseq 1
	e.deliver() // modseq 2
	e.deliver() // modseq 3
	e.deliver() // modseq 4

	// Bump message 3 to modseq 5.
	e.xstore(Request{Action: ActionAdd, Flags: []string{"$x"}, Messages: []store.UID{3}, IsUID: true})

	guard := int64(2)
	sess := e.session()
	sess.Condstore = true
	res := e.xstore(Request{Action: ActionAdd, Flags: []string{`\Seen`}, All: true, IsUID: true, UnchangedSince: &guard, Session: sess})
	if len(res.Modified) != 2 || res.Modified[0] != 3 || res.Modified[1] != 4 {
		t.Fatalf("modified %v, expected [3 4]", res.Modified)
	}
	tcompare(t, res.ModifiedSet(), "3:4", "modified set")
	tcompare(t, len(res.Responses), 2, "responses")
	tcompare(t, res.Responses[0].ModSeq, int64(6), "modseq in response with condstore")
	for _, uid := range []store.UID{3, 4} {
		if store.HasFlag(e.message(uid).Flags, store.FlagSeen) {
			t.Fatalf("message %d changed despite unchangedsince", uid)
		}
	}
	tcompare(t, e.message(1).Unseen, false, "message 1 seen")

	// Guard 0 conflicts with every message.
	zero := int64(0)
	res = e.xstore(Request{Action: ActionAdd, Flags: []string{`\Flagged`}, All: true, UnchangedSince: &zero})
	tcompare(t, len(res.Modified), 4, "modified with guard 0")
	tcompare(t, res.ModifiedSet(), "1:4", "modified set")
	tcompare(t, len(res.Responses), 0, "responses with guard 0")
}

func TestStoreSequence(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	for i := 0; i < 5; i++ {
		e.deliver()
	}
	// Make UIDs differ from sequence numbers: session that does not know UID 1 and 2.
	sess := e.session()
	sess.UIDs = sess.UIDs[2:] // UIDs 3,4,5 are sequence 1,2,3.

	res := e.xstore(Request{Action: ActionAdd, Flags: []string{`\Answered`}, Messages: []store.UID{1, 3}, Session: sess})
	if len(res.Responses) != 2 || res.Responses[0].Num != 1 || res.Responses[0].UID != 3 || res.Responses[1].Num != 3 || res.Responses[1].UID != 5 {
		t.Fatalf("responses %#v", res.Responses)
	}
	if store.HasFlag(e.message(4).Flags, store.FlagAnswered) {
		t.Fatalf("message 4 changed")
	}

	// All messages known to the session, messages not known are skipped.
	res = e.xstore(Request{Action: ActionAdd, Flags: []string{`\Flagged`}, Messages: []store.UID{3, 2, 1}, Session: sess})
	tcompare(t, len(res.Responses), 3, "responses")
	if e.message(1).Flagged || e.message(2).Flagged {
		t.Fatalf("message unknown to session changed")
	}

	guard := int64(1)
	res = e.xstore(Request{Action: ActionAdd, Flags: []string{`\Draft`}, Messages: []store.UID{2, 3}, UnchangedSince: &guard, Session: sess})
	tcompare(t, res.ModifiedSet(), "2:3", "modified sequence numbers")

	_, err := e.store(Request{Action: ActionAdd, Flags: []string{`\Draft`}, Messages: []store.UID{4}, Session: sess})
	var uerr *UserError
	if !errors.As(err, &uerr) {
		t.Fatalf("got err %v, expected user error for bad sequence number", err)
	}
}

func TestStoreSilent(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	e.deliver()

	res := e.xstore(Request{Action: ActionAdd, Flags: []string{`\Seen`}, All: true, Silent: true})
	tcompare(t, len(res.Responses), 0, "responses for silent")
	tcompare(t, e.message(1).Unseen, false, "silent still stores")

	sess := e.session()
	sess.Condstore = true
	res = e.xstore(Request{Action: ActionAdd, Flags: []string{`\Flagged`}, All: true, Silent: true, Session: sess})
	tcompare(t, len(res.Responses), 1, "responses for silent with condstore")
	if res.Responses[0].Flags != nil || res.Responses[0].ModSeq == 0 {
		t.Fatalf("silent condstore response %#v, expected modseq without flags", res.Responses[0])
	}
}

func TestStoreVocabularyLimit(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	var flags []string
	for i := 0; i < store.MaxMailboxFlags-2; i++ {
		flags = append(flags, fmt.Sprintf("$f%d", i))
	}
	e.deliver(flags...)
	e.deliver()
	beforeMb := e.mailbox()
	beforeMsgs := e.messages()

	_, err := e.store(Request{Action: ActionAdd, Flags: []string{`\Seen`, "$new1", "$new2"}, All: true})
	var uerr *UserError
	if !errors.As(err, &uerr) || uerr.Code != CodeLimit || !errors.Is(err, store.ErrVocabularyFull) {
		t.Fatalf("got err %v, expected LIMIT user error", err)
	}

	afterMb := e.mailbox()
	tcompare(t, afterMb.ModifyIndex, beforeMb.ModifyIndex, "modify index")
	tcompare(t, len(afterMb.Flags), len(beforeMb.Flags), "vocabulary")
	for i, m := range e.messages() {
		tcompare(t, m.ModSeq, beforeMsgs[i].ModSeq, "message modseq")
		tcompare(t, len(m.Flags), len(beforeMsgs[i].Flags), "message flags")
		tcompare(t, m.Unseen, true, "message unseen")
	}
	tcompare(t, len(e.notif.entries), 0, "change entries")

	// Remove is not limited.
	e.xstore(Request{Action: ActionRemove, Flags: []string{"$f0", "$new1"}, All: true})

	// One more flag still fits.
	e.xstore(Request{Action: ActionAdd, Flags: []string{"$new1"}, Messages: []store.UID{2}, IsUID: true})
	tcompare(t, len(e.mailbox().Flags), store.MaxMailboxFlags-1, "vocabulary at capacity")
}

// A command that only grows the vocabulary, because all messages conflict,
// still gets a modseq for the mailbox flags change.
func TestStoreVocabularyOnly(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	e.deliver()
	prior := e.mailbox().ModifyIndex

	zero := int64(0)
	res := e.xstore(Request{Action: ActionAdd, Flags: []string{"$new"}, All: true, UnchangedSince: &zero})
	tcompare(t, res.ModifiedSet(), "1", "modified set")
	tcompare(t, len(res.Responses), 0, "responses")
	tcompare(t, res.ModSeq, int64(prior+1), "modseq")

	mb := e.mailbox()
	tcompare(t, mb.ModifyIndex, prior+1, "modify index")
	tcompare(t, len(mb.Flags), 1, "vocabulary")
	tcompare(t, e.message(1).ModSeq <= prior, true, "message unchanged")

	tcompare(t, len(e.notif.entries), 1, "change entries")
	tcompare(t, e.notif.entries[0].Command, store.CommandMailboxFlags, "change entry command")
	tcompare(t, e.notif.entries[0].ModSeq, prior+1, "change entry modseq")

	// Entries are journaled by the notifier, the default one writes them.
	err := store.Notifier{}.AddEntries(ctxbg, e.acc, 1, e.mb.ID, e.notif.entries)
	if err != nil && !errors.Is(err, store.ErrSwitchboardStopped) {
		tcheck(t, err, "add entries")
	}
	l, err := e.acc.JournalSince(ctxbg, e.mb.ID, prior)
	tcheck(t, err, "journal")
	tcompare(t, len(l), 1, "journal entries after prior modseq")
}

func TestStoreErrors(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	e.deliver()

	var uerr *UserError
	_, err := e.store(Request{MailboxID: e.mb.ID + 10, Action: ActionAdd, Flags: []string{`\Seen`}, All: true})
	if !errors.As(err, &uerr) || uerr.Code != CodeNonexistent {
		t.Fatalf("got err %v, expected NONEXISTENT", err)
	}

	_, err = e.store(Request{Action: ActionAdd, Flags: []string{`\Recent`}, All: true})
	if !errors.As(err, &uerr) || uerr.Code != CodeCannot {
		t.Fatalf("got err %v, expected CANNOT", err)
	}

	_, err = e.store(Request{Action: ActionAdd, Flags: []string{"a b"}, All: true})
	if !errors.As(err, &uerr) || uerr.Code != CodeCannot {
		t.Fatalf("got err %v, expected CANNOT", err)
	}

	_, err = e.store(Request{Action: ActionAdd, Flags: []string{`\Seen`}, All: true, Session: Session{ID: 1, Account: "bogus"}})
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("got err %v, expected ErrSessionInvalid", err)
	}

	refreshErr := errors.New("session gone")
	x := Local{Refresh: func(ctx context.Context, sess Session) error { return refreshErr }, Notifier: e.notif}
	_, err = x.Store(ctxbg, Request{MailboxID: e.mb.ID, Action: ActionAdd, Flags: []string{`\Seen`}, All: true, Session: e.session()})
	if !errors.Is(err, refreshErr) {
		t.Fatalf("got err %v, expected refresh error", err)
	}
	tcompare(t, e.message(1).Unseen, true, "unchanged after refresh failure")
}

func TestStoreUnknownAction(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	e.deliver()

	func() {
		defer func() {
			x := recover()
			if x == nil {
				t.Fatalf("no panic for unknown action")
			}
		}()
		e.local.Store(ctxbg, Request{MailboxID: e.mb.ID, Action: "toggle", Flags: []string{`\Seen`}, All: true, Session: e.session()})
	}()
	tcompare(t, e.acc.Locks.Len(), 0, "mailbox locks")
}

func TestStoreNotifierFailure(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	e.deliver()
	e.notif.fail = true

	res := e.xstore(Request{Action: ActionAdd, Flags: []string{`\Seen`}, All: true})
	tcompare(t, len(res.Responses), 1, "responses despite notifier failure")
	tcompare(t, len(e.notif.fired), 1, "fired")
}

func TestStoreBroadcast(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	defer store.Switchboard()()
	e.deliver()

	self := store.RegisterComm("mjl", 1)
	defer self.Unregister()
	other := store.RegisterComm("mjl", 2)
	defer other.Unregister()

	x := Local{} // Default notifier.
	sess := e.session()
	_, err := x.Store(ctxbg, Request{MailboxID: e.mb.ID, Action: ActionAdd, Flags: []string{`\Seen`, "$label"}, All: true, Session: sess})
	tcheck(t, err, "store")

	select {
	case <-other.Pending:
	case <-time.After(5 * time.Second):
		t.Fatalf("other session not notified")
	}
	changes := other.Get()
	tcompare(t, len(changes), 2, "changes")
	if ch, ok := changes[0].(store.ChangeFlags); !ok || ch.UID != 1 {
		t.Fatalf("unexpected change %#v", changes[0])
	}
	if _, ok := changes[1].(store.ChangeMailboxFlags); !ok {
		t.Fatalf("unexpected change %#v", changes[1])
	}
	tcompare(t, len(self.Get()), 0, "changes for originating session")

	l, err := e.acc.JournalSince(ctxbg, e.mb.ID, 1)
	tcheck(t, err, "journal")
	tcompare(t, len(l), 2, "journal entries")
}

func TestStoreConcurrent(t *testing.T) {
	e := newTestEnv(t, store.SpecialUseNone)
	for i := 0; i < 10; i++ {
		e.deliver()
	}
	prior := e.mailbox().ModifyIndex
	sess := e.session()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			flag := fmt.Sprintf("$c%d", i)
			_, err := e.local.Store(ctxbg, Request{MailboxID: e.mb.ID, Action: ActionAdd, Flags: []string{flag}, All: true, Session: sess})
			if err != nil {
				t.Errorf("store: %v", err)
			}
		}(i)
	}
	wg.Wait()

	tcompare(t, e.mailbox().ModifyIndex, prior+10, "modify index after concurrent commands")
	for _, m := range e.messages() {
		tcompare(t, len(m.Flags), 10, "flags of message")
		tcompare(t, m.ModSeq, prior+10, "modseq of message")
	}
	tcompare(t, e.acc.Locks.Len(), 0, "mailbox locks")
}
