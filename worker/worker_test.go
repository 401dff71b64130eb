package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/flagstore/config"
	"github.com/mjl-/flagstore/flagstore-"
	"github.com/mjl-/flagstore/mutate"
	"github.com/mjl-/flagstore/ratelimit"
	"github.com/mjl-/flagstore/store"
)

var ctxbg = context.Background()

const testPassword = "test1234"

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

type testEnv struct {
	t      *testing.T
	acc    *store.Account
	local  mutate.Local
	server *httptest.Server
	client Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	os.RemoveAll("../testdata/worker/data")
	flagstore.ConfigStaticPath = "../testdata/worker/flagstore.conf"
	flagstore.MustLoadConfig()

	acc, err := store.OpenAccount(pkglog, "mjl")
	tcheck(t, err, "open account")
	t.Cleanup(func() {
		err := acc.Close()
		tcheck(t, err, "closing account")
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	tcheck(t, err, "hash password")

	local := mutate.Local{Notifier: store.Notifier{Log: pkglog}}
	h, err := NewHandler(local, string(hash))
	tcheck(t, err, "new handler")
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := Client{BaseURL: server.URL + Path, Password: testPassword, HTTPClient: server.Client()}
	return &testEnv{t, acc, local, server, client}
}

// mailbox creates a mailbox with messages with flags.
func (e *testEnv) mailbox(name string, flags ...[]string) (store.Mailbox, mutate.Session) {
	e.t.Helper()
	mb, err := e.acc.MailboxCreate(ctxbg, name, "")
	tcheck(e.t, err, "create mailbox")
	for _, l := range flags {
		_, err := e.acc.DeliverMessage(ctxbg, mb.ID, l, 100)
		tcheck(e.t, err, "deliver")
	}
	_, uids, err := e.acc.MailboxUIDs(ctxbg, mb.ID)
	tcheck(e.t, err, "mailbox uids")
	return mb, mutate.Session{ID: 1, Account: "mjl", UIDs: uids, Condstore: true}
}

func TestSameResult(t *testing.T) {
	e := newTestEnv(t)

	msgs := [][]string{{`\Seen`}, nil, {"$Junk"}, {`\Flagged`, `\Seen`}}
	mbLocal, sessLocal := e.mailbox("Local", msgs...)
	mbRemote, sessRemote := e.mailbox("Remote", msgs...)

	// Make the last message look changed to get a MODIFIED response.
	for _, mb := range []store.Mailbox{mbLocal, mbRemote} {
		_, err := e.local.Store(ctxbg, mutate.Request{MailboxID: mb.ID, Action: mutate.ActionAdd, Flags: []string{"$x"}, Messages: []store.UID{4}, IsUID: true, Session: mutate.Session{ID: 2, Account: "mjl"}})
		tcheck(t, err, "store")
	}

	since := int64(4)
	reqs := []mutate.Request{
		{Action: mutate.ActionAdd, Flags: []string{`\Seen`, "$Custom"}, All: true, UnchangedSince: &since},
		{Action: mutate.ActionRemove, Flags: []string{`\seen`}, Messages: []store.UID{1, 2, 3}},
		{Action: mutate.ActionSet, Flags: []string{`\Draft`}, Messages: []store.UID{2, 4}, IsUID: true, Silent: true},
		{Action: mutate.ActionSet, Flags: []string{`\Draft`}, Messages: []store.UID{2, 4}, IsUID: true},
	}
	for i, req := range reqs {
		lreq := req
		lreq.MailboxID = mbLocal.ID
		lreq.Session = sessLocal
		lres, lerr := e.local.Store(ctxbg, lreq)

		rreq := req
		rreq.MailboxID = mbRemote.ID
		rreq.Session = sessRemote
		rres, rerr := e.client.Store(ctxbg, rreq)

		tcheck(t, lerr, "local store")
		tcheck(t, rerr, "remote store")
		if !reflect.DeepEqual(lres, rres) {
			t.Fatalf("request %d: local result %#v, remote result %#v", i, lres, rres)
		}
	}

	// Vocabulary on both mailboxes grew the same way.
	lmb := store.Mailbox{ID: mbLocal.ID}
	rmb := store.Mailbox{ID: mbRemote.ID}
	tcheck(t, e.acc.DB.Get(ctxbg, &lmb), "get mailbox")
	tcheck(t, e.acc.DB.Get(ctxbg, &rmb), "get mailbox")
	if !reflect.DeepEqual(lmb.Flags, rmb.Flags) || lmb.ModifyIndex != rmb.ModifyIndex {
		t.Fatalf("local mailbox %#v, remote mailbox %#v", lmb, rmb)
	}
}

func TestUserErrors(t *testing.T) {
	e := newTestEnv(t)
	mb, sess := e.mailbox("Inbox", nil)

	check := func(req mutate.Request, code string) {
		t.Helper()
		_, err := e.client.Store(ctxbg, req)
		var uerr *mutate.UserError
		if !errors.As(err, &uerr) {
			t.Fatalf("got err %v, expected user error", err)
		}
		tcompare(t, uerr.Code, code, "response code")

		// Same as local execution.
		_, lerr := e.local.Store(ctxbg, req)
		if lerr == nil || lerr.Error() != err.Error() {
			t.Fatalf("local err %v, remote err %v", lerr, err)
		}
	}

	check(mutate.Request{MailboxID: mb.ID + 100, Action: mutate.ActionAdd, Flags: []string{`\Seen`}, All: true, Session: sess}, mutate.CodeNonexistent)
	check(mutate.Request{MailboxID: mb.ID, Action: mutate.ActionAdd, Flags: []string{`\Recent`}, All: true, Session: sess}, mutate.CodeCannot)
	check(mutate.Request{MailboxID: mb.ID, Action: mutate.ActionAdd, Messages: []store.UID{2}, Session: sess}, "")

	var l []string
	for i := 0; i < store.MaxMailboxFlags; i++ {
		l = append(l, "$f"+strings.Repeat("x", i))
	}
	check(mutate.Request{MailboxID: mb.ID, Action: mutate.ActionAdd, Flags: l, All: true, Session: sess}, mutate.CodeLimit)

	// Unknown actions are rejected by the API, executors would panic.
	_, err := e.client.Store(ctxbg, mutate.Request{MailboxID: mb.ID, Action: "bogus", All: true, Session: sess})
	var uerr *mutate.UserError
	if !errors.As(err, &uerr) || uerr.Code != "" {
		t.Fatalf("got err %v, expected user error without code", err)
	}
}

func TestAuth(t *testing.T) {
	e := newTestEnv(t)
	mb, sess := e.mailbox("Inbox", nil)
	req := mutate.Request{MailboxID: mb.ID, Action: mutate.ActionAdd, Flags: []string{`\Seen`}, All: true, Session: sess}

	c := e.client
	c.Password = "bogus"
	_, err := c.Store(ctxbg, req)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("got err %v, expected http 401", err)
	}

	hreq, err := http.NewRequest("POST", e.client.BaseURL+"Store", strings.NewReader(`{"params":[]}`))
	tcheck(t, err, "new request")
	hreq.Header.Set("Content-Type", "application/json")
	hreq.SetBasicAuth("other", testPassword)
	resp, err := e.server.Client().Do(hreq)
	tcheck(t, err, "http request")
	resp.Body.Close()
	tcompare(t, resp.StatusCode, http.StatusUnauthorized, "status for bad username")

	// Nothing was changed.
	m := store.Message{ID: 1}
	err = e.acc.DB.Get(ctxbg, &m)
	tcheck(t, err, "get message")
	tcompare(t, m.Unseen, true, "unseen")

	// Too many failed attempts are rejected before checking credentials.
	orig := LimiterFailedAuth
	defer func() {
		LimiterFailedAuth = orig
	}()
	LimiterFailedAuth = &ratelimit.Limiter{Windows: []ratelimit.Window{{Duration: time.Hour, Limits: [...]int64{2, 2, 2}}}}
	_, err = c.Store(ctxbg, req)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("got err %v, expected http 401", err)
	}
	_, err = c.Store(ctxbg, req)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("got err %v, expected http 401", err)
	}
	_, err = e.client.Store(ctxbg, req)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("got err %v, expected http 429", err)
	}
}

func TestTransportError(t *testing.T) {
	e := newTestEnv(t)
	mb, sess := e.mailbox("Inbox", nil)

	e.server.Close()
	_, err := e.client.Store(ctxbg, mutate.Request{MailboxID: mb.ID, Action: mutate.ActionAdd, Flags: []string{`\Seen`}, All: true, Session: sess})
	if err == nil {
		t.Fatalf("store succeeded with worker down")
	}
	var uerr *mutate.UserError
	if errors.As(err, &uerr) {
		t.Fatalf("got user error %v, expected transport error", err)
	}

	// Not executed locally instead.
	xmb := store.Mailbox{ID: mb.ID}
	tcheck(t, e.acc.DB.Get(ctxbg, &xmb), "get mailbox")
	tcompare(t, xmb.ModifyIndex, mb.ModifyIndex+1, "modify index, only bumped by delivery")
}

func TestRouter(t *testing.T) {
	e := newTestEnv(t)

	r := NewRouter(e.local)
	if _, ok := r.Route(mutate.Request{Session: mutate.Session{Account: "mjl"}}).(mutate.Local); !ok {
		t.Fatalf("local account not routed to local executor")
	}
	x := r.Route(mutate.Request{Session: mutate.Session{Account: "remote"}})
	c, ok := x.(Client)
	if !ok {
		t.Fatalf("remote account routed to %T, expected Client", x)
	}
	tcompare(t, c.BaseURL, "http://127.0.0.1:1143/worker/", "base url")
	tcompare(t, c.Password, testPassword, "password")
	if x := r.Route(mutate.Request{Session: mutate.Session{Account: "bogus"}}); x != nil {
		t.Fatalf("unknown account routed to %T", x)
	}
}

func TestServe(t *testing.T) {
	e := newTestEnv(t)

	wln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	mln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	tcheck(t, err, "hash password")
	h, err := NewHandler(e.local, string(hash))
	tcheck(t, err, "new handler")

	ctx, cancel := context.WithCancel(ctxbg)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, []listener{
			{"worker", wln, h, 10 * time.Second},
			{"metrics", mln, metricsHandler(), 10 * time.Second},
		})
	}()

	mb, sess := e.mailbox("Inbox", nil)
	c := Client{BaseURL: "http://" + wln.Addr().String() + Path, Password: testPassword}
	res, err := c.Store(ctxbg, mutate.Request{MailboxID: mb.ID, Action: mutate.ActionAdd, Flags: []string{`\Seen`}, All: true, Session: sess})
	tcheck(t, err, "store")
	tcompare(t, len(res.Responses), 1, "responses")

	resp, err := http.Get("http://" + mln.Addr().String() + "/metrics")
	tcheck(t, err, "get metrics")
	resp.Body.Close()
	tcompare(t, resp.StatusCode, http.StatusOK, "metrics status")

	cancel()
	select {
	case err := <-done:
		tcheck(t, err, "serve")
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

// Serve with a configured worker listener must start the sherpa handler and
// execute commands.
func TestServeConfig(t *testing.T) {
	e := newTestEnv(t)

	_, err := NewHandler(mutate.Local{}, "")
	tcheck(t, err, "new handler with plain executor")

	// Find a free port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	tcheck(t, err, "hash password")
	static := config.Static{
		Worker: &config.Worker{IP: "127.0.0.1", Port: port, MaxConnections: 10, RequestTimeoutSecs: 10, PasswordHash: string(hash)},
	}

	ctx, cancel := context.WithCancel(ctxbg)
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, static, e.local)
	}()

	mb, sess := e.mailbox("Inbox", nil)
	c := Client{BaseURL: fmt.Sprintf("http://127.0.0.1:%d%s", port, Path), Password: testPassword}
	var res mutate.Result
	for i := 0; ; i++ {
		res, err = c.Store(ctxbg, mutate.Request{MailboxID: mb.ID, Action: mutate.ActionAdd, Flags: []string{`\Seen`}, All: true, Session: sess})
		if err == nil || i == 50 {
			break
		}
		select {
		case err := <-done:
			t.Fatalf("serve stopped: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
	}
	tcheck(t, err, "store")
	tcompare(t, len(res.Responses), 1, "responses")

	cancel()
	select {
	case err := <-done:
		tcheck(t, err, "serve")
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestMailbox(t *testing.T) {
	e := newTestEnv(t)
	e.mailbox("Inbox", []string{`\Seen`, "$Todo"}, nil)

	lmb, err := OpenMailbox(ctxbg, pkglog, "mjl", "Inbox")
	tcheck(t, err, "open mailbox")
	rmb, err := e.client.Mailbox(ctxbg, "mjl", "Inbox")
	tcheck(t, err, "remote mailbox")
	if !reflect.DeepEqual(lmb, rmb) {
		t.Fatalf("local mailbox %#v, remote mailbox %#v", lmb, rmb)
	}
	tcompare(t, len(rmb.UIDs), 2, "uids")
	tcompare(t, rmb.ModSeq, int64(2), "modseq")
	tcompare(t, len(rmb.Flags), 1, "vocabulary")

	_, err = e.client.Mailbox(ctxbg, "mjl", "Bogus")
	var uerr *mutate.UserError
	if !errors.As(err, &uerr) || uerr.Code != mutate.CodeNonexistent {
		t.Fatalf("got err %v, expected user error with code nonexistent", err)
	}

	_, err = LookupMailbox(ctxbg, pkglog, "bogus", "Inbox")
	if !errors.Is(err, store.ErrAccountUnknown) {
		t.Fatalf("got err %v, expected ErrAccountUnknown", err)
	}
	mb, err := LookupMailbox(ctxbg, pkglog, "mjl", "Inbox")
	tcheck(t, err, "lookup local mailbox")
	tcompare(t, mb.ID, lmb.ID, "mailbox id")
}
