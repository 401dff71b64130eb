// Package worker executes STORE commands on behalf of other instances.
//
// The API is a sherpa HTTP API, protected with HTTP basic authentication. The
// Client implements mutate.Executor by forwarding requests to a worker, so
// mailboxes of an account can be served by another instance than the one the
// IMAP connection is on.
package worker

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/flagstore/flagstore-"
	"github.com/mjl-/flagstore/flagvar"
	"github.com/mjl-/flagstore/metrics"
	"github.com/mjl-/flagstore/mlog"
	"github.com/mjl-/flagstore/mutate"
	"github.com/mjl-/flagstore/ratelimit"
)

var pkglog = mlog.New("worker", nil)

// Username for HTTP basic authentication to the worker API.
const Username = "flagstore"

// Path the API is served at.
const Path = "/worker/"

// Error codes in sherpa errors. User errors carry the response code of the
// failed command, e.g. "user:LIMIT".
const (
	codeUser   = "user:"
	codeError  = "user:error" // User error without response code.
	codeServer = "server:error"
)

var collector *sherpaprom.Collector

// LimiterFailedAuth limits failed authentication attempts per remote IP.
var LimiterFailedAuth = &ratelimit.Limiter{
	Windows: []ratelimit.Window{
		{
			// Max 10 failures/minute for the IP, 30 for its /26, 90 for its /21.
			Duration: time.Minute,
			Limits:   [...]int64{10, 30, 90},
		},
		{
			Duration: 24 * time.Hour,
			Limits:   [...]int64{50, 150, 450},
		},
	},
}

func init() {
	var err error
	collector, err = sherpaprom.NewCollector("flagstoreworker", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}
}

// API exports the functions of the worker under Path.
type API struct {
	executor mutate.Executor // Typically mutate.Local. Unexported, sherpa treats exported fields as sections.
}

// Store executes a STORE command. User errors, e.g. an unknown mailbox, have an
// error code starting with "user:", followed by the response code of the
// command.
func (x API) Store(ctx context.Context, req mutate.Request) (mutate.Result, error) {
	log := pkglog.WithContext(ctx)

	// Executors panic on unknown actions, reject them before that can happen.
	if !req.Action.Valid() {
		return mutate.Result{}, &sherpa.Error{Code: codeError, Message: fmt.Sprintf("unknown action %q", req.Action)}
	}

	res, err := x.executor.Store(ctx, req)
	if err != nil {
		return mutate.Result{}, sherpaError(log.With(slog.String("account", req.Session.Account), slog.Int64("mailboxid", req.MailboxID)), "store", err)
	}
	return res, nil
}

// Mailbox returns the state of a mailbox, for a session selecting it.
func (x API) Mailbox(ctx context.Context, account, name string) (Mailbox, error) {
	log := pkglog.WithContext(ctx).With(slog.String("account", account))
	mb, err := OpenMailbox(ctx, log, account, name)
	if err != nil {
		return Mailbox{}, sherpaError(log, "mailbox", err)
	}
	return mb, nil
}

// sherpaError returns a sherpa error for err. User errors get a code starting
// with "user:".
func sherpaError(log mlog.Log, msg string, err error) *sherpa.Error {
	var uerr *mutate.UserError
	if errors.As(err, &uerr) {
		code := codeError
		if uerr.Code != "" {
			code = codeUser + uerr.Code
		}
		log.Debugx(msg+" user error", err)
		return &sherpa.Error{Code: code, Message: uerr.Err.Error()}
	}
	log.Errorx(msg, err)
	return &sherpa.Error{Code: codeServer, Message: err.Error()}
}

// NewHandler returns an http handler for the API with executor x, serving
// requests under Path. Requests must authenticate with Username and a
// password matching the bcrypt passwordHash.
func NewHandler(x mutate.Executor, passwordHash string) (http.Handler, error) {
	doc := apiDoc()
	sh, err := sherpa.NewHandler(Path, flagvar.Version, API{executor: x}, &doc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none", NoCORS: true})
	if err != nil {
		return nil, fmt.Errorf("sherpa handler: %w", err)
	}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), mlog.CidKey, flagstore.Cid())
		log := pkglog.WithContext(ctx).With(slog.String("remote", r.RemoteAddr))
		if !checkAuth(log, passwordHash, w, r) {
			return
		}
		sh.ServeHTTP(w, r.WithContext(ctx))
	})
	return h, nil
}

// checkAuth checks http basic auth against passwordHash, and writes an error
// response if authentication fails.
func checkAuth(log mlog.Log, passwordHash string, w http.ResponseWriter, r *http.Request) bool {
	result := "error"
	start := time.Now()
	var remoteIP netip.Addr
	defer func() {
		metrics.AuthenticationInc("worker", result)
		if result == "ok" && remoteIP.IsValid() {
			LimiterFailedAuth.Reset(remoteIP, start)
		}
	}()

	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err != nil {
		log.Errorx("parsing remote address", err, slog.String("addr", r.RemoteAddr))
	} else {
		remoteIP = ap.Addr()
	}
	if remoteIP.IsValid() && !LimiterFailedAuth.Add(remoteIP, start, 1) {
		result = "ratelimited"
		http.Error(w, "http 429 - too many auth attempts", http.StatusTooManyRequests)
		return false
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		result = "missing"
		log.Debug("missing basic auth")
	} else if subtle.ConstantTimeCompare([]byte(username), []byte(Username)) != 1 {
		result = "badcreds"
		log.Info("bad username for worker api", slog.String("username", username))
	} else if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		result = "badcreds"
		log.Infox("bad password for worker api", err)
	} else {
		result = "ok"
		return true
	}

	w.Header().Set("WWW-Authenticate", `Basic realm="flagstore worker"`)
	http.Error(w, "http 401 - unauthorized - flagstore worker", http.StatusUnauthorized)
	return false
}

// HashPassword returns a bcrypt hash for password, to store in the password
// hash file of the worker.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("empty password")
	}
	buf, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func apiDoc() sherpadoc.Section {
	tw := func(words ...string) []string { return words }
	field := func(name, docs string, typewords ...string) sherpadoc.Field {
		return sherpadoc.Field{Name: name, Docs: docs, Typewords: typewords}
	}
	return sherpadoc.Section{
		Name: "Worker",
		Docs: "Worker executes STORE commands for mailboxes of accounts on behalf of other instances.",
		Functions: []*sherpadoc.Function{
			{
				Name:    "Store",
				Docs:    "Store executes a STORE command. User errors have an error code starting with \"user:\".",
				Params:  []sherpadoc.Arg{{Name: "req", Typewords: tw("Request")}},
				Returns: []sherpadoc.Arg{{Name: "r0", Typewords: tw("Result")}},
			},
			{
				Name:    "Mailbox",
				Docs:    "Mailbox returns the state of a mailbox, for a session selecting it.",
				Params:  []sherpadoc.Arg{{Name: "account", Typewords: tw("string")}, {Name: "name", Typewords: tw("string")}},
				Returns: []sherpadoc.Arg{{Name: "r0", Typewords: tw("Mailbox")}},
			},
		},
		Sections: []*sherpadoc.Section{},
		Structs: []sherpadoc.Struct{
			{
				Name: "Request",
				Docs: "Request is a STORE command for a mailbox.",
				Fields: []sherpadoc.Field{
					field("MailboxID", "", "int64"),
					field("Action", "set, add or remove.", "string"),
					field("Flags", "", "[]", "string"),
					field("Messages", "UIDs, or sequence numbers if IsUID is false.", "[]", "uint32"),
					field("All", "All messages known to the session.", "bool"),
					field("IsUID", "", "bool"),
					field("Silent", "", "bool"),
					field("UnchangedSince", "", "nullable", "int64"),
					field("Session", "", "Session"),
				},
			},
			{
				Name: "Session",
				Docs: "Session is the state of the connection the command was issued on.",
				Fields: []sherpadoc.Field{
					field("ID", "", "int64"),
					field("Account", "", "string"),
					field("UIDs", "", "[]", "uint32"),
					field("Condstore", "", "bool"),
				},
			},
			{
				Name: "Result",
				Docs: "Result is the outcome of a STORE command.",
				Fields: []sherpadoc.Field{
					field("Success", "", "bool"),
					field("Modified", "", "[]", "uint32"),
					field("Responses", "", "[]", "FetchResponse"),
					field("ModSeq", "", "int64"),
				},
			},
			{
				Name: "Mailbox",
				Docs: "Mailbox is the state of a mailbox a session starts with when selecting it.",
				Fields: []sherpadoc.Field{
					field("ID", "", "int64"),
					field("Name", "", "string"),
					field("ModSeq", "Highest modseq in the mailbox.", "int64"),
					field("Flags", "Custom flag vocabulary.", "[]", "string"),
					field("UIDs", "", "[]", "uint32"),
				},
			},
			{
				Name: "FetchResponse",
				Docs: "FetchResponse is an untagged FETCH response for a changed message.",
				Fields: []sherpadoc.Field{
					field("Num", "", "uint32"),
					field("UID", "", "uint32"),
					field("Flags", "", "[]", "string"),
					field("ModSeq", "", "int64"),
				},
			},
		},
		Ints:    []sherpadoc.Ints{},
		Strings: []sherpadoc.Strings{},
	}
}
