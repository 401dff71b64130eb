package mutate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/flagstore/flagstore-"
	"github.com/mjl-/flagstore/metrics"
	"github.com/mjl-/flagstore/store"
)

// Notifier is informed about changes made by a command, after the changes are
// committed and the mailbox lock is released. store.Notifier implements it.
type Notifier interface {
	AddEntries(ctx context.Context, acc *store.Account, sessionID, mailboxID int64, entries []store.ChangeEntry) error
	Fire(account string)
}

var ErrSessionInvalid = errors.New("session no longer valid")

// Local executes STORE commands against the local account databases.
type Local struct {
	// Called before the mailbox is locked. If it fails, the command fails.
	// Defaults to checking that the account of the session is still configured.
	Refresh func(ctx context.Context, sess Session) error

	Notifier Notifier // Defaults to a store.Notifier.
}

func refreshSession(ctx context.Context, sess Session) error {
	if sess.Account == "" {
		return fmt.Errorf("%w: no account", ErrSessionInvalid)
	}
	if _, ok := flagstore.Conf.Account(sess.Account); !ok {
		return fmt.Errorf("%w: account %q no longer configured", ErrSessionInvalid, sess.Account)
	}
	return nil
}

// Store executes req. Changes are made in a single transaction while holding
// the lock for the mailbox. No changes are made if an error is returned.
// Errors of type *UserError are meant for the client.
//
// Once the transaction has started, it is not canceled by ctx.
func (x Local) Store(ctx context.Context, req Request) (res Result, rerr error) {
	if !req.Action.Valid() {
		metrics.PanicInc(metrics.Mutate)
		panic(fmt.Sprintf("unknown store action %q", req.Action))
	}

	start := time.Now()
	log := pkglog.WithContext(ctx).With(slog.String("account", req.Session.Account), slog.Int64("mailboxid", req.MailboxID))

	defer func() {
		result := "ok"
		var uerr *UserError
		if errors.As(rerr, &uerr) {
			result = "usererror"
		} else if rerr != nil {
			result = "error"
		}
		metrics.StoreObserve("local", result, start)
		log.Debugx("store command", rerr,
			slog.String("action", string(req.Action)),
			slog.Any("flags", req.Flags),
			slog.Int("nresponses", len(res.Responses)),
			slog.Any("modified", res.Modified),
			slog.Duration("duration", time.Since(start)))
	}()

	// Check arguments before touching the store.
	flags, err := store.ParseFlags(req.Flags)
	if err != nil {
		return Result{}, &UserError{CodeCannot, err}
	}
	sel, err := SelectCandidates(req)
	if err != nil {
		return Result{}, err
	}

	refresh := x.Refresh
	if refresh == nil {
		refresh = refreshSession
	}
	if err := refresh(ctx, req.Session); err != nil {
		return Result{}, err
	}

	acc, err := store.OpenAccount(log, req.Session.Account)
	if err != nil {
		return Result{}, fmt.Errorf("open account: %w", err)
	}
	defer func() {
		err := acc.Close()
		log.Check(err, "closing account")
	}()

	// The transaction runs to completion.
	ctx = context.WithoutCancel(ctx)

	var c command
	func() {
		lk := acc.Locks.Acquire(req.MailboxID)
		defer func() {
			if err := acc.Locks.Release(req.MailboxID, lk); err != nil {
				log.Criticalx("releasing mailbox lock", err)
			}
		}()

		c = command{req: req, flags: flags, sel: sel}
		rerr = acc.DB.Write(ctx, func(tx *bstore.Tx) (rerr error) {
			defer func() {
				if x := recover(); x != nil {
					rerr = recoverError(x)
				}
			}()
			c.run(tx)
			return nil
		})
	}()

	err = acc.RecomputeDiskUsage(ctx)
	if err != nil {
		log.Criticalx("recomputing disk usage", err)
	}

	if rerr != nil {
		return Result{}, rerr
	}

	metrics.StoreMessagesAdd("updated", len(c.changed))
	metrics.StoreMessagesAdd("unchanged", c.unchanged)
	metrics.StoreMessagesAdd("conflict", len(c.conflicts))

	if len(c.entries) > 0 {
		notifier := x.Notifier
		if notifier == nil {
			notifier = store.Notifier{Log: log}
		}
		err := notifier.AddEntries(ctx, acc, req.Session.ID, req.MailboxID, c.entries)
		if errors.Is(err, store.ErrSwitchboardStopped) {
			log.Debugx("change entries journaled, no sessions to notify", err)
		} else {
			log.Check(err, "adding change entries for other sessions")
		}
		notifier.Fire(acc.Name)
	}

	return c.result(), nil
}

// command holds the state of a STORE command in its transaction.
type command struct {
	req   Request
	flags []string // Parsed req.Flags.
	sel   Selection

	modseq    store.ModSeq    // Assigned on first change.
	changed   []store.Message // Written.
	conflicts []store.UID     // Failed UnchangedSince check.
	unchanged int
	entries   []store.ChangeEntry
}

// run executes the command in tx. Failures cause a panic, see recoverError.
func (c *command) run(tx *bstore.Tx) {
	req := c.req

	mb := store.Mailbox{ID: req.MailboxID}
	err := tx.Get(&mb)
	if err == bstore.ErrAbsent {
		xusercodeErrorf(CodeNonexistent, "mailbox does not exist")
	}
	xcheckf(err, "get mailbox")

	if c.sel.empty() {
		return
	}

	var vocabChanged bool
	if req.Action != ActionRemove {
		voc := store.NewVocabulary(mb.Flags, store.MaxMailboxFlags)
		added, err := voc.Extend(c.flags)
		if errors.Is(err, store.ErrVocabularyFull) {
			xusercodeErrorf(CodeLimit, "%w", err)
		}
		xcheckf(err, "extending mailbox flags")
		if len(added) > 0 {
			mb.Flags = voc.Flags()
			vocabChanged = true
		}
	}

	q := bstore.QueryTx[store.Message](tx)
	q.FilterNonzero(store.Message{MailboxID: mb.ID})
	c.sel.filter(q)
	q.SortAsc("UID")
	msgs, err := q.List()
	xcheckf(err, "listing messages")

	trashLike := mb.TrashLike()
	for _, m := range msgs {
		if c.sel.skip(m.UID) {
			continue
		}

		if req.UnchangedSince != nil && int64(m.ModSeq) > *req.UnchangedSince {
			c.conflicts = append(c.conflicts, m.UID)
			continue
		}

		nm, updated := apply(req.Action, c.flags, m, trashLike)
		if !updated {
			c.unchanged++
			continue
		}

		if c.modseq == 0 {
			c.modseq = mb.ModifyIndex + 1
		}
		nm.ModSeq = c.modseq

		// Only write if no other command already wrote this or a later modseq.
		uq := bstore.QueryTx[store.Message](tx)
		uq.FilterID(m.ID)
		uq.FilterLess("ModSeq", c.modseq)
		n, err := uq.UpdateFields(map[string]any{
			"Flags":      nm.Flags,
			"ModSeq":     nm.ModSeq,
			"Unseen":     nm.Unseen,
			"Flagged":    nm.Flagged,
			"Undeleted":  nm.Undeleted,
			"Draft":      nm.Draft,
			"Searchable": nm.Searchable,
		})
		xcheckf(err, "updating message flags")
		if n == 0 {
			c.unchanged++
			continue
		}

		c.changed = append(c.changed, nm)
		c.entries = append(c.entries, store.ChangeEntry{
			MailboxID: mb.ID,
			SessionID: req.Session.ID,
			Command:   store.CommandStore,
			MessageID: nm.ID,
			UID:       nm.UID,
			Flags:     nm.Flags,
			ModSeq:    nm.ModSeq,
		})
	}

	// A grown vocabulary is a change of the mailbox too, it gets a modseq so
	// sessions polling the journal see it.
	if vocabChanged && c.modseq == 0 {
		c.modseq = mb.ModifyIndex + 1
	}
	if len(c.changed) > 0 || vocabChanged {
		mb.ModifyIndex = c.modseq
		err := tx.Update(&mb)
		xcheckf(err, "updating mailbox")
	}
	if vocabChanged {
		c.entries = append(c.entries, store.ChangeEntry{
			MailboxID: mb.ID,
			SessionID: req.Session.ID,
			Command:   store.CommandMailboxFlags,
			Flags:     mb.Flags,
			ModSeq:    mb.ModifyIndex,
		})
	}
}

// num returns the number of a message for responses, its UID or sequence
// number.
func (c *command) num(uid store.UID) uint32 {
	if c.req.IsUID {
		return uint32(uid)
	}
	return c.req.Session.seq(uid)
}

// result assembles the responses for the committed command.
func (c *command) result() Result {
	req := c.req
	r := Result{Success: true, ModSeq: int64(c.modseq)}

	if !req.Silent || req.Session.Condstore {
		for _, m := range c.changed {
			fr := FetchResponse{Num: c.num(m.UID), UID: m.UID}
			if !req.Silent {
				fr.Flags = m.Flags
			}
			if req.Session.Condstore {
				fr.ModSeq = int64(m.ModSeq)
			}
			r.Responses = append(r.Responses, fr)
		}
	}

	for _, uid := range c.conflicts {
		r.Modified = append(r.Modified, store.UID(c.num(uid)))
	}
	return r
}

var _ Executor = Local{}
