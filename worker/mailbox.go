package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/mjl-/bstore"

	"github.com/mjl-/flagstore/flagstore-"
	"github.com/mjl-/flagstore/mlog"
	"github.com/mjl-/flagstore/mutate"
	"github.com/mjl-/flagstore/store"
)

// Mailbox is the state of a mailbox a session starts with when selecting it.
type Mailbox struct {
	ID     int64
	Name   string
	ModSeq int64       // Highest modseq in the mailbox.
	Flags  []string    // Custom flag vocabulary.
	UIDs   []store.UID // Of all messages, in increasing order.
}

// OpenMailbox returns the state of a mailbox of an account in the local data
// directory. An unknown mailbox results in a *mutate.UserError.
func OpenMailbox(ctx context.Context, log mlog.Log, account, name string) (Mailbox, error) {
	acc, err := store.OpenAccount(log, account)
	if err != nil {
		return Mailbox{}, fmt.Errorf("open account: %w", err)
	}
	defer func() {
		err := acc.Close()
		log.Check(err, "closing account")
	}()

	var mb store.Mailbox
	err = acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		mb, err = acc.MailboxFind(tx, name)
		return err
	})
	if errors.Is(err, store.ErrUnknownMailbox) {
		return Mailbox{}, &mutate.UserError{Code: mutate.CodeNonexistent, Err: err}
	} else if err != nil {
		return Mailbox{}, err
	}
	mb, uids, err := acc.MailboxUIDs(ctx, mb.ID)
	if err != nil {
		return Mailbox{}, err
	}
	return Mailbox{mb.ID, mb.Name, int64(mb.ModifyIndex), mb.Flags, uids}, nil
}

// LookupMailbox returns the state of a mailbox, from the worker of the account
// if it has one, and from the local data directory otherwise.
func LookupMailbox(ctx context.Context, log mlog.Log, account, name string) (Mailbox, error) {
	acc, ok := flagstore.Conf.Account(account)
	if !ok {
		return Mailbox{}, fmt.Errorf("%w: %q", store.ErrAccountUnknown, account)
	}
	if acc.WorkerURL == "" {
		return OpenMailbox(ctx, log, account, name)
	}
	c := Client{BaseURL: acc.WorkerURL, Password: acc.WorkerPassword}
	return c.Mailbox(ctx, account, name)
}
