package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mjl-/bstore"

	"github.com/mjl-/flagstore/mlog"
)

// Notifier records changes in the journal of an account and hands them to
// the switchboard for sessions of the account.
type Notifier struct {
	Log mlog.Log // Optional, the package logger is used if unset.
}

func (n Notifier) log() mlog.Log {
	if n.Log.Logger == nil {
		return pkglog
	}
	return n.Log
}

// AddEntries stores entries in the change journal of the account, then queues
// them for all registered sessions of the account except sessionID. Pending
// signals are only sent by Fire.
func (n Notifier) AddEntries(ctx context.Context, acc *Account, sessionID, mailboxID int64, entries []ChangeEntry) error {
	if len(entries) == 0 {
		return nil
	}

	err := acc.DB.Write(ctx, func(tx *bstore.Tx) error {
		for i := range entries {
			entries[i].ID = 0
			entries[i].MailboxID = mailboxID
			entries[i].SessionID = sessionID
			if err := tx.Insert(&entries[i]); err != nil {
				return fmt.Errorf("inserting change journal entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	changes := make([]Change, len(entries))
	for i, e := range entries {
		switch e.Command {
		case CommandMailboxFlags:
			changes[i] = ChangeMailboxFlags{e.MailboxID, e.ModSeq, e.Flags}
		default:
			changes[i] = ChangeFlags{e.MailboxID, e.UID, e.ModSeq, e.Flags}
		}
	}
	if err := queueChanges(acc.Name, sessionID, changes); err != nil {
		return fmt.Errorf("queueing changes for sessions: %w", err)
	}
	n.log().Debug("changes queued", slog.String("account", acc.Name), slog.Int64("mailboxid", mailboxID), slog.Int("nchanges", len(changes)))
	return nil
}

// Fire signals all sessions of the account that changes may be pending. It
// does not wait for the sessions. Without a running switchboard there are no
// sessions to wake, e.g. for one-off commands.
func (n Notifier) Fire(account string) {
	err := wake(account)
	if errors.Is(err, ErrSwitchboardStopped) {
		n.log().Debugx("no sessions to wake", err, slog.String("account", account))
	} else {
		n.log().Check(err, "waking sessions", slog.String("account", account))
	}
}
