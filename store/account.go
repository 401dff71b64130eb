/*
Package store implements storage for accounts, their mailboxes and messages,
flag normalization, the per-mailbox flag vocabulary and lock registry, and
broadcasts flag changes to interested sessions.

Layout of storage for accounts:

	<DataDir>/accounts/<name>/index.db

Index.db holds tables for mailboxes, messages, disk usage and the change
journal. Message contents are not stored, only the metadata that STORE
commands operate on.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/bstore"

	"github.com/mjl-/flagstore/flagstore-"
	"github.com/mjl-/flagstore/flagvar"
	"github.com/mjl-/flagstore/mlog"
)

var pkglog = mlog.New("store", nil)

var (
	ErrUnknownMailbox = errors.New("no such mailbox")
	ErrAccountUnknown = errors.New("no such account")
	ErrMailboxExists  = errors.New("mailbox already exists")
)

type UID uint32 // IMAP UID.

// ModSeq is a modification sequence number. Each mailbox has its own
// monotonic counter, Mailbox.ModifyIndex. All messages changed by a single
// command get the same ModSeq.
type ModSeq int64

// SpecialUse is the role of a mailbox. It changes how deleted messages are
// treated.
type SpecialUse string

const (
	SpecialUseNone    SpecialUse = ""
	SpecialUseArchive SpecialUse = `\Archive`
	SpecialUseDrafts  SpecialUse = `\Drafts`
	SpecialUseJunk    SpecialUse = `\Junk`
	SpecialUseSent    SpecialUse = `\Sent`
	SpecialUseTrash   SpecialUse = `\Trash`
)

// ParseSpecialUse returns the special use for s, case-insensitively.
func ParseSpecialUse(s string) (SpecialUse, error) {
	if s == "" {
		return SpecialUseNone, nil
	}
	for _, su := range []SpecialUse{SpecialUseArchive, SpecialUseDrafts, SpecialUseJunk, SpecialUseSent, SpecialUseTrash} {
		if strings.EqualFold(string(su), s) {
			return su, nil
		}
	}
	return "", fmt.Errorf("unknown special use %q", s)
}

// Mailbox is collection of messages, e.g. Inbox or Trash.
type Mailbox struct {
	ID int64

	// Slash separated for hierarchy. Normalized to NFC.
	Name string `bstore:"nonzero,unique"`

	// UID likely to be assigned to next message.
	UIDNext UID

	// Highest ModSeq handed out for this mailbox. The next STORE command that
	// changes messages uses ModifyIndex+1. Starts at 0.
	ModifyIndex ModSeq

	SpecialUse SpecialUse

	// Custom flags, as used in messages in this mailbox. Storing a non-system flag
	// for a message adds it to this list. Case is preserved, comparisons are
	// case-insensitive. See MaxMailboxFlags.
	Flags []string
}

// TrashLike returns whether deleted messages in this mailbox stay out of
// search results when undeleted.
func (mb Mailbox) TrashLike() bool {
	return mb.SpecialUse == SpecialUseTrash || mb.SpecialUse == SpecialUseJunk
}

// Message is the metadata of a message in a mailbox.
type Message struct {
	ID int64

	UID       UID   `bstore:"nonzero"`
	MailboxID int64 `bstore:"nonzero,unique MailboxID+UID,index MailboxID+ModSeq,ref Mailbox"`

	// Last modification of the flags.
	ModSeq ModSeq

	Received time.Time `bstore:"default now"`
	Size     int64

	// Flags as stored by clients, system flags in canonical spelling.
	Flags []string

	// Derived from Flags, for indexed lookups. Must always match Flags, see
	// SetDerived.
	Unseen    bool
	Flagged   bool
	Undeleted bool
	Draft     bool

	// Whether the message is returned in searches. Cleared when the message is
	// marked deleted.
	Searchable bool
}

// SetDerived sets all derived booleans from the flags of m.
func (m *Message) SetDerived() {
	m.Unseen = !HasFlag(m.Flags, FlagSeen)
	m.Flagged = HasFlag(m.Flags, FlagFlagged)
	m.Undeleted = !HasFlag(m.Flags, FlagDeleted)
	m.Draft = HasFlag(m.Flags, FlagDraft)
}

// DiskUsage tracks the total size of messages in an account. There is a single
// record with ID 1.
type DiskUsage struct {
	ID          int64
	MessageSize int64
}

// Commands recorded in the change journal.
const (
	CommandStore        = "STORE" // Flags of a message changed.
	CommandMailboxFlags = "FLAGS" // Custom flag vocabulary of a mailbox changed.
)

// ChangeEntry is a change journal record, for sessions that synchronize by
// polling and for sessions that missed a broadcast.
type ChangeEntry struct {
	ID        int64
	MailboxID int64  `bstore:"nonzero,index MailboxID+ModSeq"`
	SessionID int64  // Originating session, changes are not sent back to it.
	Command   string `bstore:"nonzero"`
	MessageID int64  // Zero for CommandMailboxFlags.
	UID       UID
	Flags     []string // New message flags, or new mailbox vocabulary.
	ModSeq    ModSeq
	Created   time.Time `bstore:"default now,index"`
}

// DBTypes are the types stored in an account database.
var DBTypes = []any{Mailbox{}, Message{}, DiskUsage{}, ChangeEntry{}}

// Account holds the mailboxes and messages of a user.
type Account struct {
	Name   string     // Name, according to configuration.
	Dir    string     // Directory where account files are stored.
	DBPath string     // Path to database with mailboxes, messages, etc.
	DB     *bstore.DB // Open database connection.

	// Per-mailbox locks, held while a STORE command modifies a mailbox.
	Locks *Locks

	nused int // Reference count, while >0, this account is alive and shared.
}

var openAccounts = struct {
	names map[string]*Account
	sync.Mutex
}{
	names: map[string]*Account{},
}

func closeAccount(acc *Account) (rerr error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	acc.nused--
	if acc.nused == 0 {
		rerr = acc.DB.Close()
		acc.DB = nil
		delete(openAccounts.names, acc.Name)
	}
	return
}

// OpenAccount opens an account by name, creating its database if needed.
//
// A single shared account exists per name. Each call must be matched by a call
// to Close.
func OpenAccount(log mlog.Log, name string) (*Account, error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	if acc, ok := openAccounts.names[name]; ok {
		acc.nused++
		return acc, nil
	}

	if _, ok := flagstore.Conf.Account(name); !ok {
		return nil, ErrAccountUnknown
	}

	acc, err := openAccount(log, name)
	if err != nil {
		return nil, err
	}
	acc.nused++
	openAccounts.names[name] = acc
	return acc, nil
}

func openAccount(log mlog.Log, name string) (a *Account, rerr error) {
	dir := filepath.Join(flagstore.DataDirPath("accounts"), name)
	dbpath := filepath.Join(dir, "index.db")

	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: flagvar.RegisterLogger(dbpath, log.Logger)}

	isNew := false
	if _, err := os.Stat(dbpath); err != nil && os.IsNotExist(err) {
		isNew = true
		if err := os.MkdirAll(dir, 0770); err != nil {
			return nil, fmt.Errorf("creating account directory: %v", err)
		}
	}

	db, err := bstore.Open(context.TODO(), dbpath, &opts, DBTypes...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rerr != nil {
			err := db.Close()
			log.Check(err, "closing database after error")
			if isNew {
				os.Remove(dbpath)
			}
		}
	}()

	if isNew {
		err := db.Write(context.TODO(), func(tx *bstore.Tx) error {
			return tx.Insert(&DiskUsage{ID: 1})
		})
		if err != nil {
			return nil, fmt.Errorf("initializing account: %v", err)
		}
		log.Info("account initialized", slog.String("account", name))
	}

	return &Account{
		Name:   name,
		Dir:    dir,
		DBPath: dbpath,
		DB:     db,
		Locks:  NewLocks(),
	}, nil
}

// Close reduces the reference count, and closes the database connection when
// it was the last user.
func (a *Account) Close() error {
	return closeAccount(a)
}

// CheckMailboxName returns the NFC-normalized name, or an error if the name
// is not valid.
func CheckMailboxName(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", errors.New("invalid utf-8")
	}
	name = norm.NFC.String(name)
	if name == "" {
		return "", errors.New("empty mailbox name")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return "", errors.New("bad slashes in mailbox name")
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7f {
			return "", errors.New("control characters not allowed in mailbox name")
		}
	}
	return name, nil
}

// MailboxCreate creates a new, empty mailbox.
func (a *Account) MailboxCreate(ctx context.Context, name string, specialUse SpecialUse) (mb Mailbox, rerr error) {
	name, err := CheckMailboxName(name)
	if err != nil {
		return Mailbox{}, err
	}
	rerr = a.DB.Write(ctx, func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{Name: name}).Exists()
		if err != nil {
			return fmt.Errorf("checking if mailbox exists: %w", err)
		} else if exists {
			return ErrMailboxExists
		}
		mb = Mailbox{Name: name, UIDNext: 1, SpecialUse: specialUse}
		if err := tx.Insert(&mb); err != nil {
			return fmt.Errorf("inserting mailbox: %w", err)
		}
		return nil
	})
	return
}

// MailboxFind returns the mailbox with name, or ErrUnknownMailbox.
func (a *Account) MailboxFind(tx *bstore.Tx, name string) (Mailbox, error) {
	mb, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{Name: norm.NFC.String(name)}).Get()
	if err == bstore.ErrAbsent {
		return Mailbox{}, ErrUnknownMailbox
	} else if err != nil {
		return Mailbox{}, fmt.Errorf("looking up mailbox: %w", err)
	}
	return mb, nil
}

// MailboxUIDs returns the mailbox and the UIDs of its messages in increasing
// order, as known to a session selecting the mailbox.
func (a *Account) MailboxUIDs(ctx context.Context, mailboxID int64) (mb Mailbox, uids []UID, rerr error) {
	rerr = a.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb = Mailbox{ID: mailboxID}
		if err := tx.Get(&mb); err == bstore.ErrAbsent {
			return ErrUnknownMailbox
		} else if err != nil {
			return fmt.Errorf("get mailbox: %w", err)
		}
		q := bstore.QueryTx[Message](tx)
		q.FilterNonzero(Message{MailboxID: mailboxID})
		q.SortAsc("UID")
		return q.ForEach(func(m Message) error {
			uids = append(uids, m.UID)
			return nil
		})
	})
	return
}

// DeliverMessage adds a message with flags to a mailbox, assigning the next
// UID and a new modseq. Custom flags are added to the vocabulary of the
// mailbox.
func (a *Account) DeliverMessage(ctx context.Context, mailboxID int64, flags []string, size int64) (m Message, rerr error) {
	flags, err := ParseFlags(flags)
	if err != nil {
		return Message{}, err
	}
	rerr = a.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb := Mailbox{ID: mailboxID}
		if err := tx.Get(&mb); err == bstore.ErrAbsent {
			return ErrUnknownMailbox
		} else if err != nil {
			return fmt.Errorf("get mailbox: %w", err)
		}

		voc := NewVocabulary(mb.Flags, MaxMailboxFlags)
		if _, err := voc.Extend(flags); err != nil {
			return err
		}
		mb.Flags = voc.Flags()

		modseq := mb.ModifyIndex + 1
		m = Message{
			UID:       mb.UIDNext,
			MailboxID: mb.ID,
			ModSeq:    modseq,
			Received:  time.Now(),
			Size:      size,
			Flags:     DedupFlags(flags),
		}
		m.SetDerived()
		m.Searchable = m.Undeleted
		if err := tx.Insert(&m); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}

		mb.UIDNext++
		mb.ModifyIndex = modseq
		if err := tx.Update(&mb); err != nil {
			return fmt.Errorf("updating mailbox: %w", err)
		}
		return nil
	})
	return
}

// RecomputeDiskUsage sets the disk usage record to the total size of all
// messages in the account.
func (a *Account) RecomputeDiskUsage(ctx context.Context) error {
	return a.DB.Write(ctx, func(tx *bstore.Tx) error {
		var size int64
		err := bstore.QueryTx[Message](tx).ForEach(func(m Message) error {
			size += m.Size
			return nil
		})
		if err != nil {
			return fmt.Errorf("summing message sizes: %w", err)
		}

		du := DiskUsage{ID: 1}
		if err := tx.Get(&du); err == bstore.ErrAbsent {
			du.MessageSize = size
			return tx.Insert(&du)
		} else if err != nil {
			return fmt.Errorf("get disk usage: %w", err)
		}
		if du.MessageSize == size {
			return nil
		}
		du.MessageSize = size
		return tx.Update(&du)
	})
}

// DiskUsage returns the recorded total size of messages.
func (a *Account) DiskUsage(ctx context.Context) (int64, error) {
	du := DiskUsage{ID: 1}
	err := a.DB.Get(ctx, &du)
	if err == bstore.ErrAbsent {
		return 0, nil
	}
	return du.MessageSize, err
}

// JournalSince returns the journaled changes for a mailbox with a modseq
// higher than modseq, in order of modseq.
func (a *Account) JournalSince(ctx context.Context, mailboxID int64, modseq ModSeq) ([]ChangeEntry, error) {
	q := bstore.QueryDB[ChangeEntry](ctx, a.DB)
	q.FilterNonzero(ChangeEntry{MailboxID: mailboxID})
	q.FilterGreater("ModSeq", modseq)
	q.SortAsc("ModSeq", "ID")
	return q.List()
}

// PruneJournal removes change journal entries created before t.
func (a *Account) PruneJournal(ctx context.Context, t time.Time) (int, error) {
	q := bstore.QueryDB[ChangeEntry](ctx, a.DB)
	q.FilterLess("Created", t)
	return q.Delete()
}
