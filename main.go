package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/mjl-/sconf"

	"github.com/mjl-/flagstore/config"
	"github.com/mjl-/flagstore/flagstore-"
	"github.com/mjl-/flagstore/flagvar"
	"github.com/mjl-/flagstore/mlog"
	"github.com/mjl-/flagstore/mutate"
	"github.com/mjl-/flagstore/store"
	"github.com/mjl-/flagstore/worker"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"store", cmdStore},
	{"mailbox create", cmdMailboxCreate},
	{"mailbox show", cmdMailboxShow},
	{"deliver", cmdDeliver},
	{"journal", cmdJournal},
	{"hashpassword", cmdHashpassword},
	{"help", cmdHelp},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"version", cmdVersion},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("flagstore "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "flagstore " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "flagstore " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd) {
	lines := []string{"flagstore [-config flagstore.conf] [-loglevel level] [-logfmt] ..."}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"flagstore"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty will be interpreted as info.

// Subcommands that are not "serve" should use this function to load the config,
// it restores any loglevel specified on the command-line, instead of using the
// loglevels from the config file.
func mustLoadConfig() {
	flagstore.MustLoadConfig()
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		flagstore.Conf.Log[""] = level
		mlog.SetConfig(flagstore.Conf.Log)
	} else {
		log.Fatal("unknown loglevel", slog.String("loglevel", loglevel))
	}
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&flagstore.ConfigStaticPath, "config", envString("FLAGSTORECONF", filepath.FromSlash("config/flagstore.conf")), "configuration file, defaults to $FLAGSTORECONF with a fallback to config/flagstore.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")
	flag.BoolVar(&mlog.Logfmt, "logfmt", false, "write log output in logfmt")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		flagstore.Conf.Log[""] = level
		mlog.SetConfig(flagstore.Conf.Log)
		// note: SetConfig may be called again when subcommands loads config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("flagstore "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := flagstore.ParseConfig(context.Background(), c.log, flagstore.ConfigStaticPath, true)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">flagstore.conf"
	c.help = `Prints an annotated empty configuration for use as flagstore.conf.

The configuration file cannot be reloaded while flagstore is running. Flagstore
has to be restarted for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this flagstore version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(flagvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func cmdHashpassword(c *cmd) {
	c.params = ">passwordhashfile"
	c.help = `Reads a password from stdin and prints its bcrypt hash.

The output is meant for the PasswordHashFile of the worker listener. Instances
forwarding commands to this worker must be configured with the password as
WorkerPassword for their accounts.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		xcheckf(err, "reading password")
	}
	hash, err := worker.HashPassword(strings.TrimRight(line, "\r\n"))
	xcheckf(err, "hashing password")
	fmt.Println(hash)
}

func cmdMailboxCreate(c *cmd) {
	c.params = "[-specialuse use] account mailbox"
	c.help = `Create a mailbox in an account in the local data directory.

Special use is one of: \Archive, \Drafts, \Junk, \Sent, \Trash.
`
	var specialUse string
	c.flag.StringVar(&specialUse, "specialuse", "", "special use of the mailbox, e.g. \\Trash")
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	su, err := store.ParseSpecialUse(specialUse)
	xcheckf(err, "parsing special use")
	mustLoadConfig()

	acc, err := store.OpenAccount(c.log, args[0])
	xcheckf(err, "open account")
	defer func() {
		err := acc.Close()
		c.log.Check(err, "closing account")
	}()
	mb, err := acc.MailboxCreate(context.Background(), args[1], su)
	xcheckf(err, "creating mailbox")
	fmt.Printf("mailbox %q created, id %d\n", mb.Name, mb.ID)
}

func cmdMailboxShow(c *cmd) {
	c.params = "account mailbox"
	c.help = `Print the state of a mailbox, as a session selecting it would see it.

For accounts with a worker, the state is requested from the worker.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	mustLoadConfig()

	mb, err := worker.LookupMailbox(context.Background(), c.log, args[0], args[1])
	xcheckf(err, "lookup mailbox")
	fmt.Printf("id %d, modseq %d, %d messages\n", mb.ID, mb.ModSeq, len(mb.UIDs))
	fmt.Printf("flags: %s\n", strings.Join(mb.Flags, " "))
	for i, uid := range mb.UIDs {
		fmt.Printf("%d\tuid %d\n", i+1, uid)
	}
}

func cmdDeliver(c *cmd) {
	c.params = "[-size bytes] account mailbox [flag ...]"
	c.help = `Add a message with flags to a mailbox in the local data directory.

Only the message metadata is stored, there is no message content.
`
	var size int64
	c.flag.Int64Var(&size, "size", 1024, "size of message")
	args := c.Parse()
	if len(args) < 2 {
		c.Usage()
	}
	mustLoadConfig()

	ctx := context.Background()
	acc, err := store.OpenAccount(c.log, args[0])
	xcheckf(err, "open account")
	defer func() {
		err := acc.Close()
		c.log.Check(err, "closing account")
	}()
	mb, err := worker.OpenMailbox(ctx, c.log, args[0], args[1])
	xcheckf(err, "open mailbox")
	m, err := acc.DeliverMessage(ctx, mb.ID, args[2:], size)
	xcheckf(err, "delivering message")
	err = acc.RecomputeDiskUsage(ctx)
	c.log.Check(err, "recomputing disk usage")
	fmt.Printf("delivered, uid %d, modseq %d\n", m.UID, m.ModSeq)
}

func cmdJournal(c *cmd) {
	c.params = "account mailbox [modseq]"
	c.help = `Print the journaled changes of a mailbox, after modseq.

Journal entries are kept for the configured JournalRetention.
`
	args := c.Parse()
	if len(args) != 2 && len(args) != 3 {
		c.Usage()
	}
	var modseq int64
	if len(args) == 3 {
		var err error
		modseq, err = strconv.ParseInt(args[2], 10, 64)
		xcheckf(err, "parsing modseq")
	}
	mustLoadConfig()

	ctx := context.Background()
	mb, err := worker.OpenMailbox(ctx, c.log, args[0], args[1])
	xcheckf(err, "open mailbox")
	acc, err := store.OpenAccount(c.log, args[0])
	xcheckf(err, "open account")
	defer func() {
		err := acc.Close()
		c.log.Check(err, "closing account")
	}()
	l, err := acc.JournalSince(ctx, mb.ID, store.ModSeq(modseq))
	xcheckf(err, "listing journal")
	for _, e := range l {
		fmt.Printf("%d\t%s\t%s\tuid %d\tsession %d\t%s\n", e.ModSeq, e.Created.Format(time.RFC3339), e.Command, e.UID, e.SessionID, strings.Join(e.Flags, " "))
	}
}

func cmdStore(c *cmd) {
	c.params = "[-uid] [-silent] [-condstore] [-unchangedsince modseq] account mailbox set|add|remove numset [flag ...]"
	c.help = `Change flags of messages in a mailbox, like an IMAP STORE command.

Numset is a comma-separated list of numbers and ranges, e.g. "1:3,5", or "1:*"
for all messages. Numbers are sequence numbers unless -uid is set. Commands for
accounts with a worker are forwarded to the worker.
`
	var isUID, silent, condstore bool
	var unchangedSince int64
	c.flag.BoolVar(&isUID, "uid", false, "numbers are UIDs instead of sequence numbers")
	c.flag.BoolVar(&silent, "silent", false, "do not return the new flags")
	c.flag.BoolVar(&condstore, "condstore", false, "return modseqs, as with CONDSTORE enabled")
	c.flag.Int64Var(&unchangedSince, "unchangedsince", -1, "only change messages with modseq at most this value")
	args := c.Parse()
	if len(args) < 4 {
		c.Usage()
	}
	action := mutate.Action(args[2])
	if !action.Valid() {
		log.Fatalf("unknown action %q, must be set, add or remove", args[2])
	}
	mustLoadConfig()

	// Changes are distributed to sessions through the switchboard.
	stop := store.Switchboard()
	defer stop()

	ctx := context.Background()
	mb, err := worker.LookupMailbox(ctx, c.log, args[0], args[1])
	xcheckf(err, "lookup mailbox")

	req := mutate.Request{
		MailboxID: mb.ID,
		Action:    action,
		Flags:     args[4:],
		IsUID:     isUID,
		Silent:    silent,
		Session: mutate.Session{
			ID:        flagstore.Cid(),
			Account:   args[0],
			UIDs:      mb.UIDs,
			Condstore: condstore,
		},
	}
	if unchangedSince >= 0 {
		req.UnchangedSince = &unchangedSince
	}
	req.Messages, req.All, err = parseNumSet(args[3], isUID, mb.UIDs)
	xcheckf(err, "parsing numset")

	d := mutate.Dispatcher{Router: worker.NewRouter(mutate.Local{})}
	res, err := d.Store(ctx, req)
	xcheckf(err, "store")
	for _, r := range res.Responses {
		var l []string
		if isUID || r.Flags != nil {
			l = append(l, fmt.Sprintf("UID %d", r.UID))
		}
		if r.Flags != nil {
			l = append(l, fmt.Sprintf("FLAGS (%s)", strings.Join(r.Flags, " ")))
		}
		if r.ModSeq != 0 {
			l = append(l, fmt.Sprintf("MODSEQ (%d)", r.ModSeq))
		}
		fmt.Printf("* %d FETCH (%s)\n", r.Num, strings.Join(l, " "))
	}
	if s := res.ModifiedSet(); s != "" {
		fmt.Printf("OK [MODIFIED %s] conditional store failed\n", s)
	} else {
		fmt.Println("OK store completed")
	}
}

// parseNumSet parses an IMAP sequence set. A set of "1:*" selects all messages.
// A "*" elsewhere is the highest sequence number or UID in uids.
func parseNumSet(s string, isUID bool, uids []store.UID) (nums []store.UID, all bool, rerr error) {
	if s == "1:*" || s == "*:1" {
		return nil, true, nil
	}
	var last store.UID
	if isUID && len(uids) > 0 {
		last = uids[len(uids)-1]
	} else if !isUID {
		last = store.UID(len(uids))
	}
	parse := func(t string) (store.UID, error) {
		if t == "*" {
			return last, nil
		}
		v, err := strconv.ParseUint(t, 10, 32)
		if err != nil || v == 0 {
			return 0, fmt.Errorf("bad number %q", t)
		}
		return store.UID(v), nil
	}
	for _, e := range strings.Split(s, ",") {
		first, end, isRange := strings.Cut(e, ":")
		a, err := parse(first)
		if err != nil {
			return nil, false, err
		}
		b := a
		if isRange {
			b, err = parse(end)
			if err != nil {
				return nil, false, err
			}
		}
		if a > b {
			a, b = b, a
		}
		if isUID && isRange {
			// Only UIDs that exist are meaningful in a range.
			for _, uid := range uids {
				if uid >= a && uid <= b {
					nums = append(nums, uid)
				}
			}
			continue
		} else if isUID {
			nums = append(nums, a)
			continue
		}
		// Beyond the last message, the first invalid number is enough for an error.
		if b > last+1 {
			b = last + 1
		}
		if a > b {
			a = b
		}
		for n := a; n <= b; n++ {
			nums = append(nums, n)
		}
	}
	return nums, false, nil
}
