package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mjl-/flagstore/flagstore-"
	"github.com/mjl-/flagstore/flagvar"
	"github.com/mjl-/flagstore/metrics"
	"github.com/mjl-/flagstore/mlog"
	"github.com/mjl-/flagstore/mutate"
	"github.com/mjl-/flagstore/store"
	"github.com/mjl-/flagstore/worker"
)

func cmdServe(c *cmd) {
	c.help = `Start flagstore, serving the worker API and metrics.

Forwarded STORE commands are accepted on the worker listener, and executed
against the accounts in the data directory. Change journal entries older than
JournalRetention are removed periodically.

Flagstore shuts down gracefully on SIGINT and SIGTERM. STORE commands that have
started are finished first.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	flagstore.MustLoadConfig()
	log := c.log
	log.Print("starting flagstore",
		slog.String("version", flagvar.Version),
		slog.Int("pid", os.Getpid()),
		slog.String("config", flagstore.ConfigStaticPath))

	stop := store.Switchboard()
	defer stop()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		log.Print("shutting down", slog.Any("signal", sig))
		flagstore.ShutdownCancel()
		// Give running commands some time before canceling remaining work.
		time.Sleep(3 * time.Second)
		flagstore.ContextCancel()
	}()

	g, ctx := errgroup.WithContext(flagstore.Shutdown)
	g.Go(func() error {
		return worker.Serve(ctx, flagstore.Conf.Static, mutate.Local{})
	})
	g.Go(func() error {
		pruneJournals(ctx, log, time.Hour)
		return nil
	})
	err := g.Wait()
	if err != nil {
		log.Fatalx("serving", err)
	}
	log.Print("stopped")
}

// pruneJournals removes journal entries older than the configured retention
// for all accounts, at startup and then every interval, until ctx is canceled.
func pruneJournals(ctx context.Context, log mlog.Log, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		pruneJournalsOnce(ctx, log)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func pruneJournalsOnce(ctx context.Context, log mlog.Log) {
	defer func() {
		x := recover()
		if x != nil {
			log.Error("unhandled panic while pruning journals", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Journal)
		}
	}()

	before := time.Now().Add(-flagstore.Conf.Static.JournalRetention)
	for _, name := range flagstore.Conf.AccountNames() {
		if acc, _ := flagstore.Conf.Account(name); acc.WorkerURL != "" {
			continue
		}
		prune := func() {
			acc, err := store.OpenAccount(log, name)
			if err != nil {
				log.Errorx("open account for pruning journal", err, slog.String("account", name))
				return
			}
			defer func() {
				err := acc.Close()
				log.Check(err, "closing account")
			}()
			n, err := acc.PruneJournal(ctx, before)
			if err != nil {
				log.Errorx("pruning journal", err, slog.String("account", name))
			} else if n > 0 {
				log.Info("pruned journal", slog.String("account", name), slog.Int("removed", n))
			}
		}
		prune()
	}
}
