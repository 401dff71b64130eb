package flagstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/flagstore/config"
	"github.com/mjl-/flagstore/mlog"
)

var pkglog = mlog.New("flagstore", nil)

// ConfigStaticPath is set early in program startup.
var (
	ConfigStaticPath string
	Conf             = Config{Log: map[string]slog.Level{"": slog.LevelError}}
)

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	Log map[string]slog.Level // Processed from Static.LogLevel and Static.PackageLogLevels.
}

// Account returns the configuration of the named account, and whether it
// exists.
func (c *Config) Account(name string) (config.Account, bool) {
	acc, ok := c.Static.Accounts[name]
	return acc, ok
}

// AccountNames returns the names of all configured accounts.
func (c *Config) AccountNames() []string {
	l := make([]string, 0, len(c.Static.Accounts))
	for name := range c.Static.Accounts {
		l = append(l, name)
	}
	return l
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath, false)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	Conf = *c
}

// ParseConfig parses the static config at path p. If checkOnly is true, files
// referenced from the config, such as the worker password hash, are not read.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("FLAGSTORECONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use flagstore -config ... or set FLAGSTORECONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c, checkOnly); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the static config and fills in defaults. If
// checkOnly is set, files referenced by the config are not read.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config, checkOnly bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...)))
	}

	c := &conf.Static

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.JournalRetention == 0 {
		c.JournalRetention = 24 * time.Hour
	} else if c.JournalRetention < 0 {
		addErrorf("journal retention must be positive")
	}

	if c.Worker != nil {
		w := c.Worker
		w.Port = config.Port(w.Port, 1143)
		if w.MaxConnections == 0 {
			w.MaxConnections = 100
		}
		if w.RequestTimeoutSecs == 0 {
			w.RequestTimeoutSecs = 30
		}
		if w.IP == "" {
			addErrorf("worker listener requires an IP")
		}
		if w.PasswordHashFile == "" {
			addErrorf("worker listener requires a PasswordHashFile")
		} else if !checkOnly {
			buf, err := os.ReadFile(configDirPath(configFile, w.PasswordHashFile))
			if err != nil {
				addErrorf("reading worker password hash file: %v", err)
			} else {
				w.PasswordHash = strings.TrimSpace(string(buf))
			}
		}
	}
	if c.Metrics != nil {
		c.Metrics.Port = config.Port(c.Metrics.Port, 8010)
		if c.Metrics.IP == "" {
			addErrorf("metrics listener requires an IP")
		}
	}

	for name, acc := range c.Accounts {
		if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
			addErrorf("invalid account name %q", name)
			continue
		}
		if acc.WorkerURL == "" {
			continue
		}
		u, err := url.Parse(acc.WorkerURL)
		if err != nil {
			addErrorf("account %q: parsing worker url: %v", name, err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			addErrorf("account %q: worker url must be http or https", name)
		} else if !strings.HasSuffix(u.Path, "/") {
			addErrorf("account %q: worker url must end with a slash", name)
		}
		if acc.WorkerPassword == "" {
			addErrorf("account %q: worker url requires a worker password", name)
		}
	}

	return errs
}
