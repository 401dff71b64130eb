package config

import (
	"time"
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is a parsed form of the flagstore.conf configuration file.
type Static struct {
	DataDir          string             `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored, e.g. account databases. If this is a relative path, it is relative to the directory of flagstore.conf."`
	LogLevel         string             `sconf-doc:"Default log level, one of: error, info, debug, trace. Trace logs requests forwarded to and handled by workers."`
	PackageLogLevels map[string]string  `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, mutate, worker)."`
	JournalRetention time.Duration      `sconf:"optional" sconf-doc:"How long change journal entries are kept for poll-based synchronization of sessions. Default: 24h."`
	Worker           *Worker            `sconf:"optional" sconf-doc:"Listener for delegated STORE commands from other flagstore instances. If absent, this instance only executes commands locally."`
	Metrics          *Metrics           `sconf:"optional" sconf-doc:"Listener for prometheus metrics at /metrics."`
	Accounts         map[string]Account `sconf-doc:"Accounts with mailboxes in this data directory. The key is the account name. An account executed locally still needs a block, e.g. an empty \"WorkerURL:\" line."`
}

// Worker is the HTTP listener accepting forwarded STORE commands.
type Worker struct {
	IP                 string `sconf-doc:"IP to listen on, e.g. 127.0.0.1 or ::1. Use 0.0.0.0 or :: for all addresses."`
	Port               int    `sconf:"optional" sconf-doc:"Default 1143."`
	MaxConnections     int    `sconf:"optional" sconf-doc:"Maximum number of concurrent connections. Default 100."`
	PasswordHashFile   string `sconf-doc:"File containing bcrypt hash of the password that delegating instances must send with HTTP basic authentication, with username 'flagstore'. Relative paths are relative to the directory of flagstore.conf."`
	PasswordHash       string `sconf:"-" json:"-"` // Read from PasswordHashFile.
	RequestTimeoutSecs int    `sconf:"optional" sconf-doc:"Timeout in seconds for reading requests and writing responses. Default 30."`
}

// Metrics is the HTTP listener for prometheus.
type Metrics struct {
	IP   string
	Port int `sconf:"optional" sconf-doc:"Default 8010."`
}

// Account holds per-account settings.
type Account struct {
	WorkerURL      string `sconf:"optional" sconf-doc:"If set, STORE commands for this account are forwarded to the flagstore worker at this URL, e.g. http://10.0.0.2:1143/worker/, instead of being executed on the local data directory."`
	WorkerPassword string `sconf:"optional" sconf-doc:"Password for HTTP basic authentication with the worker. Required if WorkerURL is set."`
}
