/*
Package config holds the configuration file definitions.

Flagstore uses a single configuration file, flagstore.conf. It is read at
startup and never reloaded during the lifetime of a running instance. After
changes, flagstore must be restarted for the changes to take effect.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

An account whose STORE commands are executed locally has no settings, but sconf
requires an indented block below a key. Write it with an empty WorkerURL:

	Accounts:
		mjl:
			WorkerURL:

# flagstore.conf

	# NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be
	# on their own line, they don't end a line. Do not escape or quote strings.
	# Details: https://pkg.go.dev/github.com/mjl-/sconf.
	#
	#
	# Directory where all data is stored, e.g. account databases. If this is a
	# relative path, it is relative to the directory of flagstore.conf.
	DataDir:

	# Default log level, one of: error, info, debug, trace. Trace logs requests
	# forwarded to and handled by workers.
	LogLevel:

	# Overrides of log level per package (e.g. store, mutate, worker). (optional)
	PackageLogLevels:
		x:

	# How long change journal entries are kept for poll-based synchronization of
	# sessions. Default: 24h. (optional)
	JournalRetention: 0s

	# Listener for delegated STORE commands from other flagstore instances. If
	# absent, this instance only executes commands locally. (optional)
	Worker:

		# IP to listen on, e.g. 127.0.0.1 or ::1. Use 0.0.0.0 or :: for all addresses.
		IP:

		# Default 1143. (optional)
		Port: 0

		# Maximum number of concurrent connections. Default 100. (optional)
		MaxConnections: 0

		# File containing bcrypt hash of the password that delegating instances must
		# send with HTTP basic authentication, with username 'flagstore'. Relative
		# paths are relative to the directory of flagstore.conf.
		PasswordHashFile:

		# Timeout in seconds for reading requests and writing responses. Default 30.
		# (optional)
		RequestTimeoutSecs: 0

	# Listener for prometheus metrics at /metrics. (optional)
	Metrics:
		IP:

		# Default 8010. (optional)
		Port: 0

	# Accounts with mailboxes in this data directory. The key is the account name.
	# An account executed locally still needs a block, e.g. an empty "WorkerURL:"
	# line.
	Accounts:
		x:

			# If set, STORE commands for this account are forwarded to the flagstore
			# worker at this URL, e.g. http://10.0.0.2:1143/worker/, instead of being
			# executed on the local data directory. (optional)
			WorkerURL:

			# Password for HTTP basic authentication with the worker. Required if
			# WorkerURL is set. (optional)
			WorkerPassword:
*/
package config
