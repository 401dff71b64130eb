/*
Command flagstore changes flags of messages in IMAP mailboxes, implementing the
STORE command with CONDSTORE support, and serves it to other instances.

  - FLAGS, +FLAGS and -FLAGS, with or without .SILENT, by UID or sequence number.
  - UNCHANGEDSINCE, with MODIFIED response codes for messages changed by others.
  - Per-mailbox custom flag vocabulary, with a limit.
  - Per-mailbox locking, a change journal and notification of other sessions.
  - Forwarding of commands to a worker instance per account.

# Commands

	flagstore [-config flagstore.conf] [-loglevel level] [-logfmt] ...
	flagstore serve
	flagstore store [-uid] [-silent] [-condstore] [-unchangedsince modseq] account mailbox set|add|remove numset [flag ...]
	flagstore mailbox create [-specialuse use] account mailbox
	flagstore mailbox show account mailbox
	flagstore deliver [-size bytes] account mailbox [flag ...]
	flagstore journal account mailbox [modseq]
	flagstore hashpassword >passwordhashfile
	flagstore help [command ...]
	flagstore config test
	flagstore config describe >flagstore.conf
	flagstore version

Use "flagstore help command" for the help text of a command.
*/
package main
