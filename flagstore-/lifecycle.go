package flagstore

import (
	"context"
)

// Shutdown is canceled when a graceful shutdown is initiated. Listeners should
// check this before accepting new forwarded commands. Commands already running
// against the store are not interrupted.
var Shutdown context.Context
var ShutdownCancel func()

// This context should be used as parent by most operations. It is canceled
// shortly after graceful shutdown was initiated with the cancelation of the
// Shutdown context.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}
