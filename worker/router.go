package worker

import (
	"net/http"
	"time"

	"github.com/mjl-/flagstore/flagstore-"
	"github.com/mjl-/flagstore/mutate"
)

// NewRouter returns a router that forwards requests for accounts with a
// WorkerURL in the current configuration to that worker, and executes others
// with local. Requests for unknown accounts are not routed.
func NewRouter(local mutate.Executor) mutate.Router {
	hc := &http.Client{Timeout: time.Minute}
	return mutate.RouterFunc(func(req mutate.Request) mutate.Executor {
		acc, ok := flagstore.Conf.Account(req.Session.Account)
		if !ok {
			return nil
		}
		if acc.WorkerURL == "" {
			return local
		}
		return Client{BaseURL: acc.WorkerURL, Password: acc.WorkerPassword, HTTPClient: hc}
	})
}
