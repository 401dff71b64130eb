package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mjl-/flagstore/metrics"
	"github.com/mjl-/flagstore/mutate"
)

// Client forwards STORE commands to a worker. Client implements
// mutate.Executor. Results of the worker are returned as is, and user errors
// are returned as *mutate.UserError, so callers cannot tell a Client apart from
// a mutate.Local.
//
// If the worker cannot be reached, the error is returned. The command is never
// executed locally instead.
type Client struct {
	BaseURL    string // For example: http://localhost:1143/worker/.
	Password   string // For HTTP basic authentication with Username.
	HTTPClient *http.Client // Optional, defaults to http.DefaultClient.
}

var _ mutate.Executor = Client{}

// Error is an error returned by the worker API.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
}

func (c Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Store forwards req to the worker.
func (c Client) Store(ctx context.Context, req mutate.Request) (res mutate.Result, rerr error) {
	start := time.Now()
	defer func() {
		result := "ok"
		var uerr *mutate.UserError
		if errors.As(rerr, &uerr) {
			result = "usererror"
		} else if rerr != nil {
			result = "error"
		}
		metrics.StoreObserve("remote", result, start)
		pkglog.WithContext(ctx).Debugx("forwarded store command", rerr,
			slog.String("baseurl", c.BaseURL),
			slog.String("account", req.Session.Account),
			slog.Duration("duration", time.Since(start)))
	}()

	res, err := transact[mutate.Result](ctx, c, "Store", req)
	var xerr Error
	if errors.As(err, &xerr) {
		return mutate.Result{}, userError(xerr)
	}
	return res, err
}

// Mailbox returns the state of a mailbox managed by the worker.
func (c Client) Mailbox(ctx context.Context, account, name string) (Mailbox, error) {
	mb, err := transact[Mailbox](ctx, c, "Mailbox", account, name)
	var xerr Error
	if errors.As(err, &xerr) {
		return Mailbox{}, userError(xerr)
	}
	return mb, err
}

// userError turns a user error from the worker back into the *mutate.UserError
// it was made from. Other errors are returned unchanged.
func userError(xerr Error) error {
	if !strings.HasPrefix(xerr.Code, codeUser) {
		return xerr
	}
	code := strings.TrimPrefix(xerr.Code, codeUser)
	if xerr.Code == codeError {
		code = ""
	}
	return &mutate.UserError{Code: code, Err: errors.New(xerr.Message)}
}

func transact[T any](ctx context.Context, c Client, fn string, params ...any) (resp T, rerr error) {
	hresp, err := httpDo(ctx, c, fn, params)
	if err != nil {
		return resp, err
	}
	defer hresp.Body.Close()

	if hresp.StatusCode != http.StatusOK && hresp.StatusCode != http.StatusInternalServerError {
		return resp, badResponse(hresp)
	}

	var r struct {
		Result *T     `json:"result"`
		Error  *Error `json:"error"`
	}
	err = json.NewDecoder(&limitReader{hresp.Body, 1024 * 1024}).Decode(&r)
	if err != nil {
		return resp, fmt.Errorf("parsing response: %v", err)
	}
	if r.Error != nil {
		return resp, *r.Error
	}
	if r.Result == nil {
		return resp, errors.New("missing result in response")
	}
	return *r.Result, nil
}

func httpDo(ctx context.Context, c Client, fn string, params []any) (*http.Response, error) {
	reqbuf, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %v", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+fn, bytes.NewReader(reqbuf))
	if err != nil {
		return nil, fmt.Errorf("new request: %v", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.SetBasicAuth(Username, c.Password)
	hresp, err := c.httpClient().Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("http transaction: %v", err)
	}
	return hresp, nil
}

func badResponse(hresp *http.Response) error {
	buf, err := io.ReadAll(&limitReader{R: hresp.Body, Limit: 10 * 1024})
	if err != nil {
		return fmt.Errorf("http status %v, expected 200 ok, reading body: %v", hresp.Status, err)
	}
	if len(buf) > 512 {
		buf = buf[:512]
	}
	return fmt.Errorf("http status %v, expected 200 ok (first 512 bytes of response: %s)", hresp.Status, strings.TrimSpace(string(buf)))
}
