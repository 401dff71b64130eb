package mutate

import (
	"errors"
	"fmt"
)

var (
	errBadSeq = errors.New("invalid sequence number")
	errBadUID = errors.New("invalid uid")
)

// Response codes for failed STORE commands.
const (
	CodeNonexistent = "NONEXISTENT" // Mailbox does not exist.
	CodeLimit       = "LIMIT"       // Flag vocabulary of mailbox is full.
	CodeCannot      = "CANNOT"      // Flags cannot be stored.
)

// UserError is a failure to report to the client, with an optional response
// code. Other errors are reported as generic command failures.
type UserError struct {
	Code string // Optional response code in brackets.
	Err  error
}

func (e *UserError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Err)
	}
	return e.Err.Error()
}

func (e *UserError) Unwrap() error { return e.Err }

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xserverErrorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

func xusercodeErrorf(code, format string, args ...any) {
	panic(&UserError{Code: code, Err: fmt.Errorf(format, args...)})
}

type serverError struct{ err error }

func (e serverError) Error() string { return e.err.Error() }
func (e serverError) Unwrap() error { return e.err }

func xserverErrorf(format string, args ...any) {
	panic(serverError{fmt.Errorf(format, args...)})
}

// recoverError turns a panic from the x* functions into an error, and
// repanics for everything else.
func recoverError(x any) error {
	switch err := x.(type) {
	case *UserError:
		return err
	case serverError:
		return err.err
	}
	panic(x)
}
