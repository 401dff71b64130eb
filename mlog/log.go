// Package mlog provides logging on top of slog, with log levels per package.
//
// Each log level has a function to log with and without error. Each such
// function takes a varargs list of slog attributes. Variable data should be in
// attributes. Logging strings themselves should be constant, for easier log
// processing (e.g. building metrics based on log messages).
//
// The log levels can be configured per originating package, e.g. store, mutate.
// The configuration is application-global, so each Log instance uses the same
// log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt enabled output in logfmt, instead of output more suitable for
// command-line tools. Must be set early in a program lifecycle.
var Logfmt bool

// LogStringer is used when formatting field values during logging. If a value
// implements it, LogString is called for the value to log.
type LogStringer interface {
	LogString() string
}

var lowestLevel atomic.Int32 // For quick initial check.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	config.Store(&map[string]slog.Level{"": LevelDebug})
	lowestLevel.Store(int32(LevelDebug))
}

const (
	LevelTrace = slog.Level(-8) // Protocol traces, e.g. worker requests.
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelError = slog.LevelError
	LevelFatal = slog.Level(12) // Printed regardless of configured log level.
	LevelPrint = slog.Level(16) // Printed regardless of configured log level.
)

// Levels maps the names used in the configuration file to levels.
var Levels = map[string]slog.Level{
	"print": LevelPrint,
	"fatal": LevelFatal,
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
	"trace": LevelTrace,
}

// LevelStrings maps levels to names, for printing.
var LevelStrings = map[slog.Level]string{
	LevelPrint: "print",
	LevelFatal: "fatal",
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

// SetConfig atomically sets the new log levels used by all Log instances. The
// empty string is the default level, used for packages without explicit
// level.
func SetConfig(c map[string]slog.Level) {
	lowest := LevelPrint
	for _, l := range c {
		if l < lowest {
			lowest = l
		}
	}
	lowestLevel.Store(int32(lowest))
	config.Store(&c)
}

// Log wraps an slog.Logger, providing convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a new
// Logger is created with a handler that writes to stderr.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithCid adds a attribute "cid".
// Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// WithContext adds cid from context, if present. Context are often passed to
// functions, especially between packages, to pass a "cid" for an operation. At
// the start of a function (especially if exported) a variable "log" is often
// instantiated from a package-level logger, with WithContext for its cid.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes to to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithPkg ensures pkg is added as attribute to logged lines. If the handler is
// an mlog handler, pkg is only added if not already the last added package.
func (l Log) WithPkg(pkg string) Log {
	h := l.Logger.Handler()
	if ph, ok := h.(*handler); ok {
		if len(ph.Pkgs) > 0 && ph.Pkgs[len(ph.Pkgs)-1] == pkg {
			return l
		}
		return Log{slog.New(ph.WithPkg(pkg))}
	}
	return Log{slog.New(h.WithAttrs([]slog.Attr{slog.String("pkg", pkg)}))}
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelFatal, msg, errAttrs(err, attrs)...)
	os.Exit(1)
}

// Criticalx logs at fatal level, but keeps the program running. For failures
// of collaborators that leave shared state suspect, but must not change the
// outcome of the operation that encountered them.
func (l Log) Criticalx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelFatal, msg, errAttrs(err, attrs)...)
}

func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, errAttrs(err, attrs)...)
}

// Errorx logs at error level, or at info level if the error is a context
// cancelation or deadline, which are typically caused by clients going away.
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	level := LevelError
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		level = LevelInfo
	}
	l.Logger.LogAttrs(noctx, level, msg, errAttrs(err, attrs)...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, errAttrs(err, attrs)...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, errAttrs(err, attrs)...)
}

func (l Log) Trace(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelTrace, msg, attrs...)
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttrs(err error, attrs []slog.Attr) []slog.Attr {
	if err == nil {
		return attrs
	}
	return append([]slog.Attr{slog.Any("err", err)}, attrs...)
}

// handler writes lines to stderr, after filtering on the level configured for
// the package the line originated from.
type handler struct {
	Pkgs  []string    // Last is the current package.
	Attrs []slog.Attr // Added with With.

	mu *sync.Mutex // Shared between handlers derived from the same root.
	w  io.Writer
}

var stderrMutex sync.Mutex

var _ slog.Handler = (*handler)(nil)

func (h *handler) writer() (io.Writer, *sync.Mutex) {
	if h.w == nil {
		return os.Stderr, &stderrMutex
	}
	return h.w, h.mu
}

// NewHandler returns an slog handler that writes to w, with level filtering
// per package. Mostly useful for tests that inspect the output.
func NewHandler(w io.Writer) slog.Handler {
	return &handler{w: w, mu: &sync.Mutex{}}
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.Level(lowestLevel.Load())
}

func (h *handler) enabled(level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	c := *config.Load()
	for i := len(h.Pkgs) - 1; i >= 0; i-- {
		if l, ok := c[h.Pkgs[i]]; ok {
			return level >= l
		}
	}
	l, ok := c[""]
	return ok && level >= l
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if !h.enabled(r.Level) {
		return nil
	}

	// We build up a buffer so we can do a single atomic write of the data. Otherwise
	// partial log lines may interleave.
	b := &bytes.Buffer{}
	var pkg string
	if len(h.Pkgs) > 0 {
		pkg = h.Pkgs[len(h.Pkgs)-1]
	}

	attrs := append([]slog.Attr{}, h.Attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	if Logfmt {
		fmt.Fprintf(b, "t=%s l=%s", r.Time.UTC().Format(time.RFC3339Nano), levelString(r.Level))
		if pkg != "" {
			fmt.Fprintf(b, " pkg=%s", pkg)
		}
		fmt.Fprintf(b, " m=%s", logfmtValue(r.Message))
		for _, a := range attrs {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a.Key == "cid", false, a.Value.Any())))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", levelString(r.Level), logfmtValue(r.Message))
		if len(attrs) > 0 || pkg != "" {
			fmt.Fprint(b, " (")
			first := true
			if pkg != "" {
				fmt.Fprintf(b, "pkg: %s", pkg)
				first = false
			}
			for _, a := range attrs {
				if !first {
					fmt.Fprint(b, "; ")
				}
				first = false
				fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(stringValue(a.Key == "cid", false, a.Value.Any())))
			}
			fmt.Fprint(b, ")")
		}
	}
	b.WriteString("\n")

	w, mu := h.writer()
	mu.Lock()
	defer mu.Unlock()
	_, err := w.Write(b.Bytes())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.Attrs = append(append([]slog.Attr{}, h.Attrs...), attrs...)
	return &nh
}

// WithGroup is not supported, attributes are always logged flat.
func (h *handler) WithGroup(name string) slog.Handler {
	return h
}

// WithPkg returns a handler with pkg as current package.
func (h *handler) WithPkg(pkg string) *handler {
	nh := *h
	nh.Pkgs = append(append([]string{}, h.Pkgs...), pkg)
	return &nh
}

func levelString(l slog.Level) string {
	if s, ok := LevelStrings[l]; ok {
		return s
	}
	return strings.ToLower(l.String())
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(iscid, nested bool, v any) string {
	// Handle some common types first.
	if v == nil {
		return ""
	}
	switch r := v.(type) {
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case int64:
		if iscid {
			return fmt.Sprintf("%x", v)
		}
		return strconv.FormatInt(r, 10)
	case bool:
		if r {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return base64.RawURLEncoding.EncodeToString(r)
	case []string:
		if nested && len(r) == 0 {
			// Drop field from logging.
			return ""
		}
		return "[" + strings.Join(r, ",") + "]"
	case error:
		return r.Error()
	case time.Time:
		return r.Format(time.RFC3339)
	case LogStringer:
		return r.LogString()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return ""
	}

	if r, ok := v.(fmt.Stringer); ok {
		return r.String()
	}

	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
		return stringValue(iscid, nested, rv.Interface())
	}
	if rv.Kind() == reflect.Slice {
		n := rv.Len()
		if nested && n == 0 {
			// Drop field.
			return ""
		}
		b := &strings.Builder{}
		b.WriteString("[")
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(";")
			}
			b.WriteString(stringValue(false, true, rv.Index(i).Interface()))
		}
		b.WriteString("]")
		return b.String()
	} else if rv.Kind() != reflect.Struct {
		return fmt.Sprintf("%v", v)
	}
	n := rv.NumField()
	t := rv.Type()
	b := &strings.Builder{}
	first := true
	for i := 0; i < n; i++ {
		fv := rv.Field(i)
		if !t.Field(i).IsExported() {
			continue
		}
		if fv.Kind() == reflect.Struct || fv.Kind() == reflect.Ptr || fv.Kind() == reflect.Interface {
			// Don't recurse.
			continue
		}
		vs := stringValue(false, true, fv.Interface())
		if vs == "" {
			continue
		}
		if !first {
			b.WriteByte(' ')
		}
		first = false
		k := strings.ToLower(t.Field(i).Name)
		b.WriteString(k + "=" + logfmtValue(vs))
	}
	return b.String()
}
