package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/mjl-/flagstore/config"
	"github.com/mjl-/flagstore/mlog"
	"github.com/mjl-/flagstore/mutate"
)

type listener struct {
	name    string
	ln      net.Listener
	handler http.Handler
	timeout time.Duration
}

// Serve listens on the worker and metrics addresses from the configuration,
// and serves until ctx is canceled or a server fails. Worker requests are
// executed with x. Nothing is served for listeners that are not configured.
func Serve(ctx context.Context, static config.Static, x mutate.Executor) error {
	var listeners []listener
	defer func() {
		for _, l := range listeners {
			l.ln.Close()
		}
	}()

	if w := static.Worker; w != nil {
		h, err := NewHandler(x, w.PasswordHash)
		if err != nil {
			return err
		}
		ln, err := Listen(w.IP, config.Port(w.Port, 1143), w.MaxConnections)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(Path, h)
		timeout := time.Duration(w.RequestTimeoutSecs) * time.Second
		listeners = append(listeners, listener{"worker", ln, mux, timeout})
	}
	if m := static.Metrics; m != nil {
		ln, err := Listen(m.IP, config.Port(m.Port, 8010), 0)
		if err != nil {
			return err
		}
		listeners = append(listeners, listener{"metrics", ln, metricsHandler(), 30 * time.Second})
	}
	if len(listeners) == 0 {
		<-ctx.Done()
		return nil
	}
	return serve(ctx, listeners)
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Listen returns a tcp listener for ip and port. If maxConns is positive, at
// most that many connections are accepted simultaneously.
func Listen(ip string, port, maxConns int) (net.Listener, error) {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

func serve(ctx context.Context, listeners []listener) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		log := pkglog.With(slog.String("listener", l.name), slog.String("address", l.ln.Addr().String()))
		server := &http.Server{
			Handler:           l.handler,
			ReadHeaderTimeout: 30 * time.Second,
			ReadTimeout:       l.timeout,
			WriteTimeout:      l.timeout,
			IdleTimeout:       65 * time.Second,
			ErrorLog:          slog.NewLogLogger(log.With(slog.String("pkg", "net/http")).Handler(), mlog.LevelInfo),
		}
		ln := l.ln
		g.Go(func() error {
			log.Print("http listener")
			err := server.Serve(ln)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve %s: %w", l.name, err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := server.Shutdown(sctx)
			log.Check(err, "shutting down http server")
			return nil
		})
	}
	return g.Wait()
}
