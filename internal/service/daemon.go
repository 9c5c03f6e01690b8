package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/stellar-build/stellar/internal/api"
	"github.com/stellar-build/stellar/internal/build"
	"github.com/stellar-build/stellar/internal/events"
	"github.com/stellar-build/stellar/internal/metrics"
	"github.com/stellar-build/stellar/internal/model"
	"github.com/stellar-build/stellar/internal/store"
)

// ShutdownTimeout bounds the graceful part of Daemon.Serve.
const ShutdownTimeout = 10 * time.Second

// Daemon wires the supervisor with its sinks, recorders and the HTTP
// server.
type Daemon struct {
	listen    string
	sup       *build.Supervisor
	broker    *events.Broker
	metrics   *metrics.Collector
	store     *store.Store     // nil when history is disabled
	scheduler gocron.Scheduler // nil when retention is disabled
	server    *api.Server
}

// NewDaemon builds all components from cfg. historyPath is the resolved
// database path, used only when the history is enabled.
func NewDaemon(ctx context.Context, cfg model.Config, historyPath string) (*Daemon, error) {
	d := &Daemon{
		listen:  cfg.Service.Listen,
		broker:  events.NewBroker(),
		metrics: metrics.New(),
	}

	recorders := []build.Recorder{d.metrics}
	if cfg.History.Enabled {
		st, err := store.Open(ctx, historyPath)
		if err != nil {
			return nil, fmt.Errorf("opening build history %s: %w", historyPath, err)
		}
		d.store = st
		recorders = append(recorders, st)
	}

	d.sup = build.New(
		build.WithSink(d.broker, d.metrics),
		build.WithRecorder(recorders...),
		build.WithMaxRunning(cfg.Supervisor.MaxRunning),
		build.WithMaxLogLines(cfg.Supervisor.MaxLogLines),
	)

	if cfg.Retention.Enabled {
		var history HistoryPruner
		if d.store != nil {
			history = d.store
		}
		retention, err := NewRetention(cfg.Retention, d.sup, history)
		if err != nil {
			d.closeStore(ctx)
			return nil, fmt.Errorf("configuring retention: %w", err)
		}
		d.scheduler, err = retention.Scheduler(ctx)
		if err != nil {
			d.closeStore(ctx)
			return nil, fmt.Errorf("configuring retention: %w", err)
		}
	}

	opts := []api.Option{
		api.WithEvents(d.broker),
		api.WithMetrics(d.metrics.Handler()),
	}
	if d.store != nil {
		opts = append(opts, api.WithHistory(d.store))
	}
	d.server = api.New(d.sup, opts...)
	return d, nil
}

func (d *Daemon) Supervisor() *build.Supervisor {
	return d.sup
}

// Run listens on the configured address and serves until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.listen)
	if err != nil {
		d.closeStore(ctx)
		return fmt.Errorf("listening on %s: %w", d.listen, err)
	}
	return d.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done or the server fails. On the way out
// running builds are cancelled and the history is closed.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	slog.InfoContext(ctx, "serving build API", "addr", ln.Addr().String())

	if d.scheduler != nil {
		d.scheduler.Start()
		defer func() {
			if err := d.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}
	defer d.closeStore(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.server.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		slog.InfoContext(ctx, "shutting down")
		return errors.Join(
			d.server.Shutdown(sctx),
			d.sup.Shutdown(sctx),
		)
	})
	return g.Wait()
}

func (d *Daemon) closeStore(ctx context.Context) {
	if d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		slog.ErrorContext(ctx, "closing build history", "error", err)
	}
}
