// Package api serves the build supervisor over HTTP and provides the
// matching client.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/valyala/fasthttp"

	"github.com/stellar-build/stellar/internal/build"
	"github.com/stellar-build/stellar/internal/events"
	"github.com/stellar-build/stellar/internal/store"
)

const keepAlive = 15 * time.Second

// Supervisor is the part of build.Supervisor the server needs.
type Supervisor interface {
	Start(ctx context.Context, command build.Command) (build.JobID, error)
	Status(ctx context.Context, id build.JobID) (build.Status, error)
	Logs(ctx context.Context, id build.JobID, cursor int) (build.LogChunk, error)
	Cancel(ctx context.Context, id build.JobID) (bool, error)
	List(ctx context.Context) []build.Summary
}

// History is the read side of the build history.
type History interface {
	List(ctx context.Context, limit int) ([]store.JobRow, error)
}

type Option func(*Server)

// WithEvents enables the server sent events route.
func WithEvents(broker *events.Broker) Option {
	return func(s *Server) {
		s.broker = broker
	}
}

func WithHistory(h History) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

type Server struct {
	app     *fiber.App
	sup     Supervisor
	broker  *events.Broker
	history History
	metrics http.Handler

	// closed on Shutdown, ends open event streams
	done     chan struct{}
	doneOnce sync.Once
}

func New(sup Supervisor, opts ...Option) *Server {
	s := &Server{
		sup:  sup,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "stellar",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.app.Group("/api")
	api.Get("/health", s.health)
	api.Get("/builds", s.builds)
	api.Get("/history", s.historyList)

	b := api.Group("/build")
	b.Post("/start", s.start)
	b.Get("/:id/status", s.status)
	b.Get("/:id/logs", s.logs)
	b.Post("/:id/cancel", s.cancel)
	if s.broker != nil {
		b.Get("/:id/events", s.events)
	}

	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics))
	}
}

// App exposes the fiber application, mostly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown ends event streams and waits for in flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	return s.app.ShutdownWithContext(ctx)
}

type startResponse struct {
	BuildID build.JobID `json:"buildId"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HistoryEntry is a stored build as served by /api/history.
type HistoryEntry struct {
	ID         string      `json:"buildId"`
	Path       string      `json:"path"`
	Args       []string    `json:"args"`
	Dir        string      `json:"dir,omitempty"`
	State      build.State `json:"status"`
	ExitCode   *int        `json:"code"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt *time.Time  `json:"finishedAt"`
	Lines      int         `json:"lines"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(okResponse{OK: true})
}

func (s *Server) start(c *fiber.Ctx) error {
	var command build.Command
	if err := c.BodyParser(&command); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if command.Path == "" {
		return fiber.NewError(fiber.StatusBadRequest, "path is required")
	}
	id, err := s.sup.Start(c.UserContext(), command)
	if err != nil {
		return err
	}
	return c.JSON(startResponse{BuildID: id})
}

func (s *Server) status(c *fiber.Ctx) error {
	status, err := s.sup.Status(c.UserContext(), build.JobID(c.Params("id")))
	if err != nil {
		return err
	}
	return c.JSON(status)
}

func (s *Server) logs(c *fiber.Ctx) error {
	// anything unparsable reads from the beginning
	from, err := strconv.Atoi(c.Query("from"))
	if err != nil || from < 0 {
		from = 0
	}
	chunk, err := s.sup.Logs(c.UserContext(), build.JobID(c.Params("id")), from)
	if err != nil {
		return err
	}
	return c.JSON(chunk)
}

func (s *Server) cancel(c *fiber.Ctx) error {
	ok, err := s.sup.Cancel(c.UserContext(), build.JobID(c.Params("id")))
	if err != nil {
		return err
	}
	if !ok {
		return fiber.NewError(fiber.StatusConflict, "Build not running.")
	}
	return c.JSON(okResponse{OK: true})
}

func (s *Server) builds(c *fiber.Ctx) error {
	return c.JSON(s.sup.List(c.UserContext()))
}

func (s *Server) historyList(c *fiber.Ctx) error {
	if s.history == nil {
		return fiber.NewError(fiber.StatusNotFound, "History is disabled.")
	}
	rows, err := s.history.List(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	ret := make([]HistoryEntry, 0, len(rows))
	for _, r := range rows {
		e := HistoryEntry{
			ID:         r.UUID,
			Path:       r.Path,
			Args:       r.Args,
			Dir:        r.Dir,
			State:      r.State,
			ExitCode:   r.ExitCode,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			Lines:      r.Lines,
		}
		if r.Error != nil {
			e.Error = *r.Error
		}
		ret = append(ret, e)
	}
	return c.JSON(ret)
}

// events streams the log lines of one build as they are appended. Lines
// appended before the subscription are only available through /logs.
func (s *Server) events(c *fiber.Ctx) error {
	id := build.JobID(c.Params("id"))
	if _, err := s.sup.Status(c.UserContext(), id); err != nil {
		return err
	}

	sub := s.broker.Subscribe(id, events.DefaultBuffer)
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	ctx := context.WithoutCancel(c.UserContext())
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		slog.DebugContext(ctx, "event stream opened", "job_id", id.String())

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		// the comment forces the headers out before the first event
		if err := writeFlush(w, ": stream\n\n"); err != nil {
			return
		}
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if err := writeFlush(w, ": ping\n\n"); err != nil {
					slog.DebugContext(ctx, "event stream closed", "job_id", id.String())
					return
				}
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				data, err := json.Marshal(e)
				if err != nil {
					continue
				}
				if err := writeFlush(w, "event: build-log\ndata: "+string(data)+"\n\n"); err != nil {
					slog.DebugContext(ctx, "event stream closed", "job_id", id.String())
					return
				}
			}
		}
	}))
	return nil
}

func writeFlush(w *bufio.Writer, s string) error {
	if _, err := w.WriteString(s); err != nil {
		return err
	}
	return w.Flush()
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := err.Error()

	var ferr *fiber.Error
	switch {
	case errors.As(err, &ferr):
		code = ferr.Code
		msg = ferr.Message
	case errors.Is(err, build.ErrNotFound):
		code = fiber.StatusNotFound
		msg = "Build not found."
	case errors.Is(err, build.ErrTooManyJobs):
		code = fiber.StatusTooManyRequests
		msg = "Another build is already running."
	case errors.Is(err, build.ErrSpawnFailed):
		code = fiber.StatusBadRequest
	case errors.Is(err, build.ErrClosed):
		code = fiber.StatusServiceUnavailable
		msg = "Server is shutting down."
	}
	if code >= fiber.StatusInternalServerError {
		slog.ErrorContext(c.UserContext(), "request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(errorResponse{Error: msg})
}

func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// render the error now, so the logged status is the real one
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
			err = nil
		}
		slog.DebugContext(c.UserContext(), "request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"latency", time.Since(start),
			"ip", c.IP(),
		)
		return err
	}
}
