package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

const (
	Stderr  = "stderr"
	Stdout  = "stdout"
	Discard = "discard"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds attributes stored by ContextAttrs to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	}
	// never share the backing array with the parent context
	a = append(a[:len(a):len(a)], attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// New returns a JSON logger writing to dest, which is one of stderr, stdout,
// discard or a file path. The returned closer must be called when the
// logger is no longer used.
func New(verbose bool, dest string) (*slog.Logger, io.Closer, error) {
	w, closer, err := open(dest)
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	return slog.New(NewContextHandler(base)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func open(dest string) (io.Writer, io.Closer, error) {
	switch dest {
	case "", Stderr:
		return os.Stderr, nopCloser{}, nil
	case Stdout:
		return os.Stdout, nopCloser{}, nil
	case Discard:
		return io.Discard, nopCloser{}, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", dest, err)
	}
	return f, f, nil
}
