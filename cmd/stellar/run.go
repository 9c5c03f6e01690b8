package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellar-build/stellar/internal/build"
	"github.com/stellar-build/stellar/internal/log"
	"github.com/stellar-build/stellar/internal/service"
)

const pollInterval = 100 * time.Millisecond

var runCmd = &cobra.Command{
	Use:   "run [flags] -- path [args...]",
	Short: "run executes one build in the foreground and streams its output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRun,
}

var (
	flagRunDir string
	flagRunEnv []string
)

func init() {
	runCmd.Flags().StringVar(&flagRunDir, "dir", "", "working directory of the build")
	runCmd.Flags().StringArrayVar(&flagRunEnv, "env", nil, "environment override KEY=VALUE, repeatable")
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("stellar",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	command, err := commandFromArgs(args, flagRunDir, flagRunEnv)
	if err != nil {
		return err
	}

	sup := build.New(build.WithMaxLogLines(config.Supervisor.MaxLogLines))
	// the build outlives the interrupt, it is cancelled and drained instead
	bctx := context.WithoutCancel(ctx)
	id, err := sup.Start(bctx, command)
	if err != nil {
		return err
	}

	status, cursor, err := follow(ctx, sup, id, cmd.OutOrStdout())
	if errors.Is(err, context.Canceled) {
		slog.InfoContext(bctx, "interrupted, cancelling build", "job_id", id.String())
		if _, err := sup.Cancel(bctx, id); err != nil {
			return err
		}
		status, cursor, err = follow(bctx, sup, id, cmd.OutOrStdout())
	}
	if err != nil {
		return err
	}

	// wait for the pumps, then print what they appended after the exit
	sctx, cancel := context.WithTimeout(bctx, service.ShutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(sctx); err != nil {
		slog.WarnContext(bctx, "draining build output", "error", err)
	}
	if _, err := printLogs(bctx, sup, id, cursor, cmd.OutOrStdout()); err != nil {
		return err
	}
	return exitStatus(status)
}

// logSource is implemented by build.Supervisor and api.Client
type logSource interface {
	Status(ctx context.Context, id build.JobID) (build.Status, error)
	Logs(ctx context.Context, id build.JobID, cursor int) (build.LogChunk, error)
}

// follow prints logs until the build reaches a terminal state. Status is
// asked first so the last read happens after the exit was observed.
func follow(ctx context.Context, src logSource, id build.JobID, w io.Writer) (build.Status, int, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var cursor int
	for {
		status, err := src.Status(ctx, id)
		if err != nil {
			return build.Status{}, cursor, err
		}
		cursor, err = printLogs(ctx, src, id, cursor, w)
		if err != nil {
			return build.Status{}, cursor, err
		}
		if status.State.Terminal() {
			return status, cursor, nil
		}

		select {
		case <-ctx.Done():
			return status, cursor, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printLogs(ctx context.Context, src logSource, id build.JobID, cursor int, w io.Writer) (int, error) {
	chunk, err := src.Logs(ctx, id, cursor)
	if err != nil {
		return cursor, err
	}
	for _, line := range chunk.Lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return cursor, err
		}
	}
	return chunk.NextCursor, nil
}

// exitStatus maps a terminal status to the process exit code
func exitStatus(status build.Status) error {
	switch {
	case status.State == build.StateSuccess:
		return nil
	case status.State == build.StateCancelled:
		return exitCodeError{code: 130}
	case status.ExitCode != nil:
		return exitCodeError{code: *status.ExitCode}
	default:
		return exitCodeError{code: 1}
	}
}

func commandFromArgs(args []string, dir string, env []string) (build.Command, error) {
	command := build.Command{
		Path: args[0],
		Args: args[1:],
		Dir:  dir,
	}
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return build.Command{}, fmt.Errorf("invalid --env %q, expected KEY=VALUE", kv)
		}
		if command.Env == nil {
			command.Env = make(map[string]string)
		}
		command.Env[k] = v
	}
	return command, nil
}
