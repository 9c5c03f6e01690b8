package build

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	maxLineSize = 1024 * 1024
	// TruncatedMarker ends a line which was cut at the maximum line size.
	TruncatedMarker = " ...[truncated]"
)

// pump drains one output stream of a job into its log buffer until EOF.
// It never touches the job status.
func (s *Supervisor) pump(ctx context.Context, id JobID, stream string, r io.ReadCloser, logs *LogBuffer) {
	defer func() {
		_ = r.Close()
	}()

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readLine(br)
		// a final line without newline still counts
		if err == nil || line != "" {
			logs.Append(line)
			s.publish(id, line)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return
		}
		slog.WarnContext(ctx, "reading build output", "job_id", id.String(), "stream", stream, "error", err)
		// keep the pipe drained, a blocked writer would never exit
		_, _ = io.Copy(io.Discard, br)
		return
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxLineSize is cut and the remainder up to the newline is skipped.
func readLine(br *bufio.Reader) (string, error) {
	var (
		buf []byte
		cut bool
	)
	for {
		frag, err := br.ReadSlice('\n')
		if err == nil {
			frag = frag[:len(frag)-1]
		}
		if room := maxLineSize - len(buf); len(frag) > room {
			frag = frag[:room]
			cut = true
		}
		buf = append(buf, frag...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if cut {
			return string(buf) + TruncatedMarker, err
		}
		return strings.TrimSuffix(string(buf), "\r"), err
	}
}
