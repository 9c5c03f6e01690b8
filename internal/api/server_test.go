package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stellar-build/stellar/internal/api"
	"github.com/stellar-build/stellar/internal/build"
	"github.com/stellar-build/stellar/internal/events"
	"github.com/stellar-build/stellar/internal/metrics"
	"github.com/stellar-build/stellar/internal/store"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

type fixture struct {
	sup    *build.Supervisor
	broker *events.Broker
	store  *store.Store
	server *api.Server
}

func newFixture(t *testing.T, opts ...build.Option) fixture {
	t.Helper()
	st, err := store.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	broker := events.NewBroker()
	collector := metrics.New()

	opts = append(opts,
		build.WithSink(broker, collector),
		build.WithRecorder(st, collector),
	)
	sup := build.New(opts...)
	server := api.New(sup,
		api.WithEvents(broker),
		api.WithHistory(st),
		api.WithMetrics(collector.Handler()),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, server.Shutdown(ctx))
		require.NoError(t, sup.Shutdown(ctx))
		require.NoError(t, st.Close())
	})
	return fixture{sup: sup, broker: broker, store: st, server: server}
}

func (f fixture) do(t *testing.T, method, target string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = strings.NewReader(string(b))
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.server.App().Test(req, int(waitFor/time.Millisecond))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func (f fixture) start(t *testing.T, command build.Command) build.JobID {
	t.Helper()
	code, raw := f.do(t, http.MethodPost, "/api/build/start", command)
	require.Equal(t, http.StatusOK, code, string(raw))
	resp := decode[map[string]string](t, raw)
	require.NotEmpty(t, resp["buildId"])
	return build.JobID(resp["buildId"])
}

func (f fixture) waitTerminal(t *testing.T, id build.JobID) build.Status {
	t.Helper()
	var status build.Status
	require.Eventually(t, func() bool {
		var err error
		status, err = f.sup.Status(t.Context(), id)
		return err == nil && status.State.Terminal()
	}, waitFor, tick)
	return status
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code, raw := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestServer_BuildLifecycle(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	f := newFixture(t)

	id := f.start(t, build.Command{Path: sh, Args: []string{"-c", "echo a; echo b >&2; exit 2"}})
	f.waitTerminal(t, id)

	code, raw := f.do(t, http.MethodGet, "/api/build/"+id.String()+"/status", nil)
	require.Equal(t, http.StatusOK, code)
	status := decode[map[string]any](t, raw)
	require.Equal(t, "error", status["status"])
	require.EqualValues(t, 2, status["code"])
	require.Equal(t, "process exited with code 2", status["error"])
	require.NotNil(t, status["startedAt"])
	require.NotNil(t, status["finishedAt"])

	var chunk build.LogChunk
	require.Eventually(t, func() bool {
		code, raw := f.do(t, http.MethodGet, "/api/build/"+id.String()+"/logs?from=0", nil)
		if code != http.StatusOK || json.Unmarshal(raw, &chunk) != nil {
			return false
		}
		return len(chunk.Lines) == 3
	}, waitFor, tick)
	require.True(t, chunk.Finished)
	require.Equal(t, 3, chunk.NextCursor)
	require.True(t, strings.HasPrefix(chunk.Lines[0], "Running: "))
	require.ElementsMatch(t, []string{"a", "b"}, chunk.Lines[1:])

	t.Run("logs from cursor", func(t *testing.T) {
		code, raw := f.do(t, http.MethodGet, "/api/build/"+id.String()+"/logs?from=3", nil)
		require.Equal(t, http.StatusOK, code)
		require.JSONEq(t, `{"lines":[],"nextIndex":3,"finished":true}`, string(raw))
	})

	t.Run("bad cursor reads everything", func(t *testing.T) {
		for _, from := range []string{"-5", "abc", ""} {
			code, raw := f.do(t, http.MethodGet, "/api/build/"+id.String()+"/logs?from="+from, nil)
			require.Equal(t, http.StatusOK, code)
			require.Len(t, decode[build.LogChunk](t, raw).Lines, 3)
		}
	})

	t.Run("cancel finished", func(t *testing.T) {
		code, raw := f.do(t, http.MethodPost, "/api/build/"+id.String()+"/cancel", nil)
		require.Equal(t, http.StatusConflict, code)
		require.JSONEq(t, `{"error":"Build not running."}`, string(raw))
	})

	t.Run("builds", func(t *testing.T) {
		code, raw := f.do(t, http.MethodGet, "/api/builds", nil)
		require.Equal(t, http.StatusOK, code)
		list := decode[[]build.Summary](t, raw)
		require.Len(t, list, 1)
		require.Equal(t, id, list[0].ID)
	})

	t.Run("history", func(t *testing.T) {
		code, raw := f.do(t, http.MethodGet, "/api/history?limit=10", nil)
		require.Equal(t, http.StatusOK, code)
		list := decode[[]api.HistoryEntry](t, raw)
		require.Len(t, list, 1)
		require.Equal(t, id.String(), list[0].ID)
		require.Equal(t, build.StateError, list[0].State)
		require.NotNil(t, list[0].ExitCode)
		require.Equal(t, 2, *list[0].ExitCode)
	})

	t.Run("metrics", func(t *testing.T) {
		code, raw := f.do(t, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, code)
		require.Contains(t, string(raw), `stellar_jobs_finished_total{state="error"} 1`)
		require.Contains(t, string(raw), "stellar_jobs_started_total 1")
	})
}

func TestServer_Cancel(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	f := newFixture(t)

	id := f.start(t, build.Command{Path: sh, Args: []string{"-c", "sleep 30"}})
	code, raw := f.do(t, http.MethodPost, "/api/build/"+id.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"ok":true}`, string(raw))

	code, raw = f.do(t, http.MethodGet, "/api/build/"+id.String()+"/status", nil)
	require.Equal(t, http.StatusOK, code)
	status := decode[build.Status](t, raw)
	require.Equal(t, build.StateCancelled, status.State)
	require.Nil(t, status.ExitCode)
}

func TestServer_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, target := range []string{
		"/api/build/nope/status",
		"/api/build/nope/logs",
	} {
		code, raw := f.do(t, http.MethodGet, target, nil)
		require.Equal(t, http.StatusNotFound, code, target)
		require.JSONEq(t, `{"error":"Build not found."}`, string(raw))
	}
	code, _ := f.do(t, http.MethodPost, "/api/build/nope/cancel", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, raw := f.do(t, http.MethodPost, "/api/build/start", map[string]any{"args": []string{"x"}})
	require.Equal(t, http.StatusBadRequest, code)
	require.JSONEq(t, `{"error":"path is required"}`, string(raw))

	code, raw = f.do(t, http.MethodPost, "/api/build/start", build.Command{Path: "/nonexistent/stellar-test-binary"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, decode[map[string]string](t, raw)["error"], "failed to start build")
	require.Empty(t, f.sup.List(t.Context()))
}

func TestServer_TooManyJobs(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	f := newFixture(t, build.WithMaxRunning(1))

	f.start(t, build.Command{Path: sh, Args: []string{"-c", "sleep 30"}})
	code, raw := f.do(t, http.MethodPost, "/api/build/start", build.Command{Path: sh, Args: []string{"-c", "true"}})
	require.Equal(t, http.StatusTooManyRequests, code)
	require.JSONEq(t, `{"error":"Another build is already running."}`, string(raw))
}

func TestServer_StartAfterShutdown(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	f := newFixture(t)
	require.NoError(t, f.sup.Shutdown(t.Context()))

	code, raw := f.do(t, http.MethodPost, "/api/build/start", build.Command{Path: sh, Args: []string{"-c", "true"}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.JSONEq(t, `{"error":"Server is shutting down."}`, string(raw))
}

func TestServer_HistoryDisabled(t *testing.T) {
	t.Parallel()
	server := api.New(build.New())
	resp, err := server.App().Test(httptest.NewRequest(http.MethodGet, "/api/history", nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// serve runs the server on a loopback port and returns its base URL
func serve(t *testing.T, server *api.Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, server.Shutdown(ctx))
		require.NoError(t, <-served)
	})
	return "http://" + ln.Addr().String()
}

func TestServer_Events(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	f := newFixture(t)
	base := serve(t, f.server)

	// the sleep leaves time to subscribe
	id := f.start(t, build.Command{Path: sh, Args: []string{"-c", "sleep 1; echo one; echo two"}})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, base+"/api/build/"+id.String()+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var got []build.Event
	scanner := bufio.NewScanner(resp.Body)
	var event string
	for len(got) < 2 && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.Equal(t, "build-log", event)
			var e build.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
			got = append(got, e)
		}
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []build.Event{
		{JobID: id, Line: "one"},
		{JobID: id, Line: "two"},
	}, got)
}
