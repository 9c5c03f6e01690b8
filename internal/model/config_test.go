package model_test

import (
	"strings"
	"testing"

	"github.com/stellar-build/stellar/internal/model"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	require.Equal(t, 0, cfg.Version)
	require.False(t, cfg.Service.Verbose)
	require.Equal(t, model.LogStderr, cfg.Service.Log)
	require.Equal(t, model.DefaultListen, cfg.Service.Listen)
	require.Zero(t, cfg.Supervisor.MaxRunning)
	require.Zero(t, cfg.Supervisor.MaxLogLines)
	require.True(t, cfg.History.Enabled)
	require.Empty(t, cfg.History.Path)
	require.False(t, cfg.Retention.Enabled)
	require.Equal(t, "PT10M", cfg.Retention.Schedule.Duration)
	require.Equal(t, "PT24H", cfg.Retention.MaxAge)
	require.Equal(t, "P30D", cfg.Retention.HistoryAge)
	require.NoError(t, cfg.Retention.Schedule.Validate())
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
service:
  verbose: true
  log: /var/log/stellar.log
  listen: 0.0.0.0:8080
supervisor:
  max_running: 1
  max_log_lines: 5000
history:
  enabled: false
retention:
  enabled: true
  schedule:
    cron: "*/5 * * * *"
  max_age: PT1H
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, "/var/log/stellar.log", cfg.Service.Log)
	require.Equal(t, "0.0.0.0:8080", cfg.Service.Listen)
	require.Equal(t, 1, cfg.Supervisor.MaxRunning)
	require.Equal(t, 5000, cfg.Supervisor.MaxLogLines)
	require.False(t, cfg.History.Enabled)
	require.True(t, cfg.Retention.Enabled)
	require.Equal(t, "*/5 * * * *", cfg.Retention.Schedule.Cron)
	require.Equal(t, "PT1H", cfg.Retention.MaxAge)
	require.Equal(t, "P30D", cfg.Retention.HistoryAge)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		path     string
		code     string
	}{
		{
			scenario: "unknown field",
			given:    "version: 0\nservice:\n  mode: manual\n",
			path:     "service.mode",
			code:     "unknown_field",
		},
		{
			scenario: "negative limit",
			given:    "version: 0\nsupervisor:\n  max_running: -1\n",
			path:     "supervisor.max_running",
		},
		{
			scenario: "bad listen",
			given:    "version: 0\nservice:\n  listen: localhost\n",
			path:     "service.listen",
		},
		{
			scenario: "bad version",
			given:    "version: 1\n",
			path:     "version",
		},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)

			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			var paths []string
			for _, d := range details {
				paths = append(paths, d.Path)
				require.NotEmpty(t, d.Message)
				require.NotZero(t, d.Pos.Line)
				if d.Path == tc.path && tc.code != "" {
					require.Equal(t, tc.code, d.Code)
				}
			}
			require.Contains(t, paths, tc.path)
		})
	}
}

func TestCueErrDetails_Nil(t *testing.T) {
	t.Parallel()
	require.Nil(t, model.CueErrDetails(nil))
}
