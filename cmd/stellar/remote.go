package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellar-build/stellar/internal/api"
	"github.com/stellar-build/stellar/internal/build"
	"github.com/stellar-build/stellar/internal/service"
	"github.com/stellar-build/stellar/internal/store"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "build talks to a running stellar daemon",
}

var buildStartCmd = &cobra.Command{
	Use:   "start [flags] -- path [args...]",
	Short: "start a build and print its id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		command, err := commandFromArgs(args, flagStartDir, flagStartEnv)
		if err != nil {
			return err
		}
		id, err := client.Start(cmd.Context(), command)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
		return err
	},
}

var buildStatusCmd = &cobra.Command{
	Use:   "status id",
	Short: "print the status of a build as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		status, err := client.Status(cmd.Context(), build.JobID(args[0]))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

var buildLogsCmd = &cobra.Command{
	Use:   "logs id",
	Short: "print the output of a build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		id := build.JobID(args[0])
		if !flagFollow {
			_, err := printLogs(cmd.Context(), client, id, flagFrom, cmd.OutOrStdout())
			return err
		}
		_, _, err = follow(cmd.Context(), client, id, cmd.OutOrStdout())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var buildCancelCmd = &cobra.Command{
	Use:   "cancel id",
	Short: "cancel a running build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ok, err := client.Cancel(cmd.Context(), build.JobID(args[0]))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("build not running")
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history prints the recorded builds, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !config.History.Enabled {
			return errors.New("history is disabled in " + configPath)
		}
		st, err := store.Open(cmd.Context(), historyPath())
		if err != nil {
			return err
		}
		defer func() {
			_ = st.Close()
		}()
		rows, err := st.List(cmd.Context(), flagLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tCODE\tSTARTED\tDURATION\tCOMMAND")
		for _, r := range rows {
			code := "-"
			if r.ExitCode != nil {
				code = strconv.Itoa(*r.ExitCode)
			}
			duration := "-"
			if r.FinishedAt != nil {
				duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
			}
			command := build.CommandLine(build.Command{Path: r.Path, Args: r.Args})
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.UUID, r.State, code, r.StartedAt.Local().Format(time.DateTime), duration, command)
		}
		return w.Flush()
	},
}

var (
	flagServer   string
	flagStartDir string
	flagStartEnv []string
	flagFollow   bool
	flagFrom     int
	flagLimit    int
)

func init() {
	buildCmd.PersistentFlags().StringVar(&flagServer, "server", "", "daemon URL, default derived from service.listen")
	buildStartCmd.Flags().StringVar(&flagStartDir, "dir", "", "working directory of the build")
	buildStartCmd.Flags().StringArrayVar(&flagStartEnv, "env", nil, "environment override KEY=VALUE, repeatable")
	buildLogsCmd.Flags().BoolVarP(&flagFollow, "follow", "f", false, "keep printing until the build finishes")
	buildLogsCmd.Flags().IntVar(&flagFrom, "from", 0, "first line to print, ignored with --follow")
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "number of builds to print, 0 prints all")

	buildCmd.AddCommand(buildStartCmd, buildStatusCmd, buildLogsCmd, buildCancelCmd)
}

func newClient() (*api.Client, error) {
	if flagServer != "" {
		return api.NewClient(flagServer, 0)
	}
	v, err := service.NewViper(nil)
	if err != nil {
		return nil, err
	}
	listen, err := service.Listen(v, config.Service.Listen)
	if err != nil {
		return nil, err
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, err
	}
	// a wildcard listener is reachable on loopback
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return api.NewClient("http://"+net.JoinHostPort(host, port), 0)
}

