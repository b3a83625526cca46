package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start, inspect, cancel and wait for runs",
	}
	cmd.AddCommand(
		newRunStartCommand(opts),
		newRunStatusCommand(opts),
		newRunCancelCommand(opts),
		newRunWaitCommand(opts),
	)
	return cmd
}

type waitOptions struct {
	wait     bool
	interval time.Duration
	timeout  time.Duration
}

func (w *waitOptions) bind(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&w.interval, "poll-interval", 2*time.Second, "Status poll interval while waiting")
	cmd.Flags().DurationVar(&w.timeout, "wait-timeout", 0, "Give up waiting after this long (0 waits forever)")
}

func newRunStartCommand(opts *globalOptions) *cobra.Command {
	var (
		revision string
		targets  []string
		params   []string
		confirm  bool
		wait     waitOptions
	)
	cmd := &cobra.Command{
		Use:   "start PIPELINE",
		Short: "Start a manual run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			c := opts.client()
			res, err := c.startRun(cmd.Context(), startRunRequest{
				PipelineID: args[0],
				Revision:   revision,
				Targets:    targets,
				Params:     parsed,
				Confirm:    confirm,
			})
			if err != nil {
				return err
			}
			if !wait.wait {
				if opts.output == "json" {
					return writeJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s started (%s)\n", res.RunID, res.Run.State)
				return nil
			}
			return waitAndReport(cmd, opts, c, res.RunID, wait)
		},
	}
	cmd.Flags().StringVar(&revision, "revision", "", "VCS revision to build")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "Target stage (repeatable); defaults to the pipeline sinks")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Run parameter as name=value (repeatable)")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm a start the pipeline gate asks confirmation for")
	cmd.Flags().BoolVar(&wait.wait, "wait", false, "Wait for the run to finish and exit with its code")
	wait.bind(cmd)
	return cmd
}

func newRunStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().getRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRun(cmd, opts, status)
		},
	}
}

func newRunCancelCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().cancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRun(cmd, opts, status)
		},
	}
}

func newRunWaitCommand(opts *globalOptions) *cobra.Command {
	var wait waitOptions
	cmd := &cobra.Command{
		Use:   "wait RUN_ID",
		Short: "Wait for a run to finish and exit with its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return waitAndReport(cmd, opts, opts.client(), args[0], wait)
		},
	}
	wait.bind(cmd)
	return cmd
}

// waitAndReport blocks until the run ends and maps its state to the
// process exit code: 0 succeeded, 1 failed, 2 cancelled.
func waitAndReport(cmd *cobra.Command, opts *globalOptions, c *client, runID string, wait waitOptions) error {
	ctx := cmd.Context()
	if wait.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait.timeout)
		defer cancel()
	}
	status, err := c.waitRun(ctx, runID, wait.interval, func(v runView) {
		if opts.output != "json" {
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s: %s\n", v.RunID, v.State)
		}
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &exitCodeError{code: 1, err: fmt.Errorf("run %s still %s after %s", runID, status.State, wait.timeout)}
		}
		return err
	}
	if err := printRun(cmd, opts, status); err != nil {
		return err
	}
	if status.ExitCode != nil && *status.ExitCode != 0 {
		return &exitCodeError{code: *status.ExitCode}
	}
	return nil
}

func printRun(cmd *cobra.Command, opts *globalOptions, status runView) error {
	if opts.output == "json" {
		return writeJSON(cmd, status)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run:      %s\n", status.RunID)
	fmt.Fprintf(out, "pipeline: %s\n", status.PipelineID)
	if status.Revision != "" {
		fmt.Fprintf(out, "revision: %s\n", status.Revision)
	}
	if status.Trigger != "" {
		fmt.Fprintf(out, "trigger:  %s\n", status.Trigger)
	}
	fmt.Fprintf(out, "state:    %s\n", status.State)
	if status.ExitCode != nil {
		fmt.Fprintf(out, "exit:     %d\n", *status.ExitCode)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATE\tATTEMPTS\tAGENT\tREASON")
	for _, stage := range status.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", stage.StageID, stage.State, stage.Attempts, dash(stage.AgentID), dash(string(stage.Reason)))
	}
	return tw.Flush()
}

func parseParams(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, value := range values {
		name, v, ok := strings.Cut(value, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("param %q must be name=value", value)
		}
		out[name] = v
	}
	return out, nil
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
