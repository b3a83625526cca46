package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// exitCodeError carries a process exit code out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
	output  string
}

func (o *globalOptions) client() *client {
	return newClient(o.server, o.token, o.timeout)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(execute(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(stderr, "error:", exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintln(stderr, "error:", err)
	return 1
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "conveyorctl",
		Short:         "Validate pipelines and drive runs on a conveyor orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("CONVEYOR_SERVER", "http://localhost:8080"), "Orchestrator base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CONVEYOR_TOKEN"), "Bearer token")
	root.PersistentFlags().DurationVar(&opts.timeout, "http-timeout", 30*time.Second, "Per-request timeout")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "Output format: text or json")

	root.AddCommand(
		newValidateCommand(),
		newPlanCommand(opts),
		newPipelinesCommand(opts),
		newRunCommand(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
