package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/animus-labs/conveyor/internal/execution/plan"
	"github.com/animus-labs/conveyor/internal/pipelinespec"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate pipeline definitions offline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				p, err := pipelinespec.Load(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (pipeline %s, %d stages, %d edges)\n", path, p.ID, len(p.Stages), len(p.Edges))
			}
			if failed > 0 {
				return &exitCodeError{code: 1, err: fmt.Errorf("%d of %d definitions invalid", failed, len(args))}
			}
			return nil
		},
	}
}

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var targets []string
	cmd := &cobra.Command{
		Use:   "plan FILE",
		Short: "Print the execution plan a run of the given targets would follow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipelinespec.Load(args[0])
			if err != nil {
				return err
			}
			built, err := plan.BuildPlan(p, "preview", targets)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				raw, err := plan.MarshalExecutionPlan(built)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LAYER\tSTAGE\tKIND\tATTEMPTS")
			for _, stage := range built.Stages {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", stage.Layer, stage.ID, stage.Kind, stage.MaxAttempts)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&targets, "target", nil, "Target stage (repeatable); defaults to the whole pipeline")
	return cmd
}

func newPipelinesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "List pipelines loaded by the orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().listPipelines(cmd.Context())
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd, list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTAGES")
			for _, raw := range list {
				var p struct {
					ID     string            `json:"id"`
					Name   string            `json:"name"`
					Stages []json.RawMessage `json:"stages"`
				}
				if err := json.Unmarshal(raw, &p); err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\n", p.ID, p.Name, len(p.Stages))
			}
			return tw.Flush()
		},
	}
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
