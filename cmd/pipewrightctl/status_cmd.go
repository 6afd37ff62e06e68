package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/pkg/workflow"
)

type statusOpts struct {
	*rootOpts
	history bool
}

func newStatus(parent *rootOpts) *statusOpts {
	return &statusOpts{rootOpts: parent}
}

func (opts *statusOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [execution]",
		Short: "List executions, or show where one execution is.",
		Example: makeExample(
			"pipewrightctl status",
			"pipewrightctl status pr-7-2c1f9f2e --history",
		),
		Args: cobra.MaximumNArgs(1),
		RunE: opts.RunE,
	}
	cmd.Flags().BoolVar(&opts.history, "history", false, "show every state the execution went through")
	return cmd
}

func (opts *statusOpts) RunE(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := newTabwriter(cmd.OutOrStdout())
	defer out.Flush()

	if len(args) == 0 {
		execs, err := opts.API.Executions(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "EXECUTION\tSTATE\tBRANCH\tUPDATED")
		for _, e := range execs {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", e.ID, e.State, e.Payload.Event.SourceBranch, e.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	}

	e, err := opts.API.Execution(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Execution:\t%s\n", e.ID)
	fmt.Fprintf(out, "State:\t%s\n", e.State)
	fmt.Fprintf(out, "Pull request:\t#%d %s -> %s\n", e.Payload.Event.ID, e.Payload.Event.SourceBranch, e.Payload.Event.DestinationBranch)
	if e.Payload.Branch != "" {
		fmt.Fprintf(out, "Branch:\t%s\n", e.Payload.Branch)
	}
	if e.Payload.ReviewPullRequest != 0 {
		fmt.Fprintf(out, "Review:\t#%d\n", e.Payload.ReviewPullRequest)
	}
	if e.Attempts > 0 && !e.State.Terminal() {
		fmt.Fprintf(out, "Attempts:\t%d\n", e.Attempts)
	}
	if e.Payload.Error != nil {
		fmt.Fprintf(out, "Error:\t%s: %s\n", e.Payload.Error.Error, e.Payload.Error.Cause)
	}
	if opts.history {
		printHistory(out, e.History)
	}
	return nil
}

func printHistory(out *tabwriter.Writer, history []workflow.Transition) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "AT\tFROM\tTO\tSTEP\tERROR")
	for _, t := range history {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", t.At.Format(time.RFC3339), t.From, t.To, t.Step, t.Error)
	}
}
