package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/pkg/job"
)

type jobOpts struct {
	*rootOpts
}

func newJob(parent *rootOpts) *jobOpts {
	return &jobOpts{rootOpts: parent}
}

func (opts *jobOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "job <id>",
		Short:   "Show the status of a queued job, e.g., a webhook delivery.",
		Example: makeExample("pipewrightctl job 0d8c3e55-6d1a-4c3e-9a57-0a3d8f7b4f21"),
		Args:    cobra.ExactArgs(1),
		RunE:    opts.RunE,
	}
}

func (opts *jobOpts) RunE(cmd *cobra.Command, args []string) error {
	status, err := opts.API.JobStatus(context.Background(), job.ID(args[0]))
	if err != nil {
		return err
	}
	out := newTabwriter(cmd.OutOrStdout())
	defer out.Flush()
	fmt.Fprintf(out, "Status:\t%s\n", status.StatusString)
	if status.Result.Execution != "" {
		fmt.Fprintf(out, "Execution:\t%s\n", status.Result.Execution)
	}
	if status.Result.State != "" {
		fmt.Fprintf(out, "Result:\t%s\n", status.Result.State)
	}
	if status.Err != "" {
		fmt.Fprintf(out, "Error:\t%s\n", status.Err)
	}
	return nil
}
