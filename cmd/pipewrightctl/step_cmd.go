package main

import (
	"context"
	"encoding/json"
	"io/ioutil"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/pkg/http/daemon"
	"github.com/pipewright/pipewright/pkg/workflow"
)

type stepOpts struct {
	*rootOpts
	payload string
	jobID   string
}

func newStep(parent *rootOpts) *stepOpts {
	return &stepOpts{rootOpts: parent}
}

func (opts *stepOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step <name>",
		Short: "Run one pipeline step against a payload and print the payload it returns.",
		Example: makeExample(
			"pipewrightctl step openBranch --payload payload.json",
			"pipewrightctl step cleanup --payload - < payload.json",
		),
		Args: cobra.ExactArgs(1),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.payload, "payload", "p", "", "file holding the JSON payload; - reads standard input")
	cmd.Flags().StringVar(&opts.jobID, "job-id", "", "report the outcome to this CodePipeline job")
	return cmd
}

func (opts *stepOpts) RunE(cmd *cobra.Command, args []string) error {
	if opts.payload == "" {
		return newUsageError("please supply --payload")
	}
	var (
		data []byte
		err  error
	)
	if opts.payload == "-" {
		data, err = ioutil.ReadAll(cmd.InOrStdin())
	} else {
		data, err = ioutil.ReadFile(opts.payload)
	}
	if err != nil {
		return errors.Wrap(err, "reading payload")
	}
	var p workflow.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Wrap(err, "decoding payload")
	}

	out, err := opts.API.RunStep(context.Background(), args[0], daemon.StepRequest{JobID: opts.jobID, Payload: p})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

