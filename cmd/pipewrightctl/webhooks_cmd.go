package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type configureWebhooksOpts struct {
	*rootOpts
	endpoint string
}

func newConfigureWebhooks(parent *rootOpts) *configureWebhooksOpts {
	return &configureWebhooksOpts{rootOpts: parent}
}

func (opts *configureWebhooksOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure-webhooks",
		Short: "Create the repository webhooks the pipeline listens on, if they are missing.",
		Example: makeExample(
			"pipewrightctl configure-webhooks --pipeline-config pipeline.yaml --endpoint https://cicd.example.com/v1/webhooks/bitbucket",
		),
		RunE: opts.RunE,
	}
	opts.addBitbucketFlags(cmd)
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "URL Bitbucket delivers webhooks to")
	return cmd
}

func (opts *configureWebhooksOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	if opts.endpoint == "" {
		return newUsageError("please supply --endpoint")
	}
	bb, err := opts.bitbucket()
	if err != nil {
		return err
	}
	created, err := bb.EnsureWebhooks(context.Background(), opts.endpoint)
	if err != nil {
		return err
	}
	if len(created) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "webhooks already configured")
		return nil
	}
	for _, c := range created {
		fmt.Fprintf(cmd.OutOrStdout(), "created %q\n", c)
	}
	return nil
}
