package main

import (
	"context"
	"io"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type archiveOpts struct {
	*rootOpts
	output     string
	quiet      bool
	submodules bool
}

func newArchive(parent *rootOpts) *archiveOpts {
	return &archiveOpts{rootOpts: parent}
}

func (opts *archiveOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "archive <branch>",
		Short:   "Download the source archive of a branch, as the pipeline packages it.",
		Example: makeExample("pipewrightctl archive cicd/feature/x --pipeline-config pipeline.yaml -o source.zip"),
		Args:    cobra.ExactArgs(1),
		RunE:    opts.RunE,
	}
	opts.addBitbucketFlags(cmd)
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "file to write the archive to")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "do not show download progress")
	cmd.Flags().BoolVar(&opts.submodules, "submodules", false, "unpack the default branch of each submodule into the archive")
	return cmd
}

func (opts *archiveOpts) RunE(cmd *cobra.Command, args []string) error {
	if opts.output == "" {
		return newUsageError("please supply --output")
	}
	bb, err := opts.bitbucket()
	if err != nil {
		return err
	}
	open := bb.OpenArchive
	if opts.submodules {
		open = bb.OpenSource
	}
	body, size, err := open(context.Background(), args[0])
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.Create(opts.output)
	if err != nil {
		return errors.Wrap(err, "creating output file")
	}
	defer f.Close()

	var r io.Reader = body
	if !opts.quiet {
		bar := pb.New64(size).
			SetTemplate(pb.Full).
			SetWriter(cmd.ErrOrStderr()).
			Set(pb.Bytes, true).
			Start()
		defer bar.Finish()
		r = bar.NewProxyReader(body)
	}
	if _, err := io.Copy(f, r); err != nil {
		return errors.Wrapf(err, "writing %s", opts.output)
	}
	return f.Close()
}
