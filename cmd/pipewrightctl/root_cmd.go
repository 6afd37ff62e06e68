package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/pkg/bitbucket"
	"github.com/pipewright/pipewright/pkg/config"
	transport "github.com/pipewright/pipewright/pkg/http"
	"github.com/pipewright/pipewright/pkg/http/client"
)

const (
	EnvVariableURL                   = "PIPEWRIGHT_URL"
	EnvVariableBitbucketClientID     = "PIPEWRIGHT_BITBUCKET_CLIENT_ID"
	EnvVariableBitbucketClientSecret = "PIPEWRIGHT_BITBUCKET_CLIENT_SECRET"
)

type rootOpts struct {
	URL string
	API *client.Client

	// Bitbucket is reached directly by commands that work without a
	// daemon.
	PipelineConfig  string
	Workspace       string
	Repository      string
	ClientID        string
	ClientSecret    string
	BitbucketAPI    string
	BitbucketSite   string
	BitbucketTokens string
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
pipewrightctl helps you operate the deployment pipeline.

Workflow:
  pipewrightctl configure-webhooks --endpoint https://cicd.example.com/v1/webhooks/bitbucket  # Point Bitbucket at the daemon.
  pipewrightctl status                                                                        # Which executions are running?
  pipewrightctl status pr-7-2c1f...                                                           # Where is this one?
  pipewrightctl step openBranch --payload payload.json                                        # Run one step by hand.
  pipewrightctl archive cicd/feature/x -o source.zip                                          # Fetch what the pipeline deploys.
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "pipewrightctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.URL, "url", "u", "http://localhost:3030",
		fmt.Sprintf("base URL of the pipewrightd API server; you can also set the environment variable %s", EnvVariableURL))

	cmd.AddCommand(
		newVersionCommand(),
		newStatus(opts).Command(),
		newJob(opts).Command(),
		newStep(opts).Command(),
		newConfigureWebhooks(opts).Command(),
		newArchive(opts).Command(),
	)
	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	url := os.Getenv(EnvVariableURL)
	if cmd.Flags().Changed("url") || url == "" {
		url = opts.URL
	}
	opts.API = client.New(http.DefaultClient, transport.NewAPIRouter(), url)
	return nil
}

// addBitbucketFlags registers the flags of commands that talk to
// Bitbucket rather than to the daemon.
func (opts *rootOpts) addBitbucketFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&opts.PipelineConfig, "pipeline-config", "", "pipeline file to take the repository from")
	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "Bitbucket workspace")
	cmd.Flags().StringVar(&opts.Repository, "repo", "", "Bitbucket repository slug")
	cmd.Flags().StringVar(&opts.ClientID, "client-id", "",
		fmt.Sprintf("Bitbucket OAuth consumer key; you can also set the environment variable %s", EnvVariableBitbucketClientID))
	cmd.Flags().StringVar(&opts.ClientSecret, "client-secret", "",
		fmt.Sprintf("Bitbucket OAuth consumer secret; you can also set the environment variable %s", EnvVariableBitbucketClientSecret))
	cmd.Flags().StringVar(&opts.BitbucketAPI, "bitbucket-api-url", bitbucket.DefaultAPIURL, "Bitbucket API base URL")
	cmd.Flags().StringVar(&opts.BitbucketSite, "bitbucket-site-url", bitbucket.DefaultSiteURL, "Bitbucket site URL")
	cmd.Flags().StringVar(&opts.BitbucketTokens, "bitbucket-token-url", bitbucket.DefaultTokenURL, "Bitbucket OAuth token URL")
	cmd.Flags().MarkHidden("bitbucket-api-url")
	cmd.Flags().MarkHidden("bitbucket-site-url")
	cmd.Flags().MarkHidden("bitbucket-token-url")
}

func (opts *rootOpts) bitbucket() (*bitbucket.Client, error) {
	workspace, repo := opts.Workspace, opts.Repository
	if opts.PipelineConfig != "" {
		p, err := config.Load(opts.PipelineConfig)
		if err != nil {
			return nil, err
		}
		if workspace == "" {
			workspace = p.Repository.Workspace
		}
		if repo == "" {
			repo = p.Repository.Slug
		}
	}
	if workspace == "" || repo == "" {
		return nil, newUsageError("please supply --workspace and --repo, or --pipeline-config")
	}
	id, secret := opts.ClientID, opts.ClientSecret
	if id == "" {
		id = os.Getenv(EnvVariableBitbucketClientID)
	}
	if secret == "" {
		secret = os.Getenv(EnvVariableBitbucketClientSecret)
	}
	if id == "" || secret == "" {
		return nil, newUsageError("please supply Bitbucket OAuth credentials")
	}
	return bitbucket.New(bitbucket.Config{
		Workspace:    workspace,
		Repository:   repo,
		ClientID:     id,
		ClientSecret: secret,
		APIURL:       opts.BitbucketAPI,
		SiteURL:      opts.BitbucketSite,
		TokenURL:     opts.BitbucketTokens,
	}, log.NewNopLogger()), nil
}
