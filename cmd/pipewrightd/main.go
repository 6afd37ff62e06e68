package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/pipewright/pipewright/pkg/artifact"
	"github.com/pipewright/pipewright/pkg/bitbucket"
	"github.com/pipewright/pipewright/pkg/cloud"
	"github.com/pipewright/pipewright/pkg/config"
	"github.com/pipewright/pipewright/pkg/engine"
	"github.com/pipewright/pipewright/pkg/git"
	transport "github.com/pipewright/pipewright/pkg/http"
	"github.com/pipewright/pipewright/pkg/http/daemon"
	"github.com/pipewright/pipewright/pkg/job"
	"github.com/pipewright/pipewright/pkg/notify"
	"github.com/pipewright/pipewright/pkg/store"
	"github.com/pipewright/pipewright/pkg/workflow"
)

var version = "unversioned"

const (
	engineRunner        = "runner"
	engineStepFunctions = "stepfunctions"
)

// env reads PIPEWRIGHT_<name>, so every flag can be set from the
// environment or a .env file.
func env(name, def string) string {
	if v, ok := os.LookupEnv("PIPEWRIGHT_" + name); ok {
		return v
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(env(name, "")); err == nil {
		return d
	}
	return def
}

func envInt(name string, def int) int {
	if i, err := strconv.Atoi(env(name, "")); err == nil {
		return i
	}
	return def
}

func main() {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "reading .env: %s\n", err)
		os.Exit(1)
	}

	// Flag domain.
	fs := pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  pipewrightd runs the deployment pipeline for pull requests.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}
	var (
		listenAddr     = fs.StringP("listen", "l", env("LISTEN", ":3030"), "Listen address for webhooks, step invocations and API clients")
		pipelineFile   = fs.String("pipeline-config", env("PIPELINE_CONFIG", config.ConfigPath+"/"+config.ConfigName), "Path to the pipeline file")
		region         = fs.String("aws-region", env("AWS_REGION", ""), "AWS region; defaults to the shared AWS config")
		engineName     = fs.String("engine", env("ENGINE", engineRunner), "Workflow engine: runner (in-process) or stepfunctions")
		stateMachine   = fs.String("state-machine-arn", env("STATE_MACHINE_ARN", ""), "Step Functions state machine to start executions of, with --engine=stepfunctions")
		publicURL      = fs.String("public-url", env("PUBLIC_URL", ""), "URL this daemon is reachable at, for execution links in notifications")
		webhookSecret  = fs.String("webhook-secret", env("WEBHOOK_SECRET", ""), "Secret Bitbucket signs webhook deliveries with; empty accepts unsigned deliveries")
		bbClientID     = fs.String("bitbucket-client-id", env("BITBUCKET_CLIENT_ID", ""), "Bitbucket OAuth consumer key")
		bbClientSecret = fs.String("bitbucket-client-secret", env("BITBUCKET_CLIENT_SECRET", ""), "Bitbucket OAuth consumer secret")
		redisAddr      = fs.String("redis-addr", env("REDIS_ADDR", ""), "Redis address for execution state and locks; empty keeps them in memory")
		redisPassword  = fs.String("redis-password", env("REDIS_PASSWORD", ""), "Redis password")
		redisDB        = fs.Int("redis-db", envInt("REDIS_DB", 0), "Redis database number")
		redisTimeout   = fs.Duration("redis-timeout", envDuration("REDIS_TIMEOUT", 5*time.Second), "Redis dial, read and write timeout")
		jobTimeout     = fs.Duration("job-timeout", envDuration("JOB_TIMEOUT", 10*time.Minute), "Longest a single job (webhook handling or step) may run")
		gitTimeout     = fs.Duration("git-timeout", envDuration("GIT_TIMEOUT", 2*time.Minute), "Timeout for cloning when checking for migrations")
		jobHistory     = fs.Int("job-history", envInt("JOB_HISTORY", 256), "Number of job statuses to remember")
	)
	fs.Parse(os.Args[1:])

	// Logger domain.
	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(os.Stderr)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	logger.Log("version", version)

	pipeline, err := config.Load(*pipelineFile)
	if err != nil {
		logger.Log("config", *pipelineFile, "err", err)
		os.Exit(1)
	}
	if *engineName != engineRunner && *engineName != engineStepFunctions {
		logger.Log("engine", *engineName, "err", "expected runner or stepfunctions")
		os.Exit(1)
	}
	if *engineName == engineStepFunctions && *stateMachine == "" {
		logger.Log("err", "--state-machine-arn is required with --engine=stepfunctions")
		os.Exit(1)
	}

	shutdown := make(chan struct{})
	shutdownWg := &sync.WaitGroup{}

	// Store component.
	var st store.Store
	{
		if *redisAddr != "" {
			logger := log.With(logger, "component", "store", "redis", *redisAddr)
			redisStore := store.NewRedisStore(store.RedisConfig{
				Addr:     *redisAddr,
				Password: *redisPassword,
				DB:       *redisDB,
				Timeout:  *redisTimeout,
				Logger:   logger,
			})
			ctx, cancel := context.WithTimeout(context.Background(), *redisTimeout)
			err := redisStore.Ping(ctx)
			cancel()
			if err != nil {
				logger.Log("err", err)
				os.Exit(1)
			}
			defer redisStore.Close()
			st = redisStore
		} else {
			logger.Log("component", "store", "type", "memory")
			st = store.NewMemory()
		}
	}

	// AWS component.
	var provider *cloud.Provider
	{
		sess, err := cloud.NewSession(*region)
		if err != nil {
			logger.Log("component", "aws", "err", err)
			os.Exit(1)
		}
		provider = cloud.NewProvider(sess, pipeline.RoleARN(cloud.QA))
	}

	// Job queue.
	statuses := &job.StatusCache{Size: *jobHistory}
	worker := &job.Worker{
		Queue:   job.NewQueue(shutdown, shutdownWg),
		Status:  statuses,
		Timeout: *jobTimeout,
		Logger:  log.With(logger, "component", "worker"),
	}
	shutdownWg.Add(1)
	go worker.Loop(shutdown, shutdownWg)

	bb := bitbucket.New(bitbucket.Config{
		Workspace:    pipeline.Repository.Workspace,
		Repository:   pipeline.Repository.Slug,
		ClientID:     *bbClientID,
		ClientSecret: *bbClientSecret,
	}, log.With(logger, "component", "bitbucket"))

	var sinks []notify.Sink
	for _, u := range pipeline.Notifications.Slack {
		sinks = append(sinks, notify.Slack{HookURL: u})
	}
	for _, u := range pipeline.Notifications.Discord {
		sinks = append(sinks, notify.Discord{HookURL: u})
	}
	notifier := notify.New(log.With(logger, "component", "notify"), sinks...)

	envClients := newClients(provider, st, pipeline.DatabaseURLs(), log.With(logger, "component", "controllers"))
	defer envClients.Close()

	executionURL := engine.ExecutionURL
	if *engineName == engineRunner {
		executionURL = nil
		if *publicURL != "" {
			router := transport.NewAPIRouter()
			executionURL = func(id string) string {
				u, err := transport.MakeURL(*publicURL, router, transport.ExecutionStatus, "id", id)
				if err != nil {
					return ""
				}
				return u.String()
			}
		}
	}
	stepConfig, err := pipeline.Workflow(executionURL)
	if err != nil {
		logger.Log("config", *pipelineFile, "err", err)
		os.Exit(1)
	}
	steps := workflow.NewSteps(stepConfig, bb, artifact.NewStore(provider.S3(), log.With(logger, "component", "artifacts")), envClients, notifier, log.With(logger, "component", "steps"))

	// Engine component.
	var (
		wfEngine   workflow.Engine
		runner     *workflow.Runner
		executions daemon.Executions
	)
	if *engineName == engineRunner {
		runner = workflow.NewRunner(st, steps, worker, pipeline.Policy(), log.With(logger, "component", "runner"))
		wfEngine = runner
		executions = runner
	} else {
		wfEngine = engine.NewStepFunctions(provider.StepFunctions(), *stateMachine, log.With(logger, "component", "stepfunctions"))
	}

	checker := &git.MigrationChecker{
		Remote:      git.BitbucketRemote(pipeline.Repository.Workspace, pipeline.Repository.Slug),
		Token:       bb.AccessToken,
		Destination: pipeline.Destination,
		Folder:      pipeline.Database.MigrationsFolder,
		Timeout:     *gitTimeout,
		Logger:      log.With(logger, "component", "git"),
	}
	orchestrator := workflow.NewOrchestrator(wfEngine, checker, pipeline.Destination, pipeline.Prefix, log.With(logger, "component", "orchestrator"))

	if runner != nil {
		n, err := runner.Recover(context.Background())
		if err != nil {
			logger.Log("component", "runner", "recover", "failed", "err", err)
			os.Exit(1)
		}
		logger.Log("component", "runner", "recovered", n)
	}

	handler := daemon.NewHandler(daemon.Server{
		Version:       version,
		Webhooks:      orchestrator,
		WebhookSecret: *webhookSecret,
		Steps:         steps,
		Executions:    executions,
		Reporter:      engine.NewJobReporter(provider.CodePipeline(), log.With(logger, "component", "codepipeline")),
		Jobs:          worker,
		Statuses:      statuses,
		Logger:        log.With(logger, "component", "api"),
	}, daemon.NewRouter())

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		logger.Log("addr", *listenAddr, "engine", *engineName)
		errc <- http.ListenAndServe(*listenAddr, handler)
	}()

	logger.Log("exiting", <-errc)
	close(shutdown)
	shutdownWg.Wait()
}
