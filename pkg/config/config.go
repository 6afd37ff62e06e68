// config is the package containing the pipeline configuration, shared
// so it can be used by pipewrightd itself as well as pipewrightctl.
package config

import (
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"

	"github.com/pipewright/pipewright/pkg/artifact"
	"github.com/pipewright/pipewright/pkg/bitbucket"
	"github.com/pipewright/pipewright/pkg/cloud"
	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/workflow"
)

const (
	ConfigPath            = "/etc/pipewright"
	ConfigName            = "pipeline.yaml"
	PipelineConfigVersion = "v1"
)

// Duration reads "90s" style strings as well as plain nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %s", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

type Repository struct {
	Workspace string `json:"workspace"`
	Slug      string `json:"slug"`
}

// Environment is where one environment's artifacts and database live.
type Environment struct {
	RoleARN string `json:"roleArn,omitempty"`
	// Artifacts names the secondary build outputs for this environment.
	Artifacts artifact.Names `json:"artifacts"`
	// Package, State and Web are used when executions do not carry
	// build outputs; they are S3 locations.
	Package string `json:"package,omitempty"`
	State   string `json:"state,omitempty"`
	Web     string `json:"web,omitempty"`

	// DatabaseURL reaches the maintenance database for logical copies.
	// Environment variables in it are expanded.
	DatabaseURL string `json:"databaseUrl,omitempty"`
}

type Database struct {
	Mode             workflow.DatabaseMode `json:"mode"`
	MigrationsFolder string                `json:"migrationsFolder"`
}

type Source struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

type Notifications struct {
	Slack   []string `json:"slack,omitempty"`
	Discord []string `json:"discord,omitempty"`
}

type Polling struct {
	InitialInterval Duration `json:"initialInterval"`
	MaxInterval     Duration `json:"maxInterval"`
	MaxElapsed      Duration `json:"maxElapsed"`
	MaxAttempts     int      `json:"maxAttempts"`
	LockTTL         Duration `json:"lockTTL"`
	PausedLockTTL   Duration `json:"pausedLockTTL"`
}

// Pipeline is the contents of a pipeline file.
type Pipeline struct {
	// This is expected to be present in a config file. If it is not
	// equal to PipelineConfigVersion above, the file is considered an
	// invalid configuration.
	ConfigVersion string `json:"pipelineConfigVersion"`

	Repository    Repository             `json:"repository"`
	Destination   string                 `json:"destination"`
	Prefix        string                 `json:"prefix"`
	DeclineReason string                 `json:"declineReason,omitempty"`
	Source        Source                 `json:"source"`
	Database      Database               `json:"database"`
	Environments  map[string]Environment `json:"environments"`
	Notifications Notifications          `json:"notifications"`
	Polling       Polling                `json:"polling"`
}

// Defaults fill whatever a pipeline file leaves out.
var Defaults = Pipeline{
	Destination:   "master",
	Prefix:        workflow.DefaultPrefix,
	DeclineReason: workflow.DefaultDeclineReason,
	Source:        Source{Prefix: "source"},
	Database: Database{
		Mode:             workflow.ModeNone,
		MigrationsFolder: "migrations",
	},
	Polling: Polling{
		InitialInterval: Duration(workflow.DefaultPolicy.InitialInterval),
		MaxInterval:     Duration(workflow.DefaultPolicy.MaxInterval),
		MaxElapsed:      Duration(workflow.DefaultPolicy.MaxElapsed),
		MaxAttempts:     workflow.DefaultPolicy.MaxAttempts,
		LockTTL:         Duration(workflow.DefaultPolicy.LockTTL),
		PausedLockTTL:   Duration(workflow.DefaultPolicy.PausedLockTTL),
	},
}

func invalid(format string, args ...interface{}) error {
	return pipeerr.Newf(pipeerr.User, pipeerr.KindInvalidConfig, format, args...)
}

// Load reads, defaults and validates the pipeline file at path.
func Load(path string) (Pipeline, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Pipeline{}, errors.Wrapf(err, "reading pipeline file %s", path)
	}
	return Parse(data)
}

func Parse(data []byte) (Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Pipeline{}, invalid("parsing pipeline file: %s", err)
	}
	if err := mergo.Merge(&p, Defaults); err != nil {
		return Pipeline{}, errors.Wrap(err, "applying defaults")
	}
	for name, env := range p.Environments {
		env.DatabaseURL = os.ExpandEnv(env.DatabaseURL)
		p.Environments[name] = env
	}
	p.Notifications.Slack = expandAll(p.Notifications.Slack)
	p.Notifications.Discord = expandAll(p.Notifications.Discord)
	return p, p.IsValid()
}

func expandAll(ss []string) []string {
	var out []string
	for _, s := range ss {
		if s = os.ExpandEnv(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p Pipeline) IsValid() error {
	if p.ConfigVersion != PipelineConfigVersion {
		return invalid("pipeline file is expected to include `pipelineConfigVersion: %s`", PipelineConfigVersion)
	}
	if p.Repository.Workspace == "" || p.Repository.Slug == "" {
		return invalid("repository.workspace and repository.slug are required")
	}
	if !strings.HasSuffix(p.Prefix, "/") {
		return invalid("prefix %q must end in /", p.Prefix)
	}
	if len(p.Prefix) > bitbucket.MaxPrefixLength {
		return invalid("prefix %q is longer than %d bytes", p.Prefix, bitbucket.MaxPrefixLength)
	}
	if strings.HasPrefix(p.Destination, p.Prefix) {
		return invalid("destination %q cannot start with the pipeline prefix %q", p.Destination, p.Prefix)
	}
	switch p.Database.Mode {
	case workflow.ModeSnapshot, workflow.ModeCopy, workflow.ModeNone:
	default:
		return invalid("database.mode %q must be one of snapshot, copy or none", p.Database.Mode)
	}
	for name := range p.Environments {
		if _, err := cloud.ParseEnvironment(name); err != nil {
			return err
		}
	}
	for _, env := range cloud.Environments {
		e, ok := p.Environments[string(env)]
		if !ok {
			return invalid("environments.%s is required", env)
		}
		named := e.Artifacts.Package != "" && e.Artifacts.State != ""
		located := e.Package != "" && e.State != ""
		if !named && !located {
			return invalid("environments.%s needs artifact names or package and state locations", env)
		}
		if p.Database.Mode == workflow.ModeCopy && e.DatabaseURL == "" {
			return invalid("environments.%s.databaseUrl is required for database.mode copy", env)
		}
	}
	if p.Polling.MaxAttempts < 1 {
		return invalid("polling.maxAttempts must be at least 1")
	}
	return nil
}

// Policy is how long the runner waits on converging resources.
func (p Pipeline) Policy() workflow.Policy {
	return workflow.Policy{
		InitialInterval: time.Duration(p.Polling.InitialInterval),
		MaxInterval:     time.Duration(p.Polling.MaxInterval),
		MaxElapsed:      time.Duration(p.Polling.MaxElapsed),
		MaxAttempts:     p.Polling.MaxAttempts,
		LockTTL:         time.Duration(p.Polling.LockTTL),
		PausedLockTTL:   time.Duration(p.Polling.PausedLockTTL),
	}
}

// RoleARN is the role assumed for env, if any.
func (p Pipeline) RoleARN(env cloud.Environment) string {
	return p.Environments[string(env)].RoleARN
}

// DatabaseURLs are the maintenance databases of each environment that
// has one.
func (p Pipeline) DatabaseURLs() map[cloud.Environment]string {
	urls := map[cloud.Environment]string{}
	for _, env := range cloud.Environments {
		if u := p.Environments[string(env)].DatabaseURL; u != "" {
			urls[env] = u
		}
	}
	return urls
}

// Workflow is the step configuration the pipeline file describes.
// executionURL may be nil.
func (p Pipeline) Workflow(executionURL func(id string) string) (workflow.Config, error) {
	c := workflow.Config{
		Prefix:        p.Prefix,
		Destination:   p.Destination,
		Workspace:     p.Repository.Workspace,
		Repository:    p.Repository.Slug,
		SourceBucket:  p.Source.Bucket,
		SourcePrefix:  p.Source.Prefix,
		Artifacts:     map[cloud.Environment]artifact.Names{},
		RoleARNs:      map[cloud.Environment]string{},
		DatabaseMode:  p.Database.Mode,
		DeclineReason: p.DeclineReason,
		ExecutionURL:  executionURL,
	}
	for _, env := range cloud.Environments {
		e := p.Environments[string(env)]
		c.Artifacts[env] = e.Artifacts
		if e.RoleARN != "" {
			c.RoleARNs[env] = e.RoleARN
		}
		if e.Package == "" {
			continue
		}
		packaged, err := e.packaged()
		if err != nil {
			return workflow.Config{}, errors.Wrapf(err, "environments.%s", env)
		}
		if c.Packaged == nil {
			c.Packaged = map[cloud.Environment]workflow.Packaged{}
		}
		c.Packaged[env] = packaged
	}
	return c, nil
}

func (e Environment) packaged() (workflow.Packaged, error) {
	var out workflow.Packaged
	var err error
	if out.Package, err = artifact.ParseLocation(e.Package); err != nil {
		return out, err
	}
	if out.State, err = artifact.ParseLocation(e.State); err != nil {
		return out, err
	}
	if e.Web != "" {
		web, err := artifact.ParseLocation(e.Web)
		if err != nil {
			return out, err
		}
		out.Web = &web
	}
	return out, nil
}
