// Package artifact reads the packaging output of a build and turns it
// into deployment targets: which stack to deploy, from which template,
// with which database settings.
package artifact

import (
	"archive/zip"
	"bytes"
	"io/ioutil"

	"github.com/Jeffail/gabs"
	"github.com/pkg/errors"

	"github.com/pipewright/pipewright/pkg/cloud"
	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

const (
	StateFile        = "serverless-state.json"
	PackagedTemplate = "cloudformation-template-update-stack.json"
	TemplateFile     = "template.json"
)

const (
	KindArtifactNotFound = "ArtifactNotFound"
	KindInvalidArtifact  = "InvalidArtifact"
)

// SecondaryArtifact is one output of a build, as reported by CodeBuild.
type SecondaryArtifact struct {
	ArtifactIdentifier string `json:"ArtifactIdentifier"`
	Location           string `json:"Location"`
	Type               string `json:"Type,omitempty"`
}

type BuildOutput struct {
	Build struct {
		SecondaryArtifacts []SecondaryArtifact `json:"SecondaryArtifacts"`
	} `json:"Build"`
}

// Names are the artifact identifiers one environment's build outputs
// are published under.
type Names struct {
	Package string `json:"package"`
	State   string `json:"state"`
	Web     string `json:"web,omitempty"`
}

// StackInfo is what the packaging state file says about the stack.
type StackInfo struct {
	StackName         string `json:"stackName"`
	DeploymentBucket  string `json:"deploymentBucket"`
	ArtifactDirectory string `json:"artifactDirectoryName,omitempty"`
	SyncBucket        string `json:"syncS3BucketName,omitempty"`
	RDSIdentifier     string `json:"rdsIdentifier,omitempty"`
	HostedZoneID      string `json:"hostedZoneId,omitempty"`
	RDSDomain         string `json:"rdsDomain,omitempty"`
	DatabaseName      string `json:"databaseName,omitempty"`
}

// Target is a resolved deployment of one environment.
type Target struct {
	Environment cloud.Environment `json:"environment"`
	StackInfo
	RoleARN     string    `json:"roleArn,omitempty"`
	Package     Location  `json:"package"`
	State       Location  `json:"state"`
	Web         *Location `json:"web,omitempty"`
	TemplateURL string    `json:"templateUrl,omitempty"`
}

func stringAt(c *gabs.Container, path string) string {
	s, _ := c.Path(path).Data().(string)
	return s
}

// ParseState extracts the stack information from a packaging state
// file. The provider's stackName and deploymentBucket are required;
// the custom cicd section is optional.
func ParseState(data []byte) (StackInfo, error) {
	c, err := gabs.ParseJSON(data)
	if err != nil {
		return StackInfo{}, pipeerr.New(pipeerr.User, KindInvalidArtifact, errors.Wrap(err, "parsing state file"))
	}
	info := StackInfo{
		StackName:         stringAt(c, "service.provider.stackName"),
		DeploymentBucket:  stringAt(c, "service.provider.deploymentBucket"),
		ArtifactDirectory: stringAt(c, "package.artifactDirectoryName"),
		SyncBucket:        stringAt(c, "service.custom.cicd.syncS3BucketName"),
		RDSIdentifier:     stringAt(c, "service.custom.cicd.rdsIdentifier"),
		HostedZoneID:      stringAt(c, "service.custom.cicd.hostedZoneId"),
		RDSDomain:         stringAt(c, "service.custom.cicd.rdsDomain"),
		DatabaseName:      stringAt(c, "service.custom.cicd.databaseName"),
	}
	if info.StackName == "" || info.DeploymentBucket == "" {
		return info, pipeerr.Newf(pipeerr.User, KindInvalidArtifact,
			"state file lacks service.provider.stackName or service.provider.deploymentBucket")
	}
	return info, nil
}

// ExtractTemplate returns the packaged stack template from a package
// archive.
func ExtractTemplate(archive []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", pipeerr.New(pipeerr.User, KindInvalidArtifact, errors.Wrap(err, "opening package archive"))
	}
	for _, f := range zr.File {
		if f.Name != PackagedTemplate {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", errors.Wrapf(err, "opening %s", f.Name)
		}
		defer rc.Close()
		body, err := ioutil.ReadAll(rc)
		if err != nil {
			return "", errors.Wrapf(err, "reading %s", f.Name)
		}
		return string(body), nil
	}
	return "", pipeerr.Newf(pipeerr.Missing, KindArtifactNotFound, "package archive has no %s", PackagedTemplate)
}

// Match picks the artifacts of env out of build outputs.
func Match(builds []BuildOutput, names Names) (pkg, state Location, web *Location, err error) {
	for _, b := range builds {
		for _, a := range b.Build.SecondaryArtifacts {
			if a.ArtifactIdentifier == "" {
				continue
			}
			var loc Location
			switch a.ArtifactIdentifier {
			case names.Package, names.State, names.Web:
				if loc, err = ParseLocation(a.Location); err != nil {
					return
				}
			default:
				continue
			}
			switch a.ArtifactIdentifier {
			case names.Package:
				pkg = loc
			case names.State:
				state = loc
			case names.Web:
				l := loc
				web = &l
			}
		}
	}
	if pkg.IsZero() || state.IsZero() {
		err = pipeerr.Newf(pipeerr.Missing, KindArtifactNotFound,
			"build outputs lack artifacts %q and %q", names.Package, names.State)
	}
	return
}
