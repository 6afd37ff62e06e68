package artifact

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/go-kit/kit/log"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/pipewright/pipewright/pkg/cloud"
	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

// Store moves artifacts in and out of S3.
type Store struct {
	s3       s3iface.S3API
	uploader *s3manager.Uploader
	logger   log.Logger
}

func NewStore(client s3iface.S3API, logger log.Logger) *Store {
	return &Store{
		s3:       client,
		uploader: s3manager.NewUploaderWithClient(client),
		logger:   logger,
	}
}

func isNotFound(err error) bool {
	if rf, ok := err.(awserr.RequestFailure); ok && rf.StatusCode() == 404 {
		return true
	}
	aerr, ok := err.(awserr.Error)
	return ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound")
}

func (s *Store) Get(ctx context.Context, loc Location) ([]byte, error) {
	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if isNotFound(err) {
		return nil, pipeerr.Newf(pipeerr.Missing, KindArtifactNotFound, "%s not found", loc)
	}
	if err != nil {
		return nil, pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI, errors.Wrapf(err, "fetching %s", loc))
	}
	defer out.Body.Close()
	body, err := ioutil.ReadAll(out.Body)
	return body, errors.Wrapf(err, "reading %s", loc)
}

// Put uploads body to loc and returns its digest.
func (s *Store) Put(ctx context.Context, loc Location, body io.Reader) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
		Body:   io.TeeReader(body, digester.Hash()),
	})
	if err != nil {
		return "", pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI, errors.Wrapf(err, "uploading %s", loc))
	}
	d := digester.Digest()
	_ = s.logger.Log("uploaded", loc, "digest", d)
	return d, nil
}

func copySource(l Location) string {
	segments := strings.Split(l.Key, "/")
	for i := range segments {
		segments[i] = url.PathEscape(segments[i])
	}
	return l.Bucket + "/" + strings.Join(segments, "/")
}

func (s *Store) Copy(ctx context.Context, from, to Location) error {
	_, err := s.s3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(to.Bucket),
		Key:               aws.String(to.Key),
		CopySource:        aws.String(copySource(from)),
		MetadataDirective: aws.String(s3.MetadataDirectiveReplace),
	})
	if isNotFound(err) {
		return pipeerr.Newf(pipeerr.Missing, KindArtifactNotFound, "%s not found", from)
	}
	if err != nil {
		return pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI, errors.Wrapf(err, "copying %s to %s", from, to))
	}
	return nil
}

// Resolve reads the state file found under state and builds the target
// for env.
func (s *Store) Resolve(ctx context.Context, env cloud.Environment, pkg, state Location, web *Location) (*Target, error) {
	data, err := s.Get(ctx, state.Child(StateFile))
	if err != nil {
		return nil, err
	}
	info, err := ParseState(data)
	if err != nil {
		return nil, errors.Wrapf(err, "state of %s", env)
	}
	return &Target{
		Environment: env,
		StackInfo:   info,
		Package:     pkg,
		State:       state,
		Web:         web,
	}, nil
}

// ResolveTargets maps build outputs onto one target per environment
// named in names.
func (s *Store) ResolveTargets(ctx context.Context, builds []BuildOutput, names map[cloud.Environment]Names) (map[cloud.Environment]*Target, error) {
	targets := map[cloud.Environment]*Target{}
	for _, env := range cloud.Environments {
		n, ok := names[env]
		if !ok {
			continue
		}
		pkg, state, web, err := Match(builds, n)
		if err != nil {
			return nil, errors.Wrapf(err, "artifacts of %s", env)
		}
		t, err := s.Resolve(ctx, env, pkg, state, web)
		if err != nil {
			return nil, err
		}
		targets[env] = t
	}
	return targets, nil
}

// PrepareTemplate extracts the stack template from the target's package
// and uploads it next to the package as template.json, where
// CloudFormation can read it.
func (s *Store) PrepareTemplate(ctx context.Context, t *Target) (Location, error) {
	archive, err := s.Get(ctx, t.Package)
	if err != nil {
		return Location{}, err
	}
	body, err := ExtractTemplate(archive)
	if err != nil {
		return Location{}, err
	}
	loc := t.Package.Sibling(TemplateFile)
	if _, err := s.Put(ctx, loc, strings.NewReader(body)); err != nil {
		return Location{}, err
	}
	t.TemplateURL = loc.URL()
	return loc, nil
}

// SaveTemplate stores a template body, such as the one a stack ran
// before an update, and returns the URL to deploy it from.
func (s *Store) SaveTemplate(ctx context.Context, loc Location, body string) (string, error) {
	if _, err := s.Put(ctx, loc, bytes.NewBufferString(body)); err != nil {
		return "", err
	}
	return loc.URL(), nil
}

// BackupArtifacts keeps copies of the target's package and state file
// beside the originals, named after the environment.
func (s *Store) BackupArtifacts(ctx context.Context, t *Target) ([]Location, error) {
	copies := []struct {
		from Location
		to   Location
	}{
		{t.Package, t.Package.Sibling("package-" + string(t.Environment) + "-backup.zip")},
		{t.State.Child(StateFile), t.State.Sibling("state-" + string(t.Environment) + "-backup.json")},
	}
	var saved []Location
	for _, c := range copies {
		if err := s.Copy(ctx, c.from, c.to); err != nil {
			return saved, err
		}
		saved = append(saved, c.to)
	}
	return saved, nil
}
