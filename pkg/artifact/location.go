package artifact

import (
	"fmt"
	"path"
	"strings"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

const arnPrefix = "arn:aws:s3:::"

// Location is an object in S3.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ParseLocation accepts the forms build tools hand out for artifacts:
// "arn:aws:s3:::bucket/key", "s3://bucket/key" and "bucket/key".
func ParseLocation(s string) (Location, error) {
	rest := s
	switch {
	case strings.HasPrefix(s, arnPrefix):
		rest = strings.TrimPrefix(s, arnPrefix)
	case strings.HasPrefix(s, "s3://"):
		rest = strings.TrimPrefix(s, "s3://")
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Location{}, pipeerr.Newf(pipeerr.User, pipeerr.KindInvalidConfig, "cannot parse S3 location %q", s)
	}
	return Location{Bucket: parts[0], Key: parts[1]}, nil
}

func (l Location) String() string {
	return arnPrefix + l.Bucket + "/" + l.Key
}

// URL is the virtual-hosted address CloudFormation reads templates from.
func (l Location) URL() string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", l.Bucket, l.Key)
}

// Sibling is the object called name in the same directory as l.
func (l Location) Sibling(name string) Location {
	return Location{Bucket: l.Bucket, Key: path.Join(path.Dir(l.Key), name)}
}

// Child is the object called name under l, treating l as a directory.
func (l Location) Child(name string) Location {
	return Location{Bucket: l.Bucket, Key: path.Join(l.Key, name)}
}

func (l Location) IsZero() bool {
	return l.Bucket == "" && l.Key == ""
}
