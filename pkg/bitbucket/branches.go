package bitbucket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/ryanuber/go-glob"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

// MaxBranchNameLength bounds generated temporary branch names.
const MaxBranchNameLength = 40

// MaxPrefixLength leaves room after the prefix for a counter, its dash
// and at least one byte of the source name.
const MaxPrefixLength = MaxBranchNameLength - 8

const KindBranchPrefixTooLong = "BranchPrefixTooLong"

// Length of the source-name prefix used to count sibling branches.
const siblingPatternLength = 30

type Branch struct {
	Name   string `json:"name"`
	Target struct {
		Hash string `json:"hash"`
	} `json:"target"`
}

// ListBranches lists the branches whose name matches pattern. Without
// wildcards pattern is a substring match, as Bitbucket's `~` operator
// does; with `*` wildcards the listing is narrowed server-side by the
// longest literal fragment and then glob matched.
func (c *Client) ListBranches(ctx context.Context, pattern string) ([]string, error) {
	query := pattern
	if strings.Contains(pattern, glob.GLOB) {
		query = longestLiteral(pattern)
	}

	u := c.repoURL("refs", "branches")
	if query != "" {
		v := url.Values{}
		v.Set("q", fmt.Sprintf(`name ~ "%s"`, strings.Replace(query, `"`, `\"`, -1)))
		u += "?" + v.Encode()
	}

	var names []string
	err := c.paginate(ctx, u, func(raw json.RawMessage) error {
		var b Branch
		if err := json.Unmarshal(raw, &b); err != nil {
			return errors.Wrap(err, "decoding branch")
		}
		if strings.Contains(pattern, glob.GLOB) && !glob.Glob(pattern, b.Name) {
			return nil
		}
		names = append(names, b.Name)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing branches matching %q", pattern)
	}
	return names, nil
}

func (c *Client) CountBranchesMatching(ctx context.Context, pattern string) (int, error) {
	names, err := c.ListBranches(ctx, pattern)
	return len(names), err
}

func longestLiteral(pattern string) string {
	var longest string
	for _, frag := range strings.Split(pattern, glob.GLOB) {
		if len(frag) > len(longest) {
			longest = frag
		}
	}
	return longest
}

// CreateBranch creates name pointing at fromRef, which may be a branch
// name or a commit hash.
func (c *Client) CreateBranch(ctx context.Context, name, fromRef string) error {
	body := map[string]interface{}{
		"name": name,
		"target": map[string]string{
			"hash": fromRef,
		},
	}
	if err := c.do(ctx, "POST", c.repoURL("refs", "branches"), body, nil); err != nil {
		return errors.Wrapf(err, "creating branch %s from %s", name, fromRef)
	}
	return nil
}

// DeleteBranch deletes name; a branch that is already gone is not an
// error.
func (c *Client) DeleteBranch(ctx context.Context, name string) error {
	err := c.do(ctx, "DELETE", c.repoURL("refs", "branches", name), nil, nil)
	if pipeerr.IsMissing(err) {
		return nil
	}
	return errors.Wrapf(err, "deleting branch %s", name)
}

// SiblingPattern is the part of source that branches derived from it
// share; list branches matching it to feed TempBranchName.
func SiblingPattern(source string) string {
	if len(source) > siblingPatternLength {
		return truncate(source, siblingPatternLength)
	}
	return source
}

// TempBranchName derives the pipeline's working branch for source.
// When other branches already carry the source name a counter is put
// in front of it, and the counter is bumped until the name is not in
// existing. The result never exceeds MaxBranchNameLength bytes.
func TempBranchName(prefix, source string, existing []string) (string, error) {
	if len(prefix) > MaxPrefixLength {
		return "", pipeerr.Newf(pipeerr.User, KindBranchPrefixTooLong,
			"branch prefix %q is longer than %d bytes", prefix, MaxPrefixLength)
	}
	taken := make(map[string]bool, len(existing))
	for _, e := range existing {
		taken[e] = true
	}

	pattern := SiblingPattern(source)
	siblings := 0
	for _, e := range existing {
		if strings.Contains(e, pattern) {
			siblings++
		}
	}

	// The source branch itself is one of the siblings.
	counter := siblings - 1
	for {
		name := prefix + source
		if counter > 0 {
			head := fmt.Sprintf("%s%d-", prefix, counter)
			// once the counter eats the whole budget names stop differing
			if len(head) >= MaxBranchNameLength {
				return "", pipeerr.Newf(pipeerr.Failed, KindBranchPrefixTooLong,
					"no free branch name left for %s under %q", source, prefix)
			}
			name = head + source
		}
		name = truncate(name, MaxBranchNameLength)
		if !taken[name] {
			return name, nil
		}
		if counter < 1 {
			counter = 1
		} else {
			counter++
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return strings.TrimRight(s, "/.")
}
