package bitbucket

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// OpenSource downloads the archive of branch with the default branch of
// every submodule it declares unpacked at the submodule's path.
// Submodules are repositories of the same workspace named after the
// last element of their path.
func (c *Client) OpenSource(ctx context.Context, branch string) (io.ReadCloser, int64, error) {
	archive, err := c.DownloadArchive(ctx, branch)
	if err != nil {
		return nil, 0, err
	}
	merged, err := c.withSubmodules(ctx, archive)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "adding submodules to archive of %s", branch)
	}
	return ioutil.NopCloser(bytes.NewReader(merged)), int64(len(merged)), nil
}

func (c *Client) withSubmodules(ctx context.Context, archive []byte) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, errors.Wrap(err, "reading archive")
	}
	root, gitmodules := archiveRoot(r)
	if gitmodules == nil {
		return archive, nil
	}
	paths, err := submodulePaths(gitmodules)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return archive, nil
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	seen := map[string]bool{}
	for _, f := range r.File {
		if err := copyEntry(w, f, f.Name, seen); err != nil {
			return nil, err
		}
	}
	for _, p := range paths {
		repo := path.Base(p)
		branch, err := c.defaultBranch(ctx, repo)
		if err != nil {
			return nil, err
		}
		sub, err := c.downloadArchive(ctx, repo, branch)
		if err != nil {
			return nil, err
		}
		sr, err := zip.NewReader(bytes.NewReader(sub), int64(len(sub)))
		if err != nil {
			return nil, errors.Wrapf(err, "reading archive of submodule %s", repo)
		}
		for _, f := range sr.File {
			rest := stripRoot(f.Name)
			if rest == "" {
				continue
			}
			if err := copyEntry(w, f, root+p+"/"+rest, seen); err != nil {
				return nil, err
			}
		}
		_ = c.logger.Log("submodule", repo, "path", p, "branch", branch)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "writing archive")
	}
	return buf.Bytes(), nil
}

// archiveRoot returns the directory Bitbucket puts the tree under,
// with its trailing slash, and the .gitmodules entry if there is one.
func archiveRoot(r *zip.Reader) (string, *zip.File) {
	var root string
	for _, f := range r.File {
		if root == "" {
			if i := strings.Index(f.Name, "/"); i >= 0 {
				root = f.Name[:i+1]
			}
		}
		if stripRoot(f.Name) == ".gitmodules" {
			return root, f
		}
	}
	return root, nil
}

func stripRoot(name string) string {
	if i := strings.Index(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// submodulePaths reads the path of every submodule in a .gitmodules
// file, in order.
func submodulePaths(f *zip.File) ([]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrap(err, "opening .gitmodules")
	}
	defer rc.Close()

	var paths []string
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		i := strings.Index(line, "=")
		if i < 0 || strings.TrimSpace(line[:i]) != "path" {
			continue
		}
		if p := strings.Trim(strings.TrimSpace(line[i+1:]), "/"); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, errors.Wrap(sc.Err(), "reading .gitmodules")
}

func copyEntry(w *zip.Writer, f *zip.File, name string, seen map[string]bool) error {
	if seen[name] {
		return nil
	}
	seen[name] = true
	hdr := f.FileHeader
	hdr.Name = name
	out, err := w.CreateHeader(&hdr)
	if err != nil {
		return errors.Wrapf(err, "adding %s", name)
	}
	if f.FileInfo().IsDir() {
		return nil
	}
	in, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "opening %s", f.Name)
	}
	defer in.Close()
	_, err = io.Copy(out, in)
	return errors.Wrapf(err, "copying %s", f.Name)
}

type repository struct {
	MainBranch struct {
		Name string `json:"name"`
	} `json:"mainbranch"`
}

func (c *Client) defaultBranch(ctx context.Context, repo string) (string, error) {
	var r repository
	if err := c.do(ctx, "GET", c.repositoryURL(repo), nil, &r); err != nil {
		return "", errors.Wrapf(err, "looking up submodule %s", repo)
	}
	if r.MainBranch.Name == "" {
		return "master", nil
	}
	return r.MainBranch.Name, nil
}
