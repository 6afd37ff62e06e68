// Package bitbucket talks to the Bitbucket Cloud REST API on behalf of
// the pipeline: branches, pull requests, webhooks and source archives.
package bitbucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

const (
	DefaultAPIURL   = "https://api.bitbucket.org/2.0"
	DefaultSiteURL  = "https://bitbucket.org"
	DefaultTokenURL = "https://bitbucket.org/site/oauth2/access_token"

	defaultMaxPages  = 100
	defaultRateLimit = 10
	defaultTimeout   = 30 * time.Second
)

type Config struct {
	Workspace    string
	Repository   string
	ClientID     string
	ClientSecret string

	APIURL   string
	SiteURL  string
	TokenURL string

	// MaxPages caps how many pages a listing will follow
	MaxPages int
	// RateLimit is the number of requests per second allowed
	RateLimit float64
	Timeout   time.Duration
	// HTTPClient is used for both token exchange and API calls; it
	// exists for tests
	HTTPClient *http.Client
}

func (c *Config) setDefaults() {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.SiteURL == "" {
		c.SiteURL = DefaultSiteURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

type Client struct {
	config  Config
	tokens  oauth2.TokenSource
	client  *http.Client
	limiter *rate.Limiter
	logger  log.Logger
}

func New(config Config, logger log.Logger) *Client {
	config.setDefaults()

	base := config.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: config.Timeout}
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	cc := clientcredentials.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     config.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// The clientcredentials source caches the token until it expires.
	tokens := cc.TokenSource(ctx)

	return &Client{
		config:  config,
		tokens:  tokens,
		client:  oauth2.NewClient(ctx, tokens),
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		logger:  logger,
	}
}

// AccessToken exchanges the client credentials for a bearer token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return "", pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI, errors.Wrap(err, "obtaining Bitbucket access token"))
	}
	return tok.AccessToken, nil
}

func (c *Client) Workspace() string  { return c.config.Workspace }
func (c *Client) Repository() string { return c.config.Repository }

// repoURL builds an API URL under the configured repository. Each
// element is path-escaped; elements may contain slashes, which are kept.
func (c *Client) repoURL(elems ...string) string {
	return c.repositoryURL(c.config.Repository, elems...)
}

// repositoryURL is repoURL for another repository of the workspace.
func (c *Client) repositoryURL(repo string, elems ...string) string {
	parts := []string{
		strings.TrimSuffix(c.config.APIURL, "/"),
		"repositories",
		url.PathEscape(c.config.Workspace),
		url.PathEscape(repo),
	}
	for _, e := range elems {
		segs := strings.Split(e, "/")
		for i := range segs {
			segs[i] = url.PathEscape(segs[i])
		}
		parts = append(parts, strings.Join(segs, "/"))
	}
	return strings.Join(parts, "/")
}

type apiErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"error"`
}

// APIError is a non-2xx answer from Bitbucket.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Message)
}

func asAPIError(err error) (*APIError, bool) {
	e, ok := errors.Cause(err).(*APIError)
	if !ok {
		if pe, isPipe := pipeerr.As(err); isPipe {
			e, ok = errors.Cause(pe.Err).(*APIError)
		}
	}
	return e, ok
}

func statusOf(err error) int {
	if e, ok := asAPIError(err); ok {
		return e.StatusCode
	}
	return 0
}

func classify(apiErr *APIError) *pipeerr.Error {
	switch apiErr.StatusCode {
	case http.StatusNotFound:
		return pipeerr.New(pipeerr.Missing, pipeerr.KindNotFound, apiErr)
	default:
		return pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI, apiErr)
	}
}

// do executes a request, encoding body as JSON if given and decoding
// the response into dest if given.
func (c *Client) do(ctx context.Context, method, u string, body, dest interface{}) error {
	resp, err := c.send(ctx, method, u, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if dest == nil {
		_, _ = io.Copy(ioutil.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil && err != io.EOF {
		return errors.Wrapf(err, "decoding response from %s", u)
	}
	return nil
}

// send executes a request and returns the response if it was 2xx. The
// caller closes the body.
func (c *Client) send(ctx context.Context, method, u string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request body")
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "constructing request %s", u)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for rate limiter")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI, errors.Wrapf(err, "executing %s %s", method, u))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{Method: method, URL: u, StatusCode: resp.StatusCode, Message: resp.Status}
	respBytes, _ := ioutil.ReadAll(resp.Body)
	var errBody apiErrorBody
	if json.Unmarshal(respBytes, &errBody) == nil && errBody.Error.Message != "" {
		apiErr.Message = errBody.Error.Message
	} else if len(respBytes) > 0 {
		apiErr.Message = strings.TrimSpace(string(respBytes))
	}
	return nil, classify(apiErr)
}

type page struct {
	Values []json.RawMessage `json:"values"`
	Next   string            `json:"next"`
}

// paginate follows `next` links from u, handing each value to fn, and
// gives up after MaxPages pages.
func (c *Client) paginate(ctx context.Context, u string, fn func(json.RawMessage) error) error {
	for pages := 0; u != ""; pages++ {
		if pages >= c.config.MaxPages {
			return pipeerr.Newf(pipeerr.External, pipeerr.KindExternalAPI, "listing %s: more than %d pages", u, c.config.MaxPages)
		}
		var p page
		if err := c.do(ctx, "GET", u, nil, &p); err != nil {
			return err
		}
		for _, v := range p.Values {
			if err := fn(v); err != nil {
				return err
			}
		}
		u = p.Next
	}
	return nil
}
