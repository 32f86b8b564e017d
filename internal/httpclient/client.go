// Package httpclient provides the HTTP client used for REST calls to the
// Pixcore backend. The backend normally runs on loopback, so unlike a
// general-purpose fetcher it does not block private addresses; instead it
// refuses unexpected schemes and redirects that leave the origin host.
package httpclient

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pixcore/taskstream/errors"
)

// DefaultMaxRedirects caps same-host redirects unless Options overrides it.
const DefaultMaxRedirects = 5

// Client wraps http.Client with URL validation and a same-origin redirect
// policy.
type Client struct {
	*http.Client
	allowedSchemes []string
	maxRedirects   int
}

// Options customises a Client.
type Options struct {
	AllowedSchemes []string // Default: ["http", "https"]
	MaxRedirects   *int     // Default: DefaultMaxRedirects
	// Transport replaces the default transport, e.g. httptest's.
	Transport http.RoundTripper
}

// New creates a client with default options.
func New(timeout time.Duration) *Client {
	return NewWithOptions(timeout, Options{})
}

// NewWithOptions creates a client with custom options.
func NewWithOptions(timeout time.Duration, opts Options) *Client {
	maxRedirects := DefaultMaxRedirects
	if opts.MaxRedirects != nil {
		maxRedirects = *opts.MaxRedirects
	}

	allowedSchemes := []string{"http", "https"}
	if opts.AllowedSchemes != nil {
		allowedSchemes = opts.AllowedSchemes
	}

	transport := opts.Transport
	if transport == nil {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	client := &Client{
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		allowedSchemes: allowedSchemes,
		maxRedirects:   maxRedirects,
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= client.maxRedirects {
			return errors.Newf("stopped after %d redirects", client.maxRedirects)
		}
		if err := client.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		// Redirects stay on the host of the original request
		if origin := via[0].URL; !strings.EqualFold(origin.Host, req.URL.Host) {
			return errors.Newf("redirect from %s to another host %s blocked", origin.Host, req.URL.Host)
		}
		return nil
	}

	return client
}

func (c *Client) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}

	// http://backend@elsewhere/ style confusion
	if u.User != nil {
		return errors.New("URL must not contain credentials")
	}

	if u.Hostname() == "" {
		return errors.New("URL missing hostname")
	}
	return nil
}

// ValidateURL parses and validates a URL string.
func (c *Client) ValidateURL(urlStr string) (*url.URL, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do validates the request URL and executes it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}
