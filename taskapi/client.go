// Package taskapi reads the current state of a generation task from the
// Pixcore REST API. The progress stream only carries events that happen
// after a subscription, so callers use this to seed a view with the state
// a task already reached.
package taskapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pixcore/taskstream/am"
	"github.com/pixcore/taskstream/errors"
	"github.com/pixcore/taskstream/internal/httpclient"
	"github.com/pixcore/taskstream/logger"
	"github.com/pixcore/taskstream/progress"
	"github.com/pixcore/taskstream/version"
)

// TasksPath is the task status route under the base URL.
const TasksPath = "/api/generation/tasks/"

const maxBodyBytes = 1 << 20

// Client fetches task status. Requests are rate limited so a view that
// polls many tasks cannot flood the backend.
type Client struct {
	base    *url.URL
	http    *httpclient.Client
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *httpclient.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit sets the steady request rate and burst. A non-positive
// rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid base URL %q", baseURL)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.NewInvalidRequestError("task API base URL must be http or https, got %q", baseURL)
	}
	if u.Host == "" {
		return nil, errors.NewInvalidRequestError("base URL %q has no host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""

	c := &Client{base: u}
	WithRateLimit(5, 5)(c)
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(10 * time.Second)
	}
	if c.logger == nil {
		c.logger = logger.ComponentLogger("taskapi")
	}
	return c, nil
}

// NewFromConfig creates a client from the [server] and [api] sections.
func NewFromConfig(cfg *am.Config, opts ...Option) (*Client, error) {
	base := []Option{
		WithHTTPClient(httpclient.New(cfg.API.Timeout())),
		WithRateLimit(cfg.API.RequestsPerSecond, cfg.API.Burst),
	}
	return New(cfg.Server.BaseURL, append(base, opts...)...)
}

// TaskURL returns the status URL of taskID.
func (c *Client) TaskURL(taskID string) string {
	u := *c.base
	u.Path = c.base.Path + TasksPath + taskID
	u.RawPath = c.base.EscapedPath() + TasksPath + url.PathEscape(taskID)
	return u.String()
}

// taskStatus is the response body. result is kept raw: the backend types
// it as a free-form object and only well-formed results are surfaced.
type taskStatus struct {
	TaskID        string          `json:"task_id"`
	Status        progress.Status `json:"status"`
	Progress      int             `json:"progress"`
	Message       *string         `json:"message"`
	EstimatedTime *int            `json:"estimated_time"`
	Result        json.RawMessage `json:"result"`
	Error         *string         `json:"error"`
}

type errorBody struct {
	Detail interface{} `json:"detail"`
}

// GetTask returns the current state of taskID as an Event. An unknown task
// yields an error matching errors.ErrNotFound.
func (c *Client) GetTask(ctx context.Context, taskID string) (progress.Event, error) {
	if strings.TrimSpace(taskID) == "" {
		return progress.Event{}, errors.NewInvalidRequestError("task id is required")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return progress.Event{}, errors.Wrap(err, "rate limiter wait cancelled")
	}

	target := c.TaskURL(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return progress.Event{}, errors.Wrap(err, "failed to build task status request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.Get().UserAgent())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return progress.Event{}, errors.Wrap(ctx.Err(), "task status request cancelled")
		}
		return progress.Event{}, errors.WithHintf(
			errors.Mark(errors.Wrapf(err, "failed to reach task API at %s", c.base.Host), errors.ErrServiceUnavailable),
			"is the Pixcore backend running at %s?", c.base.String(),
		)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return progress.Event{}, errors.Wrap(err, "failed to read task status response")
	}

	c.logger.Debugw("Task status fetched",
		"task_id", taskID,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return progress.Event{}, errors.NewNotFoundError("task %s not found", taskID)
	case resp.StatusCode >= 500:
		return progress.Event{}, errors.Mark(
			errors.Newf("task API returned %d: %s", resp.StatusCode, detail(body)),
			errors.ErrServiceUnavailable,
		)
	case resp.StatusCode != http.StatusOK:
		return progress.Event{}, errors.Newf("task API returned %d: %s", resp.StatusCode, detail(body))
	}

	return c.decode(taskID, body)
}

func (c *Client) decode(taskID string, body []byte) (progress.Event, error) {
	var st taskStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return progress.Event{}, errors.Wrap(err, "invalid task status response")
	}

	ev := progress.Event{
		TaskID:        st.TaskID,
		Status:        st.Status,
		Progress:      st.Progress,
		EstimatedTime: st.EstimatedTime,
	}
	if st.Message != nil {
		ev.Message = *st.Message
	}
	if st.Error != nil {
		ev.Error = *st.Error
	}
	if ev.TaskID == "" {
		ev.TaskID = taskID
	}

	if raw := strings.TrimSpace(string(st.Result)); raw != "" && raw != "null" {
		var res progress.Result
		if err := json.Unmarshal(st.Result, &res); err != nil || res.URL == "" ||
			(res.Kind != progress.ResultImage && res.Kind != progress.ResultVideo) {
			c.logger.Debugw("Ignoring unrecognised task result", "task_id", taskID, "result", raw)
		} else {
			ev.Result = &res
		}
	}

	if err := ev.Validate(); err != nil {
		return progress.Event{}, errors.Wrap(err, "invalid task status response")
	}
	return ev, nil
}

// detail extracts FastAPI's {"detail": ...} message, falling back to the
// raw body.
func detail(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Detail != nil {
		if s, ok := eb.Detail.(string); ok {
			return s
		}
		return fmt.Sprint(eb.Detail)
	}
	return truncate(strings.TrimSpace(string(body)), maxDetailBytes)
}

// Longest raw body kept in an error message.
const maxDetailBytes = 200

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
