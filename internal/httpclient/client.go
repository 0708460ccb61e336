// Package httpclient provides the budgeted, rate-limited HTTP client every
// probe sends its requests through, plus the auth-variant injector.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/specprobe/internal/evidence"
	"github.com/jmylchreest/specprobe/internal/models"
	"github.com/jmylchreest/specprobe/internal/ratelimit"
	"github.com/jmylchreest/specprobe/internal/version"
)

// ErrBudgetExhausted signals that the client refuses further calls. A probe
// sweep hitting it has terminated normally, not failed.
var ErrBudgetExhausted = errors.New("request budget exhausted")

// StatusTargetUnreachable is the synthetic status substituted for transport
// errors so probe logic can treat every outcome as a response.
const StatusTargetUnreachable = 599

// DefaultTimeout bounds a single request.
const DefaultTimeout = 12 * time.Second

// Request describes one outgoing probe request before encoding.
type Request struct {
	Method  string
	Path    string // joined to the client base URL
	Query   map[string]string
	Headers map[string]string
	Body    string
}

// Options configure a client for one chunk job.
type Options struct {
	Rate               float64
	Budget             int
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Client wraps one base URL. Every call takes a rate-limiter token and
// decrements the request budget before touching the network.
type Client struct {
	base    string
	hc      *http.Client
	limiter *ratelimit.Bucket
	budget  atomic.Int64
	issued  atomic.Int64
	logger  *slog.Logger
}

// New creates a client for the given base URL.
func New(base string, opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport
	if opts.InsecureSkipVerify {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}

	c := &Client{
		base: strings.TrimRight(base, "/"),
		hc: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		limiter: ratelimit.New(opts.Rate),
		logger:  logger.With("component", "httpclient"),
	}
	c.budget.Store(int64(opts.Budget))
	return c
}

// Base returns the configured base URL.
func (c *Client) Base() string { return c.base }

// Issued returns the number of requests sent so far.
func (c *Client) Issued() int64 { return c.issued.Load() }

// Remaining returns the unspent request budget.
func (c *Client) Remaining() int64 {
	if r := c.budget.Load(); r > 0 {
		return r
	}
	return 0
}

// Do executes one request. Transport failures are coerced into a synthetic
// 599 response with the error text as body; the only errors returned are
// ErrBudgetExhausted and context cancellation.
func (c *Client) Do(ctx context.Context, r Request) (models.HTTPRequest, models.HTTPResponse, error) {
	var sent models.HTTPRequest

	if err := c.limiter.Take(ctx); err != nil {
		return sent, models.HTTPResponse{}, err
	}
	if c.budget.Add(-1) < 0 {
		return sent, models.HTTPResponse{}, ErrBudgetExhausted
	}
	c.issued.Add(1)

	target := c.base + r.Path
	if len(r.Query) > 0 {
		q := url.Values{}
		for k, v := range r.Query {
			q.Set(k, v)
		}
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + q.Encode()
	}

	sent = models.HTTPRequest{
		Method:  r.Method,
		URL:     target,
		Headers: cloneMap(r.Headers),
		Query:   cloneMap(r.Query),
		Body:    r.Body,
	}

	var bodyReader io.Reader
	if r.Body != "" {
		bodyReader = strings.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, bodyReader)
	if err != nil {
		return sent, models.HTTPResponse{Status: StatusTargetUnreachable, Body: err.Error()}, nil
	}
	req.Header.Set("User-Agent", "specprobe/"+version.Version)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return sent, models.HTTPResponse{}, ctx.Err()
		}
		c.logger.Debug("request failed, synthesising 599", "method", r.Method, "url", target, "error", err)
		return sent, models.HTTPResponse{
			Status:    StatusTargetUnreachable,
			Body:      err.Error(),
			ElapsedMS: elapsed,
		}, nil
	}
	defer resp.Body.Close()

	body, size := evidence.ReadBody(resp.Body)
	return sent, models.HTTPResponse{
		Status:    resp.StatusCode,
		Headers:   evidence.FlattenHeaders(resp.Header),
		Body:      body,
		Size:      size,
		ElapsedMS: elapsed,
	}, nil
}

func cloneMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
