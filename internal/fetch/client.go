// Package fetch is the engine's single outbound HTTP layer: one long-lived
// client enforcing rate limiting, retries with backoff, timeouts, the
// user-agent, and the TLS policy, plus the URL-hash response cache.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/internal/cleanup"
	"github.com/appupd/appupd/internal/httputil"
)

// Options configures a Client. The zero value is completed by sane
// defaults in New.
type Options struct {
	// CacheDir holds the URL-hash response cache. Created 0700.
	CacheDir string
	// TTL is the response-cache freshness window.
	TTL time.Duration
	// ConnectTimeout is the per-attempt connect budget; the total
	// per-attempt budget is ConnectTimeout scaled by the relevant
	// multiplier.
	ConnectTimeout time.Duration
	// Retries is the maximum number of attempts per request.
	Retries int
	// Backoff seeds the exponential backoff between attempts.
	Backoff time.Duration
	// Spacing is the minimum gap between outbound requests, process-wide.
	Spacing time.Duration
	// UserAgent is sent on every request.
	UserAgent string
	// MetaMultiplier and DownloadMultiplier scale ConnectTimeout into the
	// total budgets for metadata requests and artifact downloads.
	MetaMultiplier     int
	DownloadMultiplier int
	// Registry receives in-flight temp files for exit cleanup. Optional.
	Registry *cleanup.Registry
	// DryRun turns Download into a successful no-op.
	DryRun bool
}

// Client is the engine's HTTP front end. Safe for concurrent use.
type Client struct {
	c       *http.Client
	limiter *rate.Limiter
	sf      singleflight.Group
	opt     Options
}

// New builds a Client from opts.
func New(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Retries < 1 {
		opts.Retries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.MetaMultiplier < 1 {
		opts.MetaMultiplier = 4
	}
	if opts.DownloadMultiplier < 1 {
		opts.DownloadMultiplier = 10
	}
	if opts.TTL <= 0 {
		opts.TTL = 300 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "appupd/" + appupd.Version
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.Spacing > 0 {
		lim = rate.NewLimiter(rate.Every(opts.Spacing), 1)
	}
	return &Client{
		c: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: opts.ConnectTimeout,
				}).DialContext,
				Proxy: http.ProxyFromEnvironment,
			},
		},
		limiter: lim,
		opt:     opts,
	}
}

// CheckScheme enforces the TLS policy: https always, plain http only when
// the per-app escape hatch is set.
func checkScheme(raw string, allowInsecure bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &appupd.Error{Inner: err, Kind: appupd.ErrNetwork, Op: `fetch`, Message: fmt.Sprintf("bad URL %q", raw)}
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && allowInsecure:
	default:
		return &appupd.Error{
			Kind:    appupd.ErrSecurity,
			Op:      `fetch`,
			Message: fmt.Sprintf("refusing %s URL %q", u.Scheme, raw),
		}
	}
	return nil
}

// Do performs one request with the rate limit, retry, and timeout policy
// applied. The caller owns the response body.
//
// Retries cover transport errors and retriable statuses; other statuses are
// returned to the caller for inspection. The rate limiter is debited before
// each send, never on return.
func (c *Client) do(ctx context.Context, method, rawurl string, allowInsecure bool, mult int) (*http.Response, error) {
	if err := checkScheme(rawurl, allowInsecure); err != nil {
		return nil, err
	}
	budget := c.opt.ConnectTimeout * time.Duration(mult)
	delay := c.opt.Backoff
	var lastErr error
	for attempt := 1; attempt <= c.opt.Retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		actx, done := context.WithTimeout(ctx, budget)
		req, err := http.NewRequestWithContext(actx, method, rawurl, nil)
		if err != nil {
			done()
			return nil, &appupd.Error{Inner: err, Kind: appupd.ErrNetwork, Op: `fetch`, Message: "building request"}
		}
		req.Header.Set("User-Agent", c.opt.UserAgent)
		res, err := c.c.Do(req)
		switch {
		case err != nil:
			done()
			lastErr = err
		case httputil.Retriable(res.StatusCode):
			lastErr = fmt.Errorf("status %s", res.Status)
			res.Body.Close()
			done()
		default:
			// Success or a non-retriable client error; hand it back. The
			// cancel is tied to the body's lifetime.
			res.Body = &bodyCancel{ReadCloser: res.Body, done: done}
			return res, nil
		}
		if attempt == c.opt.Retries {
			break
		}
		zlog.Debug(ctx).
			Str("url", rawurl).
			Int("attempt", attempt).
			Err(lastErr).
			Dur("sleep", delay).
			Msg("retrying request")
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, &appupd.Error{
		Inner:   lastErr,
		Kind:    appupd.ErrNetwork,
		Op:      `fetch`,
		Message: fmt.Sprintf("%s %s failed after %d attempts", method, rawurl, c.opt.Retries),
	}
}

// BodyCancel releases the per-attempt context when the body is closed.
type bodyCancel struct {
	io.ReadCloser
	done context.CancelFunc
}

func (b *bodyCancel) Close() error {
	err := b.ReadCloser.Close()
	b.done()
	return err
}

// URLExists reports whether a HEAD of the URL succeeds.
func (c *Client) URLExists(ctx context.Context, rawurl string, allowInsecure bool) bool {
	res, err := c.do(ctx, http.MethodHead, rawurl, allowInsecure, c.opt.MetaMultiplier)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode >= 200 && res.StatusCode < 300
}

// ResolveURL follows redirects via HEAD and returns the final effective
// URL.
func (c *Client) ResolveURL(ctx context.Context, rawurl string, allowInsecure bool) (string, error) {
	res, err := c.do(ctx, http.MethodHead, rawurl, allowInsecure, c.opt.MetaMultiplier)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return "", &appupd.Error{Inner: err, Kind: appupd.ErrNetwork, Op: `fetch.ResolveURL`, Message: rawurl}
	}
	return res.Request.URL.String(), nil
}
