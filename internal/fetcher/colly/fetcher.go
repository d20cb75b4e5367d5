// Package collyfetcher probes and downloads call recordings using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/callrelay/internal/calls"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	ProbeTimeout time.Duration
	MaxBodySize  int
}

// Client implements calls.AudioFetcher on top of two Colly collectors, one
// tuned for short HEAD probes and one for full downloads.
type Client struct {
	cfg       Config
	probe     *colly.Collector
	download  *colly.Collector
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 64 << 20
	}
	transport := newHTTPTransport()
	return &Client{
		cfg:       cfg,
		probe:     newBaseCollector(cfg, transport, cfg.ProbeTimeout),
		download:  newBaseCollector(cfg, transport, cfg.Timeout),
		transport: transport,
	}
}

// Clones share the base collector's backend, so timeout and transport are set once here.
func newBaseCollector(cfg Config, transport http.RoundTripper, timeout time.Duration) *colly.Collector {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	c.IgnoreRobotsTxt = true
	c.DisableCookies()
	c.WithTransport(transport)
	c.SetRequestTimeout(timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return c
}

// Probe issues a HEAD request and reports the advertised length.
func (c *Client) Probe(ctx context.Context, request calls.FetchRequest) (calls.FetchResponse, error) {
	return c.do(ctx, c.probe, http.MethodHead, request)
}

// Fetch issues a GET request and returns the full body.
func (c *Client) Fetch(ctx context.Context, request calls.FetchRequest) (calls.FetchResponse, error) {
	return c.do(ctx, c.download, http.MethodGet, request)
}

func (c *Client) do(
	ctx context.Context,
	base *colly.Collector,
	method string,
	request calls.FetchRequest,
) (calls.FetchResponse, error) {
	var (
		result   calls.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := base.Clone()
	c.configureCollectorHooks(collector, start, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, request.URL, nil, nil, buildHeaders(request))
	}()

	select {
	case <-ctx.Done():
		return calls.FetchResponse{}, fmt.Errorf("colly %s canceled: %w", strings.ToLower(method), ctx.Err())
	case err := <-done:
		if err != nil && fetchErr == nil {
			return calls.FetchResponse{}, fmt.Errorf("colly %s failed: %w", strings.ToLower(method), err)
		}
		if fetchErr != nil {
			return calls.FetchResponse{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return result, nil
	}
}

func (c *Client) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *calls.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Del("Accept-Encoding")
		r.Headers.Set("Accept-Encoding", "identity")
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = calls.FetchResponse{
			URL:           r.Request.URL.String(),
			StatusCode:    r.StatusCode,
			Headers:       headers,
			Body:          append([]byte(nil), r.Body...),
			ContentLength: contentLength(headers, r.Body),
			Duration:      time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func buildHeaders(request calls.FetchRequest) http.Header {
	hdr := request.Headers.Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	if cookie := cookieHeader(request.Cookies); cookie != "" {
		hdr.Set("Cookie", cookie)
	}
	return hdr
}

func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		if ck == nil || ck.Name == "" {
			continue
		}
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// contentLength prefers the advertised header and falls back to the body size; -1 means unknown.
func contentLength(headers http.Header, body []byte) int64 {
	if raw := strings.TrimSpace(headers.Get("Content-Length")); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	if len(body) > 0 {
		return int64(len(body))
	}
	return -1
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
}
