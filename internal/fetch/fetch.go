// Package fetch implements the HTTP fetcher (C2): per-request GET/POST
// with timeout, proxy, linear-backoff retries, and a typed last-error,
// wrapped in a circuit breaker so a failing upstream host doesn't pin
// every worker goroutine waiting on dial timeouts.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/proxy"

	"crawlpipe/internal/model"
	"crawlpipe/pkg/circuitbreaker"
	"crawlpipe/pkg/logger"
	"crawlpipe/pkg/metrics"
)

// tracer is a no-op until cmd/worker installs a real TracerProvider via
// otel.SetTracerProvider, so every span below costs nothing when tracing
// is disabled.
var tracer = otel.Tracer("crawlpipe/fetch")

var defaultHeaders = map[string]string{
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	"Accept":     "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
}

// Config controls fetcher behavior.
type Config struct {
	DefaultTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	ProxyURL       string

	CircuitBreaker circuitbreaker.Config
}

// Validate fills in defaults and rejects nonsensical values.
func (c *Config) Validate() error {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("fetch: max retries must be >= 0")
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	return nil
}

// Stats holds cumulative fetch counters. The Fetcher does not fill it;
// fetch outcomes are counted by pkg/metrics.RequestsTotal.
type Stats struct {
	Requested int64
	Succeeded int64
	Failed    int64
	Retried   int64
}

// Fetcher performs HTTP requests on behalf of the consumer.
type Fetcher struct {
	cfg Config
	cb  *circuitbreaker.CircuitBreaker

	mu     sync.RWMutex
	client *http.Client
}

// New builds a Fetcher. An invalid proxy URL is a configuration error.
func New(cfg Config) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := buildClient(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: configure proxy: %w", err)
	}

	return &Fetcher{
		cfg:    cfg,
		client: client,
		cb:     circuitbreaker.New(cfg.CircuitBreaker),
	}, nil
}

func buildClient(proxyURL string) (*http.Client, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		if err := applyProxy(transport, proxyURL); err != nil {
			return nil, err
		}
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("fetch: too many redirects")
			}
			return nil
		},
	}, nil
}

// SetProxy rebuilds the underlying HTTP client against a new proxy URL
// (empty clears it), swapped in atomically so in-flight requests on the
// old client finish undisturbed. Used by the pool-reload command to
// pick up an operator-pushed system_settings change without a restart.
func (f *Fetcher) SetProxy(proxyURL string) error {
	client, err := buildClient(proxyURL)
	if err != nil {
		return fmt.Errorf("fetch: configure proxy: %w", err)
	}
	f.mu.Lock()
	f.cfg.ProxyURL = proxyURL
	f.client = client
	f.mu.Unlock()
	return nil
}

func (f *Fetcher) httpClient() *http.Client {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.client
}

func applyProxy(transport *http.Transport, rawProxy string) error {
	u, err := url.Parse(rawProxy)
	if err != nil {
		return err
	}

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return err
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	default:
		return fmt.Errorf("fetch: unsupported proxy scheme %q", u.Scheme)
	}
	return nil
}

// Do fetches req, retrying with linear backoff up to cfg.MaxRetries.
// It never retries 4xx responses. On a terminal failure it returns a
// nil Response and a model.Request-friendly last-error string.
func (f *Fetcher) Do(ctx context.Context, req *model.Request) (resp *model.Response, lastErr string) {
	ctx, span := tracer.Start(ctx, "fetch.Do", trace.WithAttributes(
		attribute.String("url", req.URL),
		attribute.String("method", req.Method),
	))
	defer func() {
		if lastErr != "" {
			span.SetStatus(codes.Error, lastErr)
		}
		span.End()
	}()

	timeout := f.cfg.DefaultTimeout
	if req.TimeoutSecs > 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	attempts := f.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.RequestsTotal.WithLabelValues("retried").Inc()
			delay := f.cfg.RetryBaseDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				lastErr = "cancelled"
				return nil, lastErr
			case <-time.After(delay):
			}
		}

		attemptCtx, attemptSpan := tracer.Start(ctx, "fetch.attempt", trace.WithAttributes(attribute.Int("attempt", attempt)))
		start := time.Now()
		reqCtx, cancel := context.WithTimeout(attemptCtx, timeout)
		attemptResp, status, err := f.doOnce(reqCtx, req)
		cancel()

		if err == nil {
			attemptSpan.End()
			metrics.RequestsTotal.WithLabelValues("succeeded").Inc()
			metrics.FetchDuration.WithLabelValues("succeeded").Observe(time.Since(start).Seconds())
			return attemptResp, ""
		}

		attemptSpan.RecordError(err)
		attemptSpan.SetAttributes(attribute.Int("status", status))
		attemptSpan.End()

		if status >= 400 && status < 500 {
			metrics.RequestsTotal.WithLabelValues("failed").Inc()
			metrics.FetchDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
			lastErr = fmt.Sprintf("HTTP %d", status)
			return nil, lastErr
		}

		if ctx.Err() != nil {
			metrics.RequestsTotal.WithLabelValues("failed").Inc()
			lastErr = "cancelled"
			return nil, lastErr
		}

		lastErr = classifyError(err)
		logger.Get().WithField("url", req.URL).WithField("attempt", attempt).WithError(err).Warn("fetch: attempt failed")
	}

	metrics.RequestsTotal.WithLabelValues("failed").Inc()
	return nil, lastErr
}

func (f *Fetcher) doOnce(ctx context.Context, req *model.Request) (*model.Response, int, error) {
	var respOut *model.Response
	var status int

	err := f.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		httpReq, err := buildHTTPRequest(ctx, req)
		if err != nil {
			return err
		}

		httpResp, err := f.httpClient().Do(httpReq)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		status = httpResp.StatusCode
		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return err
		}

		if status >= 500 {
			return fmt.Errorf("HTTP %d", status)
		}
		if status >= 400 {
			return nil // caller inspects status via the returned response below
		}

		headers := make(map[string]string, len(httpResp.Header))
		for k := range httpResp.Header {
			headers[k] = httpResp.Header.Get(k)
		}

		respOut = &model.Response{
			URL:     httpReq.URL.String(),
			Body:    body,
			Status:  status,
			Headers: headers,
			Request: req,
		}
		return nil
	})

	if status >= 400 && status < 500 {
		return nil, status, fmt.Errorf("HTTP %d", status)
	}
	return respOut, status, err
}

func buildHTTPRequest(ctx context.Context, req *model.Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), req.URL, body)
	if err != nil {
		return nil, err
	}

	for k, v := range defaultHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for name, value := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	return httpReq, nil
}

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "Client.Timeout") {
		return "请求超时"
	}
	return fmt.Sprintf("%T: %s", err, msg)
}
