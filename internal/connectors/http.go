package connectors

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pi-cli/exthost/internal/hostcall"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
)

// HTTPConfig bounds the http connector's outbound requests.
type HTTPConfig struct {
	AllowedHosts    []string // exact host or ".suffix" wildcard; empty denies everything
	MaxBodyBytes    int64
	MaxRedirects    int
	RequestTimeout  time.Duration
	RequestsPerSec  float64 // outbound pacing across all extensions
	BurstSize       int
}

// DefaultHTTPConfig returns the connector's built-in caps.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		MaxBodyBytes:   4 << 20,
		MaxRedirects:   5,
		RequestTimeout: 30 * time.Second,
		RequestsPerSec: 50,
		BurstSize:      100,
	}
}

// HTTPConnector issues outbound requests against a host allow-list with
// capped body sizes, a redirect cap, and token-bucket pacing on the shared
// outbound path. Private-network targets are refused here regardless of
// policy: the dangerous sub-capability gate upstream decides whether the
// method is reachable at all, and this check refuses "localhost" and literal
// loopback, private, link-local and unspecified IP addresses. Hostnames are
// not resolved, so a hostname whose DNS record points into RFC1918 space is
// not caught by this check.
type HTTPConnector struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	retry   RetryConfig

	mu              sync.Mutex
	allowPrivateNet bool
}

// NewHTTPConnector creates an HTTPConnector with the given config.
func NewHTTPConnector(cfg HTTPConfig) *HTTPConnector {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultHTTPConfig().RequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultHTTPConfig().MaxBodyBytes
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = DefaultHTTPConfig().RequestsPerSec
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = DefaultHTTPConfig().BurstSize
	}

	c := &HTTPConnector{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.BurstSize),
		retry:   DefaultRetryConfig(),
	}
	c.client = &http.Client{
		Timeout: cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return errors.New("redirect cap exceeded")
			}
			if !c.hostAllowed(req.URL.Hostname()) {
				return errors.New("redirect target not in allow-list")
			}
			return nil
		},
	}
	return c
}

// SetAllowPrivateNetwork toggles private-network access; the dispatcher
// flips this on only when policy granted http.request_private_network.
func (c *HTTPConnector) SetAllowPrivateNetwork(allow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowPrivateNet = allow
}

func (c *HTTPConnector) privateNetAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowPrivateNet
}

func (c *HTTPConnector) Capability() hostcall.Capability { return hostcall.CapHTTP }

func (c *HTTPConnector) Methods() []string {
	return []string{"request", "request_private_network"}
}

// Invoke handles http.request and http.request_private_network.
func (c *HTTPConnector) Invoke(ctx context.Context, req hostcall.Request) (any, error) {
	switch req.Method {
	case "request", "request_private_network":
	default:
		return nil, hosterrors.MethodUnknown("http", req.Method)
	}

	rawURL, ok := getString(req.Params, "url")
	if !ok || rawURL == "" {
		return nil, hosterrors.UnsupportedValue("http request requires a string url")
	}
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, hosterrors.UnsupportedValue("http request requires an absolute http(s) url")
	}
	if !c.hostAllowed(target.Hostname()) {
		return nil, hosterrors.ConnectorError("http", "host not in allow-list: "+target.Hostname(), false, nil)
	}
	if isPrivateHost(target.Hostname()) {
		if req.Method != "request_private_network" || !c.privateNetAllowed() {
			return nil, hosterrors.ConnectorError("http", "private-network target requires http.request_private_network", false, nil)
		}
	}

	method := strings.ToUpper(optString(req.Params, "method", "GET"))
	headers := stringMap(req.Params, "headers")
	body := optString(req.Params, "body", "")

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out map[string]any
	err = retry(ctx, c.retry, transientTransportError, func() error {
		r, err := c.doRequest(ctx, method, rawURL, headers, body)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, hosterrors.ConnectorError("http", "request failed", transientTransportError(err), err)
	}
	return out, nil
}

func (c *HTTPConnector) doRequest(ctx context.Context, method, rawURL string, headers map[string]string, body string) (map[string]any, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	usage := hostcall.UsageFromContext(ctx)
	usage.AddBytesWritten(int64(len(body)))

	limited := io.LimitReader(resp.Body, c.cfg.MaxBodyBytes)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	usage.AddBytesRead(int64(len(data)))

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    string(data),
	}, nil
}

func (c *HTTPConnector) hostAllowed(host string) bool {
	for _, allowed := range c.cfg.AllowedHosts {
		if strings.HasPrefix(allowed, ".") {
			if strings.HasSuffix(host, allowed) || host == allowed[1:] {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

// isPrivateHost reports whether a hostname is a literal loopback, link-local,
// or RFC1918 address.
func isPrivateHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// transientTransportError reports whether a transport failure is worth
// retrying (connection resets and timeouts, never protocol-level errors).
func transientTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
