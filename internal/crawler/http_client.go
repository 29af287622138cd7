package crawler

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/masahif/politecrawl/internal/config"
)

// DefaultMaxBodyBytes caps how much of a response body is read.
const DefaultMaxBodyBytes = 10 << 20

// HTTPOptions configures the fetcher
type HTTPOptions struct {
	UserAgent      string
	ProxyHost      string
	ProxyPort      int
	ConnectTimeout time.Duration     // TCP dial timeout
	SocketTimeout  time.Duration     // Wait for response headers
	Headers        map[string]string // Sent with every request
	MaxBodyBytes   int64
}

// HTTPOptionsFromConfig derives fetcher options from the crawl policy.
func HTTPOptionsFromConfig(cfg *config.CrawlConfig) HTTPOptions {
	return HTTPOptions{
		UserAgent:      cfg.UserAgent,
		ProxyHost:      cfg.ProxyHost,
		ProxyPort:      cfg.ProxyPort,
		ConnectTimeout: cfg.ConnectTimeout,
		SocketTimeout:  cfg.SocketTimeout,
		Headers:        cfg.ParseHeaders(),
	}
}

// HTTPClient fetches pages and decodes them to UTF-8
type HTTPClient struct {
	client        *http.Client
	userAgent     string
	customHeaders map[string]string
	maxBodyBytes  int64
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.SocketTimeout,
	}
	if opts.ProxyHost != "" {
		host := opts.ProxyHost
		if opts.ProxyPort > 0 {
			host = net.JoinHostPort(opts.ProxyHost, strconv.Itoa(opts.ProxyPort))
		}
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: host})
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   opts.ConnectTimeout + opts.SocketTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPClient{
		client:        client,
		userAgent:     opts.UserAgent,
		customHeaders: headers,
		maxBodyBytes:  maxBody,
	}
}

// Fetch performs a GET request. Only a 200 response with an HTML or text body
// succeeds; the body is converted to UTF-8 using the declared or sniffed charset.
func (h *HTTPClient) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	for name, value := range h.customHeaders {
		req.Header.Set(name, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isTextual(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, contentType)
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, h.maxBodyBytes), contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &FetchResult{
		Body:        content,
		ContentType: contentType,
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

// Close closes the HTTP client
func (h *HTTPClient) Close() {
	h.client.CloseIdleConnections()
}

// isTextual accepts a missing content type, any text/* type and XML-based HTML.
func isTextual(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "text/") ||
		mediaType == "application/xhtml+xml" ||
		mediaType == "application/xml"
}
