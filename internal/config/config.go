// Package config provides configuration management for the crawler.
// It defines the crawl policy shared by every component, its default values,
// and the validation applied before a crawl starts.
package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Politeness scopes control which fetches share a politeness delay.
const (
	PolitenessGlobal = "global" // one delay shared by every worker
	PolitenessWorker = "worker" // each worker keeps its own last-visit timestamp
	PolitenessHost   = "host"   // one delay per target host
)

// DefaultUserAgent mimics a desktop browser so that sites serve regular markup.
const DefaultUserAgent = "Mozilla/5.0 (Windows; U; Windows NT 5.1; en-US) AppleWebKit/525.19 (KHTML, like Gecko) Chrome/1.0.154.53 Safari/525.19"

// Kafka contains the online analyzer settings
type Kafka struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"` // Broker addresses (host:port)
	Topic   string   `mapstructure:"topic" yaml:"topic"`     // Topic receiving one message per drain
}

// CrawlConfig holds the crawl policy. It is read-only once the crawl starts.
type CrawlConfig struct {
	// Crawl limits
	SeedURLs []string `mapstructure:"seed_urls" yaml:"seed_urls"` // Starting URLs, depth 0
	MaxDepth int      `mapstructure:"max_depth" yaml:"max_depth"` // -1 = unlimited
	MaxPages int      `mapstructure:"max_pages" yaml:"max_pages"` // -1 = unlimited

	// Scheduling
	Workers         int           `mapstructure:"workers" yaml:"workers"`                   // Worker pool size
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`             // Addresses requested per dispatch
	VisitDelay      time.Duration `mapstructure:"visit_delay" yaml:"visit_delay"`           // Politeness delay between fetches
	PolitenessScope string        `mapstructure:"politeness_scope" yaml:"politeness_scope"` // global, worker or host
	MonitorInterval time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"` // Supervisor tick
	IdleBackoff     time.Duration `mapstructure:"idle_backoff" yaml:"idle_backoff"`         // Worker sleep when no work is granted
	RequeueOnCrash  bool          `mapstructure:"requeue_on_crash" yaml:"requeue_on_crash"` // Return a dead worker's addresses to the queue
	HostDelays      []string      `mapstructure:"host_delays" yaml:"host_delays"`           // "host=duration" overrides, host scope only

	// Extraction and output
	DescriptionLength int    `mapstructure:"description_length" yaml:"description_length"` // Description bound in characters
	SaveThreshold     int    `mapstructure:"save_threshold" yaml:"save_threshold"`         // Buffered records that trigger a drain
	Offline           bool   `mapstructure:"offline" yaml:"offline"`                       // true: file sink, false: Kafka analyzer
	OutputPath        string `mapstructure:"output_path" yaml:"output_path"`               // JSON lines output in offline mode
	Kafka             Kafka  `mapstructure:"kafka" yaml:"kafka"`

	// Persistence
	WorkDir   string `mapstructure:"work_dir" yaml:"work_dir"`   // Directory holding urls.db and queue.db
	Resumable bool   `mapstructure:"resumable" yaml:"resumable"` // Keep the work directory between runs

	// HTTP
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	ProxyHost      string        `mapstructure:"proxy_host" yaml:"proxy_host"`
	ProxyPort      int           `mapstructure:"proxy_port" yaml:"proxy_port"`
	SocketTimeout  time.Duration `mapstructure:"socket_timeout" yaml:"socket_timeout"`   // Wait for response headers
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"` // TCP dial timeout
	Headers        []string      `mapstructure:"headers" yaml:"headers"`                 // "Name: Value"

	// URL filtering
	FollowExternalHosts bool     `mapstructure:"follow_external_hosts" yaml:"follow_external_hosts"`
	IncludePatterns     []string `mapstructure:"include_patterns" yaml:"include_patterns"`
	ExcludePatterns     []string `mapstructure:"exclude_patterns" yaml:"exclude_patterns"`

	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"` // Empty disables the /metrics listener

	// VisitFilter decides whether an address may enter the frontier.
	// A nil filter admits everything.
	VisitFilter func(url string) bool `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *CrawlConfig {
	return &CrawlConfig{
		MaxDepth:          -1,
		MaxPages:          -1,
		Workers:           1,
		BatchSize:         50,
		VisitDelay:        1 * time.Second,
		PolitenessScope:   PolitenessGlobal,
		MonitorInterval:   10 * time.Second,
		IdleBackoff:       3 * time.Second,
		DescriptionLength: 60,
		SaveThreshold:     50,
		Offline:           true,
		OutputPath:        "./result.dat",
		WorkDir:           "./frontier",
		UserAgent:         DefaultUserAgent,
		SocketTimeout:     20 * time.Second,
		ConnectTimeout:    30 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c *CrawlConfig) Validate() error {
	if c.Workers < 1 {
		return ErrInvalidWorkers
	}

	if c.BatchSize < 1 {
		return ErrInvalidBatchSize
	}

	if c.SocketTimeout <= 0 || c.ConnectTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.MonitorInterval <= 0 {
		return ErrInvalidMonitorInterval
	}

	if c.WorkDir == "" {
		return ErrEmptyWorkDir
	}

	if c.DescriptionLength < 1 {
		return ErrInvalidDescriptionLength
	}

	switch c.PolitenessScope {
	case "":
		c.PolitenessScope = PolitenessGlobal
	case PolitenessGlobal, PolitenessWorker, PolitenessHost:
	default:
		return ErrInvalidPolitenessScope
	}

	if len(c.HostDelays) > 0 {
		if c.PolitenessScope != PolitenessHost {
			return ErrHostDelaysNeedHostScope
		}
		if _, err := c.ParseHostDelays(); err != nil {
			return err
		}
	}

	if c.Offline && c.OutputPath == "" {
		return ErrEmptyOutputPath
	}

	if !c.Offline && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return ErrMissingKafka
	}

	// Any negative limit means unlimited
	if c.MaxDepth < 0 {
		c.MaxDepth = -1
	}
	if c.MaxPages < 0 {
		c.MaxPages = -1
	}

	if c.VisitDelay < 0 {
		c.VisitDelay = 0
	}

	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 3 * time.Second
	}

	if c.SaveThreshold < 0 {
		c.SaveThreshold = 0
	}

	return nil
}

// ShouldVisit applies the visit filter to a normalized address.
func (c *CrawlConfig) ShouldVisit(rawURL string) bool {
	if c.VisitFilter == nil {
		return true
	}
	return c.VisitFilter(rawURL)
}

// AllowsDepth reports whether links may be scheduled at the given depth.
func (c *CrawlConfig) AllowsDepth(depth int) bool {
	return c.MaxDepth < 0 || depth < c.MaxDepth
}

// PageLimited reports whether a page budget is in force.
func (c *CrawlConfig) PageLimited() bool {
	return c.MaxPages >= 0
}

// ParseHeaders converts "Name: Value" entries to a map, skipping malformed entries.
func (c *CrawlConfig) ParseHeaders() map[string]string {
	headers := make(map[string]string, len(c.Headers))
	for _, header := range c.Headers {
		colon := strings.Index(header, ":")
		if colon <= 0 {
			continue
		}
		key := strings.TrimSpace(header[:colon])
		value := strings.TrimSpace(header[colon+1:])
		if key == "" || value == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

// ParseHostDelays converts "host=duration" entries to a map keyed by the
// lowercased host, written the way it appears in normalized addresses
// (with a port only when it is not the scheme default).
func (c *CrawlConfig) ParseHostDelays() (map[string]time.Duration, error) {
	delays := make(map[string]time.Duration, len(c.HostDelays))
	for _, entry := range c.HostDelays {
		host, value, ok := strings.Cut(entry, "=")
		host = strings.ToLower(strings.TrimSpace(host))
		if !ok || host == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHostDelay, entry)
		}
		delay, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || delay <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHostDelay, entry)
		}
		delays[host] = delay
	}
	return delays, nil
}

// BuildVisitFilter derives a visit filter from the seed hosts and the
// include/exclude patterns. Invalid patterns are reported as an error.
func (c *CrawlConfig) BuildVisitFilter() (func(string) bool, error) {
	include, err := compilePatterns(c.IncludePatterns)
	if err != nil {
		return nil, err
	}
	exclude, err := compilePatterns(c.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	allowedHosts := make(map[string]struct{}, len(c.SeedURLs))
	for _, seed := range c.SeedURLs {
		if parsed, err := url.Parse(strings.TrimSpace(seed)); err == nil && parsed.Host != "" {
			allowedHosts[hostKey(parsed)] = struct{}{}
		}
	}
	followExternal := c.FollowExternalHosts || len(allowedHosts) == 0

	return func(rawURL string) bool {
		if !followExternal {
			parsed, err := url.Parse(rawURL)
			if err != nil {
				return false
			}
			if _, ok := allowedHosts[hostKey(parsed)]; !ok {
				return false
			}
		}

		if len(include) > 0 {
			matched := false
			for _, re := range include {
				if re.MatchString(rawURL) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}

		for _, re := range exclude {
			if re.MatchString(rawURL) {
				return false
			}
		}
		return true
	}, nil
}

// hostKey is the lowercased host with the scheme's default port removed, so
// "http://a.test:80/" and "http://a.test/" name the same host.
func hostKey(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	scheme := strings.ToLower(u.Scheme)
	if port == "" || (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return host
	}
	return net.JoinHostPort(host, port)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &PatternError{Pattern: pattern, Err: err}
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
