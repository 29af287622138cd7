// Package cmd provides the command-line interface for politecrawl.
// It handles command parsing, configuration loading, and crawl execution.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/masahif/politecrawl/internal/config"
	"github.com/masahif/politecrawl/internal/crawler"
	"github.com/masahif/politecrawl/internal/logging"
	"github.com/masahif/politecrawl/internal/metrics"
	"github.com/masahif/politecrawl/internal/parser"
	"github.com/masahif/politecrawl/internal/sink"
	"github.com/masahif/politecrawl/internal/storage"
)

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "politecrawl [URLs...]",
	Short: "A polite, resumable, multi-threaded web crawler",
	Long: `politecrawl visits pages breadth-first from a set of seed URLs.

Each page yields a record with its title, a short description and the
normalized body text. Records are appended to a JSON lines file or
published to a Kafka topic. The frontier lives in a work directory so an
interrupted crawl can be resumed.`,
	Args: cobra.ArbitraryArgs,
	RunE: runCrawler,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := config.DefaultConfig()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./politecrawl.yml)")
	rootCmd.Flags().Bool("show-config", false, "Display current configuration in YAML format and exit")

	// Crawl limits
	rootCmd.Flags().IntP("workers", "w", defaults.Workers, "Number of crawler workers")
	rootCmd.Flags().Int("max-depth", defaults.MaxDepth, "Maximum link depth from the seeds (-1=unlimited)")
	rootCmd.Flags().IntP("max-pages", "l", defaults.MaxPages, "Stop after dispatching N pages (-1=unlimited)")

	// Scheduling
	rootCmd.Flags().DurationP("delay", "r", defaults.VisitDelay, "Politeness delay between requests")
	rootCmd.Flags().String("politeness-scope", defaults.PolitenessScope, "Who shares the delay: global, worker or host")
	rootCmd.Flags().Duration("monitor-interval", defaults.MonitorInterval, "Supervisor monitor interval")
	rootCmd.Flags().Duration("idle-backoff", defaults.IdleBackoff, "Worker sleep when the frontier has nothing to hand out")
	rootCmd.Flags().StringSlice("host-delay", []string{}, "Per-host delay override as 'host=duration' (host scope only, repeatable)")
	rootCmd.Flags().Int("batch-size", defaults.BatchSize, "Addresses requested per dispatch")
	rootCmd.Flags().Bool("requeue-on-crash", false, "Return the addresses of a crashed worker to the queue")

	// Output
	rootCmd.Flags().Int("description-length", defaults.DescriptionLength, "Description bound in characters")
	rootCmd.Flags().Int("save-threshold", defaults.SaveThreshold, "Buffered records that trigger a drain")
	rootCmd.Flags().Bool("offline", defaults.Offline, "Write records to the output file instead of Kafka")
	rootCmd.Flags().StringP("output", "o", defaults.OutputPath, "JSON lines output file (offline mode)")
	rootCmd.Flags().StringSlice("kafka-brokers", []string{}, "Kafka broker addresses (online mode)")
	rootCmd.Flags().String("kafka-topic", "", "Kafka topic receiving the records (online mode)")

	// Persistence
	rootCmd.Flags().StringP("work-dir", "d", defaults.WorkDir, "Directory holding the frontier databases")
	rootCmd.Flags().Bool("resumable", false, "Keep the frontier of a previous run and continue it")

	// HTTP
	rootCmd.Flags().StringP("user-agent", "u", defaults.UserAgent, "HTTP User-Agent header")
	rootCmd.Flags().String("proxy-host", "", "HTTP proxy host")
	rootCmd.Flags().Int("proxy-port", 0, "HTTP proxy port")
	rootCmd.Flags().Duration("socket-timeout", defaults.SocketTimeout, "Timeout waiting for response headers")
	rootCmd.Flags().Duration("connect-timeout", defaults.ConnectTimeout, "TCP connect timeout")
	rootCmd.Flags().StringSliceP("header", "H", []string{}, "Custom HTTP headers in 'Name: Value' format (use multiple times for multiple headers)")

	// URL filtering
	rootCmd.Flags().Bool("follow-external-hosts", false, "Allow crawling hosts other than the seed hosts")
	rootCmd.Flags().StringSlice("include-patterns", []string{}, "Regex patterns for URLs to include")
	rootCmd.Flags().StringSlice("exclude-patterns", []string{}, "Regex patterns for URLs to exclude")

	// Observability
	rootCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.Flags().String("log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.Flags().String("log-file", "", "Also write JSON logs to this rotating file")

	bindFlags := []struct {
		viperKey string
		flagName string
	}{
		{"workers", "workers"},
		{"max_depth", "max-depth"},
		{"max_pages", "max-pages"},
		{"visit_delay", "delay"},
		{"politeness_scope", "politeness-scope"},
		{"monitor_interval", "monitor-interval"},
		{"idle_backoff", "idle-backoff"},
		{"host_delays", "host-delay"},
		{"batch_size", "batch-size"},
		{"requeue_on_crash", "requeue-on-crash"},
		{"description_length", "description-length"},
		{"save_threshold", "save-threshold"},
		{"offline", "offline"},
		{"output_path", "output"},
		{"kafka.brokers", "kafka-brokers"},
		{"kafka.topic", "kafka-topic"},
		{"work_dir", "work-dir"},
		{"resumable", "resumable"},
		{"user_agent", "user-agent"},
		{"proxy_host", "proxy-host"},
		{"proxy_port", "proxy-port"},
		{"socket_timeout", "socket-timeout"},
		{"connect_timeout", "connect-timeout"},
		{"headers", "header"},
		{"follow_external_hosts", "follow-external-hosts"},
		{"include_patterns", "include-patterns"},
		{"exclude_patterns", "exclude-patterns"},
		{"metrics_addr", "metrics-addr"},
		{"log.level", "log-level"},
		{"log.file", "log-file"},
	}

	for _, bind := range bindFlags {
		if err := viper.BindPFlag(bind.viperKey, rootCmd.Flags().Lookup(bind.flagName)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("politecrawl")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig merges defaults, the config file, environment and flags.
// Positional arguments are appended to the configured seeds.
func loadConfig(args []string) (*config.CrawlConfig, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SeedURLs = append(cfg.SeedURLs, args...)
	return cfg, nil
}

// loggingConfig maps the log.* keys onto the logging package.
func loggingConfig() logging.Config {
	lc := *logging.DefaultConfig()
	if level := viper.GetString("log.level"); level != "" {
		lc.Level = logging.ParseLevel(level)
	}
	lc.FilePath = viper.GetString("log.file")
	if v := viper.GetInt("log.max_size"); v > 0 {
		lc.MaxSize = v
	}
	if v := viper.GetInt("log.max_backups"); v > 0 {
		lc.MaxBackups = v
	}
	if v := viper.GetInt("log.max_age"); v > 0 {
		lc.MaxAge = v
	}
	lc.Compress = viper.GetBool("log.compress")
	lc.Development = viper.GetBool("log.development")
	return lc
}

func showCurrentConfig(w io.Writer, cfg *config.CrawlConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Configuration validation failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Displaying configuration anyway...\n\n")
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Fprintf(w, "# Current politecrawl configuration\n")
	fmt.Fprintf(w, "# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "# Configuration file search paths: ./politecrawl.yml\n")
	fmt.Fprintf(w, "# Environment variables prefix: PC_\n\n")

	fmt.Fprint(w, string(yamlData))

	fmt.Fprintf(w, "\n# Configuration source priority:\n")
	fmt.Fprintf(w, "# 1. Command-line arguments (highest priority)\n")
	fmt.Fprintf(w, "# 2. Environment variables (PC_ prefix)\n")
	fmt.Fprintf(w, "# 3. Configuration file (politecrawl.yml)\n")
	fmt.Fprintf(w, "# 4. Default values (lowest priority)\n")

	return nil
}

func runCrawler(cmd *cobra.Command, args []string) error {
	showConfig, _ := cmd.Flags().GetBool("show-config")

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	if showConfig {
		return showCurrentConfig(cmd.OutOrStdout(), cfg)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Without seeds the only thing left to do is continue a stored frontier
	if len(cfg.SeedURLs) == 0 {
		if !cfg.Resumable {
			return fmt.Errorf("no URLs provided\nUsage: %s [URLs...] or pass --resumable to continue the frontier in %s",
				cmd.CommandPath(), cfg.WorkDir)
		}
		if _, err := os.Stat(filepath.Join(cfg.WorkDir, storage.WorkQueueFile)); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no URLs provided and no existing frontier found in %s", cfg.WorkDir)
		}
	}

	filter, err := cfg.BuildVisitFilter()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.VisitFilter = filter

	logger, err := logging.SetDefault(loggingConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if len(cfg.SeedURLs) == 0 && !cfg.FollowExternalHosts {
		logger.Warn("resuming without seed URLs, host restriction cannot be applied",
			zap.String("work_dir", cfg.WorkDir))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.NewRegistry())
	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, m, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("starting crawler",
		zap.Strings("seeds", cfg.SeedURLs),
		zap.Int("workers", cfg.Workers),
		zap.Int("max_depth", cfg.MaxDepth),
		zap.Int("max_pages", cfg.MaxPages),
		zap.Duration("visit_delay", cfg.VisitDelay),
		zap.String("politeness_scope", cfg.PolitenessScope),
		zap.String("work_dir", cfg.WorkDir),
		zap.Bool("resumable", cfg.Resumable),
		zap.Bool("offline", cfg.Offline))

	supervisor, cleanup, err := initializeCrawler(cfg, logger, m)
	if err != nil {
		return fmt.Errorf("failed to initialize crawler: %w", err)
	}
	defer cleanup()

	if err := supervisor.Run(ctx); err != nil {
		return err
	}

	stats := supervisor.Stats()
	logger.Info("crawl finished",
		zap.String("run_id", supervisor.RunID()),
		zap.Int("saved", stats.Saved),
		zap.Int("drains", stats.Drains),
		zap.Int("restarts", stats.Restarts),
		zap.Int64("indexed", stats.Frontier.Indexed),
		zap.Int64("pending", stats.Frontier.Pending))
	return nil
}

// initializeCrawler opens the frontier stores and the sink and assembles a
// supervisor around them. The returned cleanup releases the sink and the
// HTTP client; the stores are closed by the supervisor on shutdown.
func initializeCrawler(cfg *config.CrawlConfig, logger *zap.Logger, m *metrics.Metrics) (*crawler.Supervisor, func(), error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	index, queue, err := storage.Open(cfg.WorkDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	out, err := newSink(cfg, logger)
	if err != nil {
		_ = index.Close()
		_ = queue.Close()
		return nil, nil, err
	}

	fetcher := crawler.NewHTTPClient(crawler.HTTPOptionsFromConfig(cfg))
	cleanup := func() {
		fetcher.Close()
		if err := out.Close(); err != nil {
			logger.Warn("failed to close sink", zap.Error(err))
		}
	}

	supervisor, err := crawler.NewSupervisor(cfg, index, queue, crawler.Deps{
		Fetcher:   fetcher,
		Extractor: parser.NewHTMLExtractor(),
		Sink:      out,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		cleanup()
		_ = index.Close()
		_ = queue.Close()
		return nil, nil, err
	}
	return supervisor, cleanup, nil
}

type closingSink interface {
	crawler.Sink
	Close() error
}

func newSink(cfg *config.CrawlConfig, logger *zap.Logger) (closingSink, error) {
	if cfg.Offline {
		out, err := sink.NewFileSink(cfg.OutputPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open output file: %w", err)
		}
		return out, nil
	}
	return sink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger), nil
}

func startMetricsServer(addr string, m *metrics.Metrics, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
