package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fmcg/dimpipe/internal/table"
)

const (
	CurrentVersion = 1
	DefaultPath    = "~/.dimpipe/dimpipe.yaml"
	DefaultBucket  = "fmcgproject-childcompany-data"
)

// Source types.
const (
	SourceLocal = "local"
	SourceS3    = "s3"
)

// Store types.
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

// Config is the top-level configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Params     table.Params     `yaml:"params"`
	Source     SourceConfig     `yaml:"source"`
	Store      StoreConfig      `yaml:"store"`
	Lookups    LookupConfig     `yaml:"lookups,omitempty"`
	ChangeFeed ChangeFeedConfig `yaml:"changefeed,omitempty"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty"`
	Logging    LogConfig        `yaml:"logging,omitempty"`
	StateDir   string           `yaml:"state_dir,omitempty"`
	ReportURI  string           `yaml:"report_uri,omitempty"` // s3://bucket/prefix for run reports
}

// SourceConfig defines where raw CSV exports are read from.
type SourceConfig struct {
	Type     string `yaml:"type"`               // local or s3
	Path     string `yaml:"path,omitempty"`     // local base directory
	Bucket   string `yaml:"bucket,omitempty"`   // s3 bucket
	Prefix   string `yaml:"prefix,omitempty"`   // s3 key prefix above {data_source}/
	Pattern  string `yaml:"pattern,omitempty"`  // default *.csv
	Region   string `yaml:"region,omitempty"`
	Profile  string `yaml:"profile,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"` // S3-compatible endpoint override
}

// StoreConfig defines the transactional table store.
type StoreConfig struct {
	Type             string `yaml:"type"` // postgres, mongo or memory
	ConnectionString string `yaml:"connection_string,omitempty"`
	MaxConnections   int    `yaml:"max_connections,omitempty"` // default 4, max 20
}

// LookupConfig points at the reference data used by cleansing.
type LookupConfig struct {
	Path string `yaml:"path,omitempty"` // local file or s3://bucket/key; empty uses built-in defaults
}

// ChangeFeedConfig defines where parent dimension changes are published.
type ChangeFeedConfig struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// Enabled reports whether change publishing is configured.
func (c ChangeFeedConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// MetricsConfig defines the Prometheus Pushgateway target.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url,omitempty"`
	Job            string `yaml:"job,omitempty"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level         string `yaml:"level,omitempty"`          // debug, info, warn, error
	Directory     string `yaml:"directory,omitempty"`      // default ~/.dimpipe/logs/
	RetentionDays int    `yaml:"retention_days,omitempty"` // default 30
}

// Default returns a configuration that reads from the child company bucket
// and writes to a local PostgreSQL.
func Default() *Config {
	cfg := &Config{
		Version: CurrentVersion,
		Source:  SourceConfig{Type: SourceS3, Bucket: DefaultBucket},
		Store: StoreConfig{
			Type:             StorePostgres,
			ConnectionString: "${ENV:DIMPIPE_STORE_DSN}",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the config file from the given path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentVersion)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the source and store sections.
func (c *Config) Validate() error {
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("params: %w", err)
	}

	switch c.Source.Type {
	case SourceLocal:
		if c.Source.Path == "" {
			return errors.New("source: path is required for local sources")
		}
	case SourceS3:
		if c.Source.Bucket == "" {
			return errors.New("source: bucket is required for s3 sources")
		}
	default:
		return fmt.Errorf("source: unsupported type %q", c.Source.Type)
	}

	switch c.Store.Type {
	case StorePostgres, StoreMongo:
		if c.Store.ConnectionString == "" {
			return fmt.Errorf("store: connection_string is required for %s", c.Store.Type)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store: unsupported type %q", c.Store.Type)
	}

	if c.ReportURI != "" && !strings.HasPrefix(c.ReportURI, "s3://") {
		return fmt.Errorf("report_uri: expected s3://bucket/prefix, got %q", c.ReportURI)
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := table.DefaultParams()
	if c.Params.Catalog == "" {
		c.Params.Catalog = def.Catalog
	}
	if c.Params.DataSource == "" {
		c.Params.DataSource = def.DataSource
	}
	if c.Source.Type == "" {
		c.Source.Type = SourceS3
	}
	if c.Source.Type == SourceS3 && c.Source.Bucket == "" {
		c.Source.Bucket = DefaultBucket
	}
	if c.Source.Pattern == "" {
		c.Source.Pattern = "*.csv"
	}
	if c.Store.Type == "" {
		c.Store.Type = StorePostgres
	}
	if c.Store.MaxConnections == 0 {
		c.Store.MaxConnections = 4
	}
	if c.Store.MaxConnections > 20 {
		c.Store.MaxConnections = 20
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "dimpipe"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Directory == "" {
		c.Logging.Directory = ExpandHome("~/.dimpipe/logs/")
	}
	if c.Logging.RetentionDays == 0 {
		c.Logging.RetentionDays = 30
	}
	if c.StateDir == "" {
		c.StateDir = ExpandHome("~/.dimpipe/")
	}
}

// ChangeFeedTopic returns the configured topic or one derived from the parent table.
func (c *Config) ChangeFeedTopic() string {
	if c.ChangeFeed.Topic != "" {
		return c.ChangeFeed.Topic
	}
	return table.ParentDimension(c.Params).String() + ".changes"
}

// SourceGlob returns the file location the ingest stage reads, e.g.
// s3://fmcgproject-childcompany-data/customers/*.csv.
func (c *Config) SourceGlob() string {
	switch c.Source.Type {
	case SourceLocal:
		return filepath.Join(ExpandHome(c.Source.Path), c.Params.DataSource, c.Source.Pattern)
	default:
		key := strings.Trim(c.Source.Prefix, "/")
		if key != "" {
			key += "/"
		}
		return fmt.Sprintf("s3://%s/%s%s/%s", c.Source.Bucket, key, c.Params.DataSource, c.Source.Pattern)
	}
}

var secretPattern = regexp.MustCompile(`\$\{(ENV|VAULT|AWS_SM):([^}]+)\}`)

// ResolveSecrets replaces secret references in connection settings.
// It is separate from Load so commands that never connect do not need credentials.
func (c *Config) ResolveSecrets() error {
	var err error
	c.Store.ConnectionString, err = ResolveValue(c.Store.ConnectionString)
	if err != nil {
		return fmt.Errorf("store connection string: %w", err)
	}
	c.Metrics.PushgatewayURL, err = ResolveValue(c.Metrics.PushgatewayURL)
	if err != nil {
		return fmt.Errorf("pushgateway url: %w", err)
	}
	return nil
}

// ResolveValue resolves secret references in a string value.
func ResolveValue(val string) (string, error) {
	matches := secretPattern.FindStringSubmatch(val)
	if matches == nil {
		return val, nil
	}

	provider := matches[1]
	ref := matches[2]

	var resolved string
	var err error
	switch provider {
	case "ENV":
		resolved = os.Getenv(ref)
		if resolved == "" {
			return "", fmt.Errorf("environment variable %s not set", ref)
		}
	case "VAULT":
		resolved, err = resolveVault(ref)
	case "AWS_SM":
		resolved, err = resolveAWSSecretsManager(ref)
	default:
		return "", fmt.Errorf("unknown secrets provider: %s", provider)
	}
	if err != nil {
		return "", err
	}
	return strings.Replace(val, matches[0], resolved, 1), nil
}

// ExpandHome expands ~ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
