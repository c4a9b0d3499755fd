package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for an owlcap viewer node.
type Config struct {
	// Identity
	NodeName string `mapstructure:"node_name"`

	// HTTP server
	ViewHost string `mapstructure:"view_host"`
	ViewPort int    `mapstructure:"view_port"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
	WebBase  string `mapstructure:"web_base_path"`
	LogLevel string `mapstructure:"log_level"`

	// Secrets
	PasswordSecret string `mapstructure:"password_secret"`
	ServerSecret   string `mapstructure:"server_secret"`

	// Authentication
	HTTPRealm             string `mapstructure:"http_realm"`
	UserNameHeader        string `mapstructure:"user_name_header"`
	RequiredAuthHeader    string `mapstructure:"required_auth_header"`
	RequiredAuthHeaderVal string `mapstructure:"required_auth_header_val"`
	UserAutoCreateTmpl    string `mapstructure:"user_auto_create_tmpl"`

	// Response security headers
	IFrame     string `mapstructure:"iframe"`      // deny, sameorigin, or an origin
	HSTSHeader bool   `mapstructure:"hsts_header"` // emit Strict-Transport-Security

	// Elasticsearch
	Elasticsearch         string `mapstructure:"elasticsearch"` // semicolon-delimited URLs
	ElasticsearchUser     string `mapstructure:"elasticsearch_user"`
	ElasticsearchPassword string `mapstructure:"elasticsearch_password"`
	ElasticsearchPrefix   string `mapstructure:"elasticsearch_prefix"`
	MultiES               bool   `mapstructure:"multi_es"`

	// PCAP storage
	PcapDir         string `mapstructure:"pcap_dir"` // semicolon-delimited directories
	PcapWriteMethod string `mapstructure:"pcap_write_method"`
	FreeSpaceG      string `mapstructure:"free_space_g"` // absolute GB or "N%"
	MaxFileHandles  int    `mapstructure:"max_file_handles"`

	// Background engines
	CronQueries bool `mapstructure:"cron_queries"` // this node runs the hunt and cron engines
	CronDelay   int  `mapstructure:"cron_delay"`   // seconds behind real time cron may read

	// Hunt limits
	HuntAdminLimit int `mapstructure:"hunt_admin_limit"`
	HuntLimit      int `mapstructure:"hunt_limit"`
	HuntWarn       int `mapstructure:"hunt_warn"`

	// Testing / development
	RegressionTests bool `mapstructure:"regression_tests"`

	// ESAdmin access (userIds); empty means createEnabled admins when not multiES
	ESAdminUsers []string `mapstructure:"es_admin_users"`

	// Fleet topology: nodeName -> how to reach its viewer
	Nodes map[string]NodeConfig `mapstructure:"nodes"`

	// Remote clusters for session forwarding
	RemoteClusters map[string]RemoteClusterConfig `mapstructure:"remote_clusters"`
}

// NodeConfig describes how to reach a peer viewer node.
type NodeConfig struct {
	ViewURL      string `mapstructure:"view_url"` // e.g. https://cap01:8005
	ServerSecret string `mapstructure:"server_secret"`
	CAFile       string `mapstructure:"ca_file"`
}

// RemoteClusterConfig describes a remote cluster that can receive forwarded sessions.
type RemoteClusterConfig struct {
	URL            string `mapstructure:"url"`
	ServerSecret   string `mapstructure:"server_secret"`
	PasswordSecret string `mapstructure:"password_secret"`
}

// Load loads configuration from defaults, optional config file, environment
// variables (OWLCAP_ prefix) and command line flags, in increasing precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("OWLCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("view_host", "")
	v.SetDefault("view_port", 8005)
	v.SetDefault("log_level", "info")
	v.SetDefault("http_realm", "Owlcap")
	v.SetDefault("iframe", "deny")
	v.SetDefault("hsts_header", false)
	v.SetDefault("elasticsearch", "http://localhost:9200")
	v.SetDefault("pcap_write_method", "simple")
	v.SetDefault("free_space_g", "5%")
	v.SetDefault("max_file_handles", 60)
	v.SetDefault("cron_queries", false)
	v.SetDefault("cron_delay", 90)
	v.SetDefault("hunt_admin_limit", 10000000)
	v.SetDefault("hunt_limit", 1000000)
	v.SetDefault("hunt_warn", 100000)
	v.SetDefault("regression_tests", false)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"node":      "node_name",
		"host":      "view_host",
		"port":      "view_port",
		"log-level": "log_level",
		"cert-file": "cert_file",
		"key-file":  "key_file",
	}

	for flag, key := range flags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("node_name is required and hostname lookup failed: %w", err)
		}
		cfg.NodeName = host
	}

	if cfg.PasswordSecret == "" && !cfg.RegressionTests {
		return fmt.Errorf("password_secret is required")
	}

	// Peer auth falls back to the password secret when no dedicated
	// server secret is configured.
	if cfg.ServerSecret == "" {
		cfg.ServerSecret = cfg.PasswordSecret
	}

	if cfg.PcapDir == "" {
		return fmt.Errorf("pcap_dir is required")
	}

	if cfg.CertFile != "" && cfg.KeyFile == "" || cfg.CertFile == "" && cfg.KeyFile != "" {
		return fmt.Errorf("cert_file and key_file must both be set for TLS")
	}

	if _, err := parseFreeSpace(cfg.FreeSpaceG); err != nil {
		return err
	}

	for name, rc := range cfg.RemoteClusters {
		if rc.URL == "" {
			return fmt.Errorf("remote cluster %q has no url", name)
		}
	}

	return nil
}

// IsHTTPS reports whether the viewer serves TLS, derived from the presence of
// both a certificate and a key.
func (c *Config) IsHTTPS() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Scheme returns the URL scheme this viewer is served on.
func (c *Config) Scheme() string {
	if c.IsHTTPS() {
		return "https"
	}
	return "http"
}

// PcapDirs returns the configured PCAP directories.
func (c *Config) PcapDirs() []string {
	return splitList(c.PcapDir)
}

// ElasticsearchURLs returns the configured Elasticsearch endpoints.
func (c *Config) ElasticsearchURLs() []string {
	return splitList(c.Elasticsearch)
}

// FreeSpaceBytes resolves the free_space_g setting against a device's total
// size: either an absolute gigabyte count or a percentage of the total.
func (c *Config) FreeSpaceBytes(deviceTotal uint64) uint64 {
	target, err := parseFreeSpace(c.FreeSpaceG)
	if err != nil {
		return 0
	}
	if target.percent {
		return uint64(float64(deviceTotal) * target.value / 100)
	}
	return uint64(target.value * 1024 * 1024 * 1024)
}

// SecretForNode returns the peer-auth secret to use when talking to node.
// Per-node overrides win over the fleet-wide server secret.
func (c *Config) SecretForNode(node string) string {
	if nc, ok := c.Nodes[node]; ok && nc.ServerSecret != "" {
		return nc.ServerSecret
	}
	return c.ServerSecret
}

type freeSpaceTarget struct {
	value   float64
	percent bool
}

func parseFreeSpace(s string) (freeSpaceTarget, error) {
	if s == "" {
		return freeSpaceTarget{value: 5, percent: true}, nil
	}
	percent := strings.HasSuffix(s, "%")
	val, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil || val < 0 {
		return freeSpaceTarget{}, fmt.Errorf("free_space_g %q is not a number or percentage", s)
	}
	return freeSpaceTarget{value: val, percent: percent}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
