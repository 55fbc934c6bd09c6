// Package config loads the single controller configuration object. It is
// loaded once at startup and passed explicitly; no package keeps global
// mutable state beyond it.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the controller needs to know about the host.
type Config struct {
	// Server identity, as handed to clients.
	ServerPublicKey string   `yaml:"server_public_key"`
	Endpoint        string   `yaml:"endpoint"` // host:port
	Subnet          string   `yaml:"subnet"`   // CIDR, e.g. 10.66.66.0/24
	ServerAddress   string   `yaml:"server_address,omitempty"`
	DNS             []string `yaml:"dns"`

	// Lifecycle defaults.
	DefaultLifetimeDays int `yaml:"default_lifetime_days"`

	// Paths.
	StorePath        string `yaml:"store_path"`
	JournalPath      string `yaml:"journal_path"`
	ServerConfigPath string `yaml:"server_config_path"`
	ArtifactDir      string `yaml:"artifact_dir"`
	ArchiveDir       string `yaml:"archive_dir"`

	// Daemon.
	Interface     string `yaml:"interface"`
	ReloadCommand string `yaml:"reload_command,omitempty"` // template, {{iface}} substituted

	// Analyzer.
	AnalyzerURL     string        `yaml:"analyzer_url"`
	AnalyzerModel   string        `yaml:"analyzer_model"`
	AnalyzerTimeout time.Duration `yaml:"analyzer_timeout"`

	// External subcommand timeout.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// HTTP binding.
	API APIConfig `yaml:"api"`
}

// APIConfig configures the optional HTTP/JSON admin binding.
type APIConfig struct {
	Addr        string `yaml:"addr"`
	TokenSecret string `yaml:"token_secret"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Subnet:              "10.66.66.0/24",
		DNS:                 []string{"1.1.1.1", "8.8.8.8"},
		DefaultLifetimeDays: 30,
		StorePath:           "/etc/wireguard/users.json",
		JournalPath:         "/etc/wireguard/journal.db",
		ServerConfigPath:    "/etc/wireguard/wg0.conf",
		ArtifactDir:         "/etc/wireguard/clients",
		ArchiveDir:          "/etc/wireguard/clients/archive",
		Interface:           "wg0",
		AnalyzerURL:         "http://127.0.0.1:11434",
		AnalyzerModel:       "llama3",
		AnalyzerTimeout:     60 * time.Second,
		CommandTimeout:      30 * time.Second,
		API:                 APIConfig{Addr: "127.0.0.1:8099"},
	}
}

// Load reads the YAML configuration at path on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the controller cannot run without.
func (c *Config) Validate() error {
	if _, _, err := net.ParseCIDR(c.Subnet); err != nil {
		return fmt.Errorf("invalid subnet %q: %w", c.Subnet, err)
	}
	if c.Endpoint != "" {
		if _, _, err := net.SplitHostPort(c.Endpoint); err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
		}
	}
	if c.ServerAddress != "" && net.ParseIP(c.ServerAddress) == nil {
		return fmt.Errorf("invalid server address %q", c.ServerAddress)
	}
	if c.Interface == "" {
		return fmt.Errorf("interface name is required")
	}
	if c.DefaultLifetimeDays < 1 {
		return fmt.Errorf("default lifetime must be at least one day")
	}
	return nil
}

// SubnetNet returns the parsed server subnet.
func (c *Config) SubnetNet() *net.IPNet {
	_, ipnet, _ := net.ParseCIDR(c.Subnet)
	return ipnet
}

// ServerIP returns the server's own address inside the subnet. When not
// configured it defaults to the first host of the subnet.
func (c *Config) ServerIP() net.IP {
	if c.ServerAddress != "" {
		return net.ParseIP(c.ServerAddress)
	}
	ipnet := c.SubnetNet()
	ip := ipnet.IP.To4()
	if ip == nil {
		return nil
	}
	first := make(net.IP, len(ip))
	copy(first, ip)
	first[3]++
	return first
}

// ListenPort extracts the UDP port from the configured endpoint.
func (c *Config) ListenPort() int {
	_, port, err := net.SplitHostPort(c.Endpoint)
	if err != nil {
		return 0
	}
	var p int
	fmt.Sscanf(strings.TrimSpace(port), "%d", &p)
	return p
}
