// Package config loads the YAML configuration bundle described in §6 as the
// "external collaborator" boundary: command-line parsing, the ss:// URL
// form, and the config file format itself are outside the core's scope, but
// the core still needs typed structs to receive the result into.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ocfbnj/ssgo/onet"
	"github.com/ocfbnj/ssgo/shadowsocks"
)

// Role selects which endpoint a process runs as.
type Role string

const (
	RoleLocal  Role = "local"
	RoleRemote Role = "remote"
)

// AccessKey is one remote-endpoint credential: an id used for logging and
// metrics, and the password/method pair it authenticates with.
type AccessKey struct {
	ID       string          `yaml:"id"`
	Password string          `yaml:"password"`
	Method   shadowsocks.Method `yaml:"method"`
}

// Config is the full recognized option set of §6's CLI surface, as loaded
// from YAML rather than flags — flag parsing itself is left to cmd/.
type Config struct {
	Role Role `yaml:"role"`

	// ListenAddr is the local SOCKS5 listen address (local role) or the
	// remote endpoint's accept address (remote role).
	ListenAddr string `yaml:"listen_addr"`

	// RemoteAddr is the address of the remote endpoint; used only by the
	// local role.
	RemoteAddr string `yaml:"remote_addr,omitempty"`

	// Password and Method configure a single-key remote or local endpoint.
	// Keys, below, configures a multi-key remote endpoint instead; exactly
	// one of (Password/Method) or Keys should be set for role remote.
	Password string             `yaml:"password,omitempty"`
	Method   shadowsocks.Method `yaml:"method,omitempty"`
	Keys     []AccessKey        `yaml:"keys,omitempty"`

	ACLPath string `yaml:"acl_path,omitempty"`

	PluginCmd  string   `yaml:"plugin_cmd,omitempty"`
	PluginOpts []string `yaml:"plugin_opts,omitempty"`

	IdleTimeout time.Duration `yaml:"idle_timeout"`
	LogLevel    string        `yaml:"log_level"`

	// MetricsAddr, if set, starts a Prometheus /metrics HTTP server on the
	// remote endpoint.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	GeoIPDBPath string `yaml:"geoip_db_path,omitempty"`
}

// Load reads and parses the YAML configuration at path, applying defaults
// and performing the validation Validate does.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, onet.NewError(onet.Config, "failed to open config file", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a YAML configuration document from r.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, onet.NewError(onet.Io, "failed to read config", err)
	}

	cfg := &Config{
		IdleTimeout: 60 * time.Second,
		LogLevel:    "INFO",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, onet.NewError(onet.Config, "failed to parse config YAML", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports a ConfigError if cfg is missing a field its Role
// requires.
func (cfg *Config) Validate() error {
	switch cfg.Role {
	case RoleLocal:
		if cfg.RemoteAddr == "" {
			return onet.NewError(onet.Config, "local role requires remote_addr", nil)
		}
		if cfg.Password == "" {
			return onet.NewError(onet.Config, "local role requires password", nil)
		}
	case RoleRemote:
		if len(cfg.Keys) == 0 && cfg.Password == "" {
			return onet.NewError(onet.Config, "remote role requires password or keys", nil)
		}
	default:
		return onet.NewError(onet.Config, fmt.Sprintf("unknown role %q", cfg.Role), nil)
	}
	if cfg.ListenAddr == "" {
		return onet.NewError(onet.Config, "listen_addr is required", nil)
	}
	if cfg.IdleTimeout <= 0 {
		return onet.NewError(onet.Config, "idle_timeout must be positive", nil)
	}
	return nil
}

// AccessKeys normalizes cfg's credential configuration into a uniform list:
// either the single Password/Method pair under id "default", or Keys
// verbatim.
func (cfg *Config) AccessKeys() []AccessKey {
	if len(cfg.Keys) > 0 {
		return cfg.Keys
	}
	return []AccessKey{{ID: "default", Password: cfg.Password, Method: cfg.Method}}
}
