package config

import (
	"fmt"
	"time"
)

const (
	defaultListen = ":8080"

	// ProtocolAuto lets the connection pick a transport from the config shape.
	ProtocolAuto           = "auto"
	ProtocolStdio          = "stdio"
	ProtocolStreamableHTTP = "streamable-http"
	ProtocolSSE            = "sse"
)

// CredentialType scopes an OAuth token to a single user or to a whole organization.
type CredentialType string

const (
	CredentialPersonal CredentialType = "personal"
	CredentialShared   CredentialType = "shared"
)

// Config represents the main gateway configuration structure
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	// RemoteOnly disables stdio transports entirely; local subprocesses are
	// refused with a descriptive connection error.
	RemoteOnly bool `json:"remote_only" mapstructure:"remote-only"`

	// IdleDisconnect is the per-connection idle auto-disconnect window.
	// Zero disables the timer.
	IdleDisconnect time.Duration `json:"idle_disconnect" mapstructure:"idle-disconnect"`

	// PoolInactivity is how long a tenant manager may sit untouched before
	// the pool evicts it and disconnects its servers.
	PoolInactivity time.Duration `json:"pool_inactivity" mapstructure:"pool-inactivity"`

	// SweepInterval is the period of the pool's background eviction sweep.
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep-interval"`

	// ServerDataTTL caps how long combined server+token cache entries live.
	ServerDataTTL time.Duration `json:"server_data_ttl" mapstructure:"server-data-ttl"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// ServerConfig describes how to reach one upstream MCP tool server. It is
// immutable once a connection has been built from it; replacing any field
// means discarding and recreating the connection.
type ServerConfig struct {
	ID       string            `json:"id,omitempty" mapstructure:"id"`
	Name     string            `json:"name,omitempty" mapstructure:"name"`
	URL      string            `json:"url,omitempty" mapstructure:"url"`
	Protocol string            `json:"protocol,omitempty" mapstructure:"protocol"` // stdio, sse, streamable-http, auto
	Command  string            `json:"command,omitempty" mapstructure:"command"`
	Args     []string          `json:"args,omitempty" mapstructure:"args"`
	Env      map[string]string `json:"env,omitempty" mapstructure:"env"`
	Headers  map[string]string `json:"headers,omitempty" mapstructure:"headers"`

	// CredentialType decides whether tokens for this server belong to the
	// acting user or to the whole organization.
	CredentialType CredentialType `json:"credential_type,omitempty" mapstructure:"credential-type"`

	// OAuthServerID links the server to an OAuth registration; empty means
	// no token is ever attached.
	OAuthServerID string `json:"oauth_server_id,omitempty" mapstructure:"oauth-server-id"`

	Enabled bool      `json:"enabled" mapstructure:"enabled"`
	Created time.Time `json:"created,omitempty" mapstructure:"created"`
	Updated time.Time `json:"updated,omitempty" mapstructure:"updated"`
}

// IsStdio reports whether this config resolves to a local subprocess transport.
func (s *ServerConfig) IsStdio() bool {
	if s.Protocol != "" && s.Protocol != ProtocolAuto {
		return s.Protocol == ProtocolStdio
	}
	return s.Command != ""
}

// Validate checks that the config describes exactly one reachable transport.
func (s *ServerConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server config: name is required")
	}
	if s.Command == "" && s.URL == "" {
		return fmt.Errorf("server config %q: either command or url must be set", s.Name)
	}
	switch s.Protocol {
	case "", ProtocolAuto, ProtocolStdio, ProtocolSSE, ProtocolStreamableHTTP:
	default:
		return fmt.Errorf("server config %q: unknown protocol %q", s.Name, s.Protocol)
	}
	if s.Protocol == ProtocolStdio && s.Command == "" {
		return fmt.Errorf("server config %q: stdio protocol requires a command", s.Name)
	}
	if (s.Protocol == ProtocolSSE || s.Protocol == ProtocolStreamableHTTP) && s.URL == "" {
		return fmt.Errorf("server config %q: %s protocol requires a url", s.Name, s.Protocol)
	}
	switch s.CredentialType {
	case "", CredentialPersonal, CredentialShared:
	default:
		return fmt.Errorf("server config %q: unknown credential type %q", s.Name, s.CredentialType)
	}
	return nil
}

// Default returns the default gateway configuration
func Default() *Config {
	return &Config{
		Listen:         defaultListen,
		RemoteOnly:     false,
		IdleDisconnect: 5 * time.Minute,
		PoolInactivity: time.Hour,
		SweepInterval:  30 * time.Minute,
		ServerDataTTL:  10 * time.Minute,
		Logging: &LogConfig{
			Level:         "info",
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
	}
}

// Validate checks the top-level configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.PoolInactivity <= 0 {
		return fmt.Errorf("config: pool-inactivity must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep-interval must be positive")
	}
	if c.ServerDataTTL <= 0 {
		return fmt.Errorf("config: server-data-ttl must be positive")
	}
	if c.IdleDisconnect < 0 {
		return fmt.Errorf("config: idle-disconnect cannot be negative")
	}
	return nil
}
