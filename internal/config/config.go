package config

import "time"

// Config holds agent configuration values.
type Config struct {
	// SignalURL is the WebSocket endpoint of the consultation backend.
	SignalURL string `mapstructure:"signal_url" yaml:"signal_url"`
	// APIBaseURL is the REST endpoint used for notification sync.
	APIBaseURL string `mapstructure:"api_base_url" yaml:"api_base_url"`
	// LocalAddr is the loopback address the control API listens on.
	LocalAddr string `mapstructure:"local_addr" yaml:"local_addr"`

	TokenPath    string `mapstructure:"token_path" yaml:"token_path"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// SelfID identifies this user in outbound call offers. When empty it
	// is derived from the persisted token's subject claim.
	SelfID string `mapstructure:"self_id" yaml:"self_id"`

	STUNServers []string `mapstructure:"stun_servers" yaml:"stun_servers"`

	RingTimeout       time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
	ReconnectMin      time.Duration `mapstructure:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		SignalURL:         "",
		APIBaseURL:        "http://localhost:3000",
		LocalAddr:         "127.0.0.1:7788",
		TokenPath:         "token",
		DatabasePath:      "consult.db",
		SelfID:            "",
		STUNServers:       []string{"stun:stun.l.google.com:19302"},
		RingTimeout:       30 * time.Second,
		ReconnectMin:      time.Second,
		ReconnectMax:      30 * time.Second,
		RequestTimeout:    10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.SignalURL != "" {
		c.SignalURL = other.SignalURL
	}
	if other.APIBaseURL != "" {
		c.APIBaseURL = other.APIBaseURL
	}
	if other.LocalAddr != "" {
		c.LocalAddr = other.LocalAddr
	}
	if other.TokenPath != "" {
		c.TokenPath = other.TokenPath
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.SelfID != "" {
		c.SelfID = other.SelfID
	}
	if len(other.STUNServers) != 0 {
		c.STUNServers = other.STUNServers
	}
	if other.RingTimeout != 0 {
		c.RingTimeout = other.RingTimeout
	}
	if other.ReconnectMin != 0 {
		c.ReconnectMin = other.ReconnectMin
	}
	if other.ReconnectMax != 0 {
		c.ReconnectMax = other.ReconnectMax
	}
	if other.RequestTimeout != 0 {
		c.RequestTimeout = other.RequestTimeout
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}
