// Package config loads relayfab server and agent configuration from
// environment variables, following the same envStr/envBool/envDuration
// convention throughout.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ServerConfig holds the control-plane server's configuration.
type ServerConfig struct {
	ControlAddr string
	ProxyAddr   string
	PublicAddr  string

	// ValidatorURL points at the external credential/token database the
	// server delegates validation to (spec §6: "treated as a validator").
	// Out of core scope to implement; the core only needs the address to
	// hand to whatever validator client is wired in at the call site.
	ValidatorURL string

	// BootstrapKey is the static fallback key accepted when the
	// validator is transiently unreachable (spec §7 "Transient-dependency").
	// Empty disables the fallback.
	BootstrapKey string

	DBPath string

	LogJSON        bool
	MetricsEnabled bool

	PendingTimeout      time.Duration
	HeartbeatStaleAfter time.Duration
}

// LoadServer reads server configuration from environment variables.
func LoadServer() *ServerConfig {
	return &ServerConfig{
		ControlAddr:         envStr("RELAYFAB_CONTROL_ADDR", ":17000"),
		ProxyAddr:           envStr("RELAYFAB_PROXY_ADDR", ":17001"),
		PublicAddr:          envStr("RELAYFAB_PUBLIC_ADDR", ":18080"),
		ValidatorURL:        envStr("RELAYFAB_VALIDATOR_URL", ""),
		BootstrapKey:        envStr("RELAYFAB_BOOTSTRAP_KEY", ""),
		DBPath:              envStr("RELAYFAB_DB_PATH", "/data/relayfab.db"),
		LogJSON:             envBool("RELAYFAB_LOG_JSON", true),
		MetricsEnabled:      envBool("RELAYFAB_METRICS", true),
		PendingTimeout:      envDuration("RELAYFAB_PENDING_TIMEOUT", 10*time.Second),
		HeartbeatStaleAfter: envDuration("RELAYFAB_HEARTBEAT_STALE_AFTER", 30*time.Second),
	}
}

// Validate checks the server configuration for invalid values.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.ControlAddr == "" {
		errs = append(errs, fmt.Errorf("RELAYFAB_CONTROL_ADDR must not be empty"))
	}
	if c.ProxyAddr == "" {
		errs = append(errs, fmt.Errorf("RELAYFAB_PROXY_ADDR must not be empty"))
	}
	if c.PublicAddr == "" {
		errs = append(errs, fmt.Errorf("RELAYFAB_PUBLIC_ADDR must not be empty"))
	}
	if c.PendingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RELAYFAB_PENDING_TIMEOUT must be > 0, got %s", c.PendingTimeout))
	}
	if c.HeartbeatStaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("RELAYFAB_HEARTBEAT_STALE_AFTER must be > 0, got %s", c.HeartbeatStaleAfter))
	}
	return errors.Join(errs...)
}

// Values returns all server configuration as a string map for display,
// with the bootstrap key redacted.
func (c *ServerConfig) Values() map[string]string {
	return map[string]string{
		"RELAYFAB_CONTROL_ADDR":          c.ControlAddr,
		"RELAYFAB_PROXY_ADDR":            c.ProxyAddr,
		"RELAYFAB_PUBLIC_ADDR":           c.PublicAddr,
		"RELAYFAB_VALIDATOR_URL":         c.ValidatorURL,
		"RELAYFAB_BOOTSTRAP_KEY":         redactSecret(c.BootstrapKey),
		"RELAYFAB_DB_PATH":               c.DBPath,
		"RELAYFAB_LOG_JSON":              fmt.Sprintf("%t", c.LogJSON),
		"RELAYFAB_METRICS":               fmt.Sprintf("%t", c.MetricsEnabled),
		"RELAYFAB_PENDING_TIMEOUT":       c.PendingTimeout.String(),
		"RELAYFAB_HEARTBEAT_STALE_AFTER": c.HeartbeatStaleAfter.String(),
	}
}

// AgentConfig holds one agent's configuration.
type AgentConfig struct {
	ServerControlAddr string
	ServerProxyAddr   string
	LocalServiceAddr  string

	ClientID string // auto-generated from hostname if empty
	Email    string
	Password string
	Token    string // skips interactive credentials if set

	DataDir string

	LogJSON bool
}

// LoadAgent reads agent configuration from environment variables.
func LoadAgent() *AgentConfig {
	return &AgentConfig{
		ServerControlAddr: envStr("RELAYFAB_SERVER_CONTROL_ADDR", "127.0.0.1:17000"),
		ServerProxyAddr:   envStr("RELAYFAB_SERVER_PROXY_ADDR", "127.0.0.1:17001"),
		LocalServiceAddr:  envStr("RELAYFAB_LOCAL_SERVICE_ADDR", ""),
		ClientID:          envStr("RELAYFAB_CLIENT_ID", ""),
		Email:             envStr("RELAYFAB_EMAIL", ""),
		Password:          envStr("RELAYFAB_PASSWORD", ""),
		Token:             envStr("RELAYFAB_TOKEN", ""),
		DataDir:           envStr("RELAYFAB_DATA_DIR", "/data/relayfab-agent"),
		LogJSON:           envBool("RELAYFAB_LOG_JSON", true),
	}
}

// Validate checks the agent configuration for invalid values.
func (c *AgentConfig) Validate() error {
	var errs []error
	if c.ServerControlAddr == "" {
		errs = append(errs, fmt.Errorf("RELAYFAB_SERVER_CONTROL_ADDR must not be empty"))
	}
	if c.ServerProxyAddr == "" {
		errs = append(errs, fmt.Errorf("RELAYFAB_SERVER_PROXY_ADDR must not be empty"))
	}
	if c.LocalServiceAddr == "" {
		errs = append(errs, fmt.Errorf("RELAYFAB_LOCAL_SERVICE_ADDR must not be empty"))
	}
	if c.Token == "" && (c.Email == "" || c.Password == "") {
		errs = append(errs, fmt.Errorf("either RELAYFAB_TOKEN or both RELAYFAB_EMAIL and RELAYFAB_PASSWORD must be set"))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// redactSecret returns "(set)" if s is non-empty, empty string otherwise.
func redactSecret(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}
