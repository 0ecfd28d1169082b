package milterfrom

import (
	"fmt"
	"net"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the optional TOML configuration. Command line flags take
// precedence over values read from the file.
type Config struct {
	// Listen is the milter socket specification, see ParseSocketSpec.
	Listen string `toml:"listen"`
	// MetricsListen is the optional HTTP address to expose Prometheus
	// metrics on. Empty disables the metrics listener.
	MetricsListen string `toml:"metrics_listen"`
	// UMask applies before unix sockets are created.
	UMask int `toml:"umask"`

	Hooks HooksConfig `toml:"hooks"`
}

// HooksConfig selects the verdict recorders. Every non-empty entry enables
// one hook.
type HooksConfig struct {
	File      string `toml:"file"`
	SqliteDSN string `toml:"sqlite_dsn"`
	MysqlDSN  string `toml:"mysql_dsn"`
}

// DefaultConfig holds the values used when no config file is given.
var DefaultConfig = Config{
	UMask: 0o002,
}

// LoadConfig reads a TOML config file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// BuildHooks instantiates the configured verdict hooks.
func (c *Config) BuildHooks() []Hook {
	var hooks []Hook
	if c.Hooks.File != "" {
		hooks = append(hooks, &HookFile{Path: c.Hooks.File})
	}
	if c.Hooks.SqliteDSN != "" {
		hooks = append(hooks, &HookSqlite{DSN: c.Hooks.SqliteDSN})
	}
	if c.Hooks.MysqlDSN != "" {
		hooks = append(hooks, &HookMysql{DSN: c.Hooks.MysqlDSN})
	}
	return hooks
}

// ParseSocketSpec turns a milter socket specification into a network and
// address usable with net.Listen. Accepted forms:
//
//	unix:/path/to/sock, local:/path/to/sock
//	inet:port@host, inet6:port@host
//	unix:///path/to/sock, tcp://host:port (URI style)
//	/path/to/sock (bare paths are unix sockets)
func ParseSocketSpec(spec string) (network, address string, err error) {
	if spec == "" {
		return "", "", fmt.Errorf("empty socket specification")
	}

	if n, a, ok := strings.Cut(spec, "://"); ok {
		switch n {
		case "unix", "tcp", "tcp4", "tcp6":
			if a == "" {
				return "", "", fmt.Errorf("socket specification %q: missing address", spec)
			}
			return n, a, nil
		default:
			return "", "", fmt.Errorf("socket specification %q: unknown network %q", spec, n)
		}
	}

	proto, rest, ok := strings.Cut(spec, ":")
	if !ok || strings.HasPrefix(spec, "/") {
		// bare path
		return "unix", spec, nil
	}

	switch proto {
	case "unix", "local":
		return "unix", rest, nil
	case "inet", "inet6":
		port, host, found := strings.Cut(rest, "@")
		if !found {
			host = "localhost"
		}
		if port == "" {
			return "", "", fmt.Errorf("socket specification %q: missing port", spec)
		}
		network = "tcp4"
		if proto == "inet6" {
			network = "tcp6"
		}
		return network, net.JoinHostPort(host, port), nil
	default:
		return "", "", fmt.Errorf("socket specification %q: unknown protocol %q", spec, proto)
	}
}
