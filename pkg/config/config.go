// Package config parses the proxy's command line. Flags may also be set
// through the environment (LOG_LEVEL, ADMIN_ADDR, ...).
package config

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	flag "github.com/jnovack/flag"

	"github.com/jnovack/proxy-server/pkg/threadpool"
)

// Usage is printed for any invalid invocation.
const Usage = "Usage: proxy-server <port> <pool-size> <max-number-of-request> <filter>"

// ErrUsage marks an invalid invocation.
var ErrUsage = errors.New("invalid invocation")

// Config is the effective configuration; it is also what /varz reports.
type Config struct {
	Port        int    `json:"port"`
	PoolSize    int    `json:"pool_size"`
	MaxRequests int    `json:"max_requests"`
	FilterFile  string `json:"filter_file"`

	CacheDir   string `json:"cache_dir"`
	AdminAddr  string `json:"admin_addr"`
	OriginPort int    `json:"origin_port"`
	MaxPool    int    `json:"max_pool"`
	LogLevel   string `json:"log_level"`
	LogFormat  string `json:"log_format"`
}

// Parse reads flags followed by the four positional arguments. Flag errors
// and positional errors both wrap ErrUsage; in either case the error and the
// usage text have already been written to output.
func Parse(name string, args []string, output io.Writer) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintln(output, Usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", "console", "Log format: console|json")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", "", "admin HTTP listen address (empty disables)")
	fs.StringVar(&cfg.CacheDir, "cache", ".", "cache directory")
	fs.IntVar(&cfg.OriginPort, "origin-port", 80, "origin TCP port")
	fs.IntVar(&cfg.MaxPool, "max-pool", threadpool.DefaultMaxSize, "upper bound for <pool-size>")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	if err := cfg.positional(fs.Args()); err != nil {
		fmt.Fprintln(output, err)
		fs.Usage()
		return nil, err
	}
	return cfg, nil
}

func (c *Config) positional(pos []string) error {
	if len(pos) != 4 {
		return fmt.Errorf("%w: want 4 arguments, got %d", ErrUsage, len(pos))
	}
	var err error
	if c.Port, err = positive("port", pos[0]); err != nil {
		return err
	}
	if c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrUsage, c.Port)
	}
	if c.PoolSize, err = positive("pool-size", pos[1]); err != nil {
		return err
	}
	if c.PoolSize > c.MaxPool {
		return fmt.Errorf("%w: pool-size %d exceeds %d", ErrUsage, c.PoolSize, c.MaxPool)
	}
	if c.MaxRequests, err = positive("max-number-of-request", pos[2]); err != nil {
		return err
	}
	c.FilterFile = pos[3]

	if c.OriginPort <= 0 || c.OriginPort > 65535 {
		return fmt.Errorf("%w: origin-port %d out of range", ErrUsage, c.OriginPort)
	}
	return nil
}

// ListenAddr is the proxy's listen address.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

func positive(what, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrUsage, what, s)
	}
	return n, nil
}
