package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/qudata/browserd/internal/domain"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config holds all service configuration. Values come from defaults, then
// an optional TOML file, then environment variables.
type Config struct {
	// Port is the HTTP listen port of the provisioning API.
	Port int `toml:"port"`

	// PortRangeStart and PortRangeEnd bound the browser ports, inclusive.
	PortRangeStart int `toml:"ws_port_start"`
	PortRangeEnd   int `toml:"ws_port_end"`

	// Mode selects launch flags and endpoint rewriting.
	Mode domain.DeploymentMode `toml:"mode"`

	// HostWSIP is the host returned in endpoints in docker mode.
	HostWSIP string `toml:"host_ws_ip"`

	// APIToken, when set, is required in the X-Browserd-Token header.
	APIToken string `toml:"api_token"`

	// Debug enables verbose logging.
	Debug bool `toml:"debug"`

	// LogDir is the directory for log files.
	LogDir string `toml:"log_dir"`

	// DataDir holds the process lock and browser profile directories.
	DataDir string `toml:"data_dir"`

	// ChromiumPath overrides the Playwright-managed Chromium.
	ChromiumPath string `toml:"chromium_path"`

	// InstallBrowsers downloads Playwright's Chromium at startup.
	InstallBrowsers bool `toml:"install_browsers"`

	StaleThreshold  time.Duration `toml:"stale_threshold"`
	ProbeTimeout    time.Duration `toml:"probe_timeout"`
	RetryBackoff    time.Duration `toml:"retry_backoff"`
	MaxAttempts     int           `toml:"max_attempts"`
	LaunchTimeout   time.Duration `toml:"launch_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            3000,
		PortRangeStart:  35555,
		PortRangeEnd:    35655,
		Mode:            domain.ModeLocal,
		HostWSIP:        "localhost",
		LogDir:          "logs",
		DataDir:         filepath.Join(os.TempDir(), "browserd"),
		StaleThreshold:  30 * time.Second,
		ProbeTimeout:    time.Second,
		RetryBackoff:    100 * time.Millisecond,
		MaxAttempts:     5,
		LaunchTimeout:   30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds the configuration from the file named by BROWSERD_CONFIG (if
// any) and the process environment, and validates it.
func Load() (*Config, error) {
	return load(os.Getenv("BROWSERD_CONFIG"), os.LookupEnv)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}

	env.setInt("PORT", &c.Port)
	env.setInt("WS_PORT_START", &c.PortRangeStart)
	env.setInt("WS_PORT_END", &c.PortRangeEnd)
	env.setString("HOST_WS_IP", &c.HostWSIP)
	env.setString("BROWSERD_API_TOKEN", &c.APIToken)
	env.setBool("BROWSERD_DEBUG", &c.Debug)
	env.setString("BROWSERD_LOG_DIR", &c.LogDir)
	env.setString("BROWSERD_DATA_DIR", &c.DataDir)
	env.setString("BROWSERD_CHROMIUM_PATH", &c.ChromiumPath)
	env.setBool("BROWSERD_INSTALL_BROWSERS", &c.InstallBrowsers)
	env.setDuration("BROWSERD_STALE_THRESHOLD", &c.StaleThreshold)
	env.setDuration("BROWSERD_PROBE_TIMEOUT", &c.ProbeTimeout)
	env.setDuration("BROWSERD_RETRY_BACKOFF", &c.RetryBackoff)
	env.setInt("BROWSERD_MAX_ATTEMPTS", &c.MaxAttempts)
	env.setDuration("BROWSERD_LAUNCH_TIMEOUT", &c.LaunchTimeout)
	env.setDuration("BROWSERD_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	// DOCKER wins over NODE_ENV; BROWSERD_MODE wins over both.
	if v, ok := lookup("NODE_ENV"); ok && v == "production" {
		c.Mode = domain.ModeProduction
	}
	if v, ok := lookup("DOCKER"); ok && v == "true" {
		c.Mode = domain.ModeDocker
	}
	if v, ok := lookup("BROWSERD_MODE"); ok && v != "" {
		mode, err := domain.ParseDeploymentMode(v)
		if err != nil {
			env.errs = append(env.errs, fmt.Errorf("BROWSERD_MODE: %w", err))
		} else {
			c.Mode = mode
		}
	}

	return errors.Join(env.errs...)
}

// ParsePortRange parses "start-end".
func ParsePortRange(s string) (start, end int, err error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("port range %q: expected start-end", s)
	}
	if start, err = strconv.Atoi(strings.TrimSpace(lo)); err != nil {
		return 0, 0, fmt.Errorf("port range %q: %w", s, err)
	}
	if end, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
		return 0, 0, fmt.Errorf("port range %q: %w", s, err)
	}
	return start, end, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.PortRangeStart < 1 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		errs = append(errs, fmt.Errorf("invalid browser port range %d-%d", c.PortRangeStart, c.PortRangeEnd))
	} else if c.Port >= c.PortRangeStart && c.Port <= c.PortRangeEnd {
		errs = append(errs, fmt.Errorf("port %d overlaps browser port range %d-%d", c.Port, c.PortRangeStart, c.PortRangeEnd))
	}
	if _, err := domain.ParseDeploymentMode(string(c.Mode)); err != nil {
		errs = append(errs, err)
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts))
	}

	for name, d := range map[string]time.Duration{
		"stale threshold":  c.StaleThreshold,
		"probe timeout":    c.ProbeTimeout,
		"retry backoff":    c.RetryBackoff,
		"launch timeout":   c.LaunchTimeout,
		"shutdown timeout": c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir is required"))
	}

	return errors.Join(errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v == "true"
	}
}

func (e *envReader) setInt(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

// NewLogger creates a structured logger that writes to both stdout and a log file.
func NewLogger(cfg *Config, name string) (*slog.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir, name+".log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	return logger, nil
}
