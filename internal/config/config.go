package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Hara602/usbResponder/internal/response"
)

const (
	EnvDBPath              = "USBSENTRY_DB"
	EnvAddr                = "USBSENTRY_ADDR"
	EnvLogLevel            = "USBSENTRY_LOG_LEVEL"
	EnvLogFormat           = "USBSENTRY_LOG_FORMAT"
	EnvSysfsRoot           = "USBSENTRY_SYSFS_ROOT"
	EnvLiveUpdatePeriod    = "USBSENTRY_LIVE_UPDATE"
	EnvCountdownPeriod     = "USBSENTRY_COUNTDOWN_PERIOD"
	EnvThreatCountdown     = "USBSENTRY_THREAT_COUNTDOWN"
	EnvCleanCountdown      = "USBSENTRY_CLEAN_COUNTDOWN"
	EnvIncompleteCountdown = "USBSENTRY_INCOMPLETE_COUNTDOWN"
	EnvScanTimeout         = "USBSENTRY_SCAN_TIMEOUT"
	EnvSystemBlockTimeout  = "USBSENTRY_SYSTEM_BLOCK_TIMEOUT"
	EnvScanWorkers         = "USBSENTRY_SCAN_WORKERS"
	EnvMaxFileBytes        = "USBSENTRY_MAX_FILE_BYTES"
	EnvTrace               = "USBSENTRY_TRACE"
)

// Config holds all agent configuration.
type Config struct {
	DBPath    string
	Addr      string // 空字符串关闭 HTTP 接口
	LogLevel  string
	LogFormat string
	SysfsRoot string

	LiveUpdatePeriod    time.Duration
	CountdownPeriod     time.Duration
	ThreatCountdown     int
	CleanCountdown      int
	IncompleteCountdown int
	ScanTimeout         time.Duration
	SystemBlockTimeout  time.Duration

	ScanWorkers  int
	MaxFileBytes int64
	Trace        bool
}

// Load parses command line flags and environment variables to populate Config.
// Flags take precedence over environment variables.
func Load(args []string) (*Config, error) {
	def := response.DefaultTiming()
	cfg := &Config{
		DBPath:              getEnv(EnvDBPath, "usbsentry.db"),
		Addr:                getEnv(EnvAddr, "127.0.0.1:9108"),
		LogLevel:            getEnv(EnvLogLevel, "info"),
		LogFormat:           getEnv(EnvLogFormat, "console"),
		SysfsRoot:           getEnv(EnvSysfsRoot, "/sys/bus/usb/devices"),
		LiveUpdatePeriod:    getEnvDuration(EnvLiveUpdatePeriod, def.LiveUpdatePeriod),
		CountdownPeriod:     getEnvDuration(EnvCountdownPeriod, def.CountdownPeriod),
		ThreatCountdown:     getEnvInt(EnvThreatCountdown, def.ThreatCountdown),
		CleanCountdown:      getEnvInt(EnvCleanCountdown, def.CleanCountdown),
		IncompleteCountdown: getEnvInt(EnvIncompleteCountdown, def.IncompleteCountdown),
		ScanTimeout:         getEnvDuration(EnvScanTimeout, def.ScanTimeout),
		SystemBlockTimeout:  getEnvDuration(EnvSystemBlockTimeout, 5*time.Second),
		ScanWorkers:         getEnvInt(EnvScanWorkers, 4),
		MaxFileBytes:        int64(getEnvInt(EnvMaxFileBytes, 64<<20)),
		Trace:               getEnvBool(EnvTrace, false),
	}

	fs := flag.NewFlagSet("usbsentry", flag.ContinueOnError)
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to SQLite database")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP status server address (empty to disable)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (console, json)")
	fs.StringVar(&cfg.SysfsRoot, "sysfs-root", cfg.SysfsRoot, "USB device tree used for system-level blocking")
	fs.DurationVar(&cfg.LiveUpdatePeriod, "live-update", cfg.LiveUpdatePeriod, "Scan progress polling period")
	fs.DurationVar(&cfg.CountdownPeriod, "countdown-period", cfg.CountdownPeriod, "Length of one countdown unit")
	fs.IntVar(&cfg.ThreatCountdown, "threat-countdown", cfg.ThreatCountdown, "Countdown units before a threat verdict closes")
	fs.IntVar(&cfg.CleanCountdown, "clean-countdown", cfg.CleanCountdown, "Countdown units before a clean verdict closes")
	fs.IntVar(&cfg.IncompleteCountdown, "incomplete-countdown", cfg.IncompleteCountdown, "Countdown units before an incomplete verdict closes")
	fs.DurationVar(&cfg.ScanTimeout, "scan-timeout", cfg.ScanTimeout, "Maximum time to wait for scan completion")
	fs.DurationVar(&cfg.SystemBlockTimeout, "system-block-timeout", cfg.SystemBlockTimeout, "Maximum time for the system-level block")
	fs.IntVar(&cfg.ScanWorkers, "scan-workers", cfg.ScanWorkers, "Files inspected concurrently")
	fs.Int64Var(&cfg.MaxFileBytes, "max-file-bytes", cfg.MaxFileBytes, "Bytes read per file for signature matching (0 = unlimited)")
	fs.BoolVar(&cfg.Trace, "trace", cfg.Trace, "Write OpenTelemetry spans to stdout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.LogFormat))
	}
	if c.SysfsRoot == "" {
		errs = append(errs, errors.New("sysfs root is required"))
	}
	if c.LiveUpdatePeriod <= 0 || c.CountdownPeriod <= 0 || c.ScanTimeout <= 0 || c.SystemBlockTimeout <= 0 {
		errs = append(errs, errors.New("periods and timeouts must be positive"))
	}
	if c.ThreatCountdown <= 0 || c.CleanCountdown <= 0 || c.IncompleteCountdown <= 0 {
		errs = append(errs, errors.New("countdowns must be at least one unit"))
	}
	if c.ScanWorkers <= 0 {
		errs = append(errs, fmt.Errorf("scan workers must be positive, got %d", c.ScanWorkers))
	}
	if c.MaxFileBytes < 0 {
		errs = append(errs, fmt.Errorf("max file bytes must not be negative, got %d", c.MaxFileBytes))
	}
	return errors.Join(errs...)
}

// Timing 转换为响应会话的计时参数
func (c *Config) Timing() response.Timing {
	return response.Timing{
		LiveUpdatePeriod:    c.LiveUpdatePeriod,
		CountdownPeriod:     c.CountdownPeriod,
		ThreatCountdown:     c.ThreatCountdown,
		CleanCountdown:      c.CleanCountdown,
		IncompleteCountdown: c.IncompleteCountdown,
		ScanTimeout:         c.ScanTimeout,
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}
