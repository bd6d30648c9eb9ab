package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/MimeLyc/slice-gateway/pkg/errors"
	"github.com/MimeLyc/slice-gateway/pkg/file"
	"github.com/MimeLyc/slice-gateway/pkg/log"
)

// Config holds all gateway configuration.
//
// Environment Variables:
// Upstream:
// - ORCASLICER_URL: base URL of the slicing service (default: http://localhost:5000)
// - REQUEST_TIMEOUT: slice call timeout in seconds (default: 300)
// - ORCASLICER_OUTPUT_DIR: directory relative artifact names resolve against (optional)
//
// Artifacts:
// - GCODES_PATH: directory watched by the file lister (default: ~/printer_data/gcodes, must exist)
// - NOTIFY_URL: webhook receiving new-file notifications (optional)
//
// HTTP:
// - HTTP_ADDR: listen address (default: 127.0.0.1:7130)
// - HTTP_PREFIX: route prefix (default: /server/orcaslicer)
// - UI_FILE: path of the slicer UI document (optional)
//
// Misc:
// - HEALTH_PROBE_CRON: upstream probe schedule, empty disables (default: @every 30s)
// - LOG_LEVEL: debug, info, warn, error (default: info)
type Config struct {
	Upstream  UpstreamConfig `json:"upstream"`
	Artifacts ArtifactConfig `json:"artifacts"`
	HTTP      HTTPConfig     `json:"http"`
	Health    HealthConfig   `json:"health"`
	Log       LogConfig      `json:"log"`
}

type UpstreamConfig struct {
	URL       string `json:"url"`
	Timeout   int    `json:"timeout"`
	OutputDir string `json:"output_dir"`
}

// SliceTimeout is the bound applied to slice submissions.
func (c UpstreamConfig) SliceTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

type ArtifactConfig struct {
	GcodesPath string `json:"gcodes_path"`
	NotifyURL  string `json:"notify_url"`
}

type HTTPConfig struct {
	Addr   string `json:"addr"`
	Prefix string `json:"prefix"`
	UIFile string `json:"ui_file"`
}

type HealthConfig struct {
	CronExpr string `json:"cron_expr"`
}

type LogConfig struct {
	Level string `json:"level"`
}

// Keys double as CLI flag names.
const (
	KeyUpstreamURL = "orcaslicer-url"
	KeyTimeout     = "request-timeout"
	KeyOutputDir   = "output-dir"
	KeyGcodesPath  = "gcodes-path"
	KeyNotifyURL   = "notify-url"
	KeyAddr        = "addr"
	KeyPrefix      = "prefix"
	KeyUIFile      = "ui-file"
	KeyHealthCron  = "health-cron"
	KeyLogLevel    = "log-level"
)

var envBindings = map[string]string{
	KeyUpstreamURL: "ORCASLICER_URL",
	KeyTimeout:     "REQUEST_TIMEOUT",
	KeyOutputDir:   "ORCASLICER_OUTPUT_DIR",
	KeyGcodesPath:  "GCODES_PATH",
	KeyNotifyURL:   "NOTIFY_URL",
	KeyAddr:        "HTTP_ADDR",
	KeyPrefix:      "HTTP_PREFIX",
	KeyUIFile:      "UI_FILE",
	KeyHealthCron:  "HEALTH_PROBE_CRON",
	KeyLogLevel:    "LOG_LEVEL",
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewViper returns a viper instance with defaults and environment bindings.
// Flags may be bound on top of it by the caller.
func NewViper() *viper.Viper {
	v := viper.New()
	v.AllowEmptyEnv(true)
	v.SetDefault(KeyUpstreamURL, "http://localhost:5000")
	v.SetDefault(KeyTimeout, 300)
	v.SetDefault(KeyOutputDir, "")
	v.SetDefault(KeyGcodesPath, "~/printer_data/gcodes")
	v.SetDefault(KeyNotifyURL, "")
	v.SetDefault(KeyAddr, "127.0.0.1:7130")
	v.SetDefault(KeyPrefix, "/server/orcaslicer")
	v.SetDefault(KeyUIFile, "")
	v.SetDefault(KeyHealthCron, "@every 30s")
	v.SetDefault(KeyLogLevel, "info")

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	return v
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrap(errors.ConfigurationFatal, fmt.Sprintf("failed to load %s", p), err)
		}
	}
	return nil
}

// NewFromEnv creates a new Config from environment variables and options.
func NewFromEnv(opts ...Option) (*Config, error) {
	return New(NewViper(), opts...)
}

// New reads configuration out of v, applies opts and validates the result.
func New(v *viper.Viper, opts ...Option) (*Config, error) {
	config := &Config{
		Upstream: UpstreamConfig{
			URL:       strings.TrimRight(strings.TrimSpace(v.GetString(KeyUpstreamURL)), "/"),
			Timeout:   v.GetInt(KeyTimeout),
			OutputDir: v.GetString(KeyOutputDir),
		},
		Artifacts: ArtifactConfig{
			GcodesPath: v.GetString(KeyGcodesPath),
			NotifyURL:  v.GetString(KeyNotifyURL),
		},
		HTTP: HTTPConfig{
			Addr:   v.GetString(KeyAddr),
			Prefix: v.GetString(KeyPrefix),
			UIFile: v.GetString(KeyUIFile),
		},
		Health: HealthConfig{
			CronExpr: strings.TrimSpace(v.GetString(KeyHealthCron)),
		},
		Log: LogConfig{
			Level: v.GetString(KeyLogLevel),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.normalize(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	log.Info("Config: %+v", *config)
	return config, nil
}

func (c *Config) normalize() error {
	for _, p := range []*string{&c.Artifacts.GcodesPath, &c.Upstream.OutputDir, &c.HTTP.UIFile} {
		expanded, err := file.ExpandHome(*p)
		if err != nil {
			return errors.Wrap(errors.ConfigurationFatal, "failed to resolve home directory", err)
		}
		*p = expanded
	}
	c.HTTP.Prefix = "/" + strings.Trim(c.HTTP.Prefix, "/")
	if c.HTTP.Prefix == "/" {
		c.HTTP.Prefix = ""
	}
	return nil
}

// Validate checks that the gateway can start with this configuration.
// Every failure is ConfigurationFatal.
func (c *Config) Validate() error {
	fatal := func(format string, args ...any) *errors.Error {
		return errors.Newf(errors.ConfigurationFatal, format, args...)
	}

	if c.Upstream.URL == "" {
		return fatal("%s is required", envBindings[KeyUpstreamURL])
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fatal("%s must be an absolute http(s) URL, got %q", envBindings[KeyUpstreamURL], c.Upstream.URL)
	}
	if c.Upstream.Timeout < 1 {
		return fatal("%s must be greater than 0", envBindings[KeyTimeout])
	}
	if c.Artifacts.GcodesPath == "" {
		return fatal("%s is required", envBindings[KeyGcodesPath])
	}
	if !file.IsDir(c.Artifacts.GcodesPath) {
		return fatal("destination directory %s does not exist", c.Artifacts.GcodesPath).
			WithContext("gcodes_path", c.Artifacts.GcodesPath)
	}
	if c.Upstream.OutputDir != "" && !file.IsDir(c.Upstream.OutputDir) {
		return fatal("upstream output directory %s does not exist", c.Upstream.OutputDir)
	}
	if c.Artifacts.NotifyURL != "" {
		if u, err := url.Parse(c.Artifacts.NotifyURL); err != nil || u.Host == "" {
			return fatal("%s must be an absolute URL, got %q", envBindings[KeyNotifyURL], c.Artifacts.NotifyURL)
		}
	}
	if c.HTTP.Addr == "" {
		return fatal("%s is required", envBindings[KeyAddr])
	}
	if c.Health.CronExpr != "" {
		if _, err := cron.ParseStandard(c.Health.CronExpr); err != nil {
			return fatal("invalid %s: %v", envBindings[KeyHealthCron], err)
		}
	}
	return nil
}
