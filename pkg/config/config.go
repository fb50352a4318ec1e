package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/retry"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "BURROW_"

// Mount modes
const (
	ModeAuto      = "auto"
	ModeHost      = "host"
	ModeContainer = "container"
)

// RetryConfig is the retry block applied to network calls and image pulls
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      bool          `yaml:"jitter"`
}

// Policy converts the block into an exponential retry policy
func (r RetryConfig) Policy() retry.Policy {
	p := retry.Default()
	p.MaxAttempts = r.MaxAttempts
	p.BaseDelay = r.BaseDelay
	p.MaxDelay = r.MaxDelay
	p.Jitter = r.Jitter
	return p
}

// Config is the worker configuration
type Config struct {
	Name              string `yaml:"name"`
	RegistrationToken string `yaml:"registration_token"`

	APIURL          string `yaml:"api_url"`
	ChannelAddr     string `yaml:"channel_addr"`
	ChannelInsecure bool   `yaml:"channel_insecure"`

	DataDir             string `yaml:"data_dir"`
	ContainerdSocket    string `yaml:"containerd_socket"`
	ContainerdNamespace string `yaml:"containerd_namespace"`

	Mode         string `yaml:"mode"`
	SharedVolume string `yaml:"shared_volume"`
	VolumesPath  string `yaml:"volumes_path"`
	HelperImage  string `yaml:"helper_image"`

	PollInterval  time.Duration `yaml:"poll_interval"`
	DispatchWait  time.Duration `yaml:"dispatch_wait"`
	StatusRefresh time.Duration `yaml:"status_refresh"`
	HelperTTL     time.Duration `yaml:"helper_ttl"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
	LogTailLines  int           `yaml:"log_tail_lines"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	Retry RetryConfig `yaml:"retry"`
}

// Default returns the built-in configuration
func Default() *Config {
	name, _ := os.Hostname()
	policy := retry.Default()

	return &Config{
		Name:                name,
		APIURL:              "https://api.burrow.local",
		DataDir:             defaultDataDir(),
		ContainerdSocket:    "/run/containerd/containerd.sock",
		ContainerdNamespace: "burrow",
		Mode:                ModeAuto,
		SharedVolume:        "burrow_worker_data",
		VolumesPath:         "/var/lib/burrow/volumes",
		HelperImage:         "docker.io/library/busybox:1.36",
		PollInterval:        5 * time.Second,
		DispatchWait:        15 * time.Second,
		StatusRefresh:       time.Minute,
		HelperTTL:           5 * time.Minute,
		ReapInterval:        time.Minute,
		LogTailLines:        10,
		LogLevel:            "info",
		Retry: RetryConfig{
			MaxAttempts: policy.MaxAttempts,
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
			Jitter:      policy.Jitter,
		},
	}
}

func defaultDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/burrow"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/burrow"
	}
	return filepath.Join(home, ".config", "burrow")
}

// Load reads defaults, then the YAML file at path when it exists, then
// BURROW_* environment overrides. Flag overrides and Validate are left to
// the caller.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fault.Wrap(fault.KindFatal, "config/READ", err, fmt.Sprintf("Failed to read %s.", path))
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fault.Wrap(fault.KindFatal, "config/PARSE", err, fmt.Sprintf("Failed to parse %s.", path))
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from variables named after their yaml keys,
// e.g. BURROW_POLL_INTERVAL or BURROW_RETRY_MAX_ATTEMPTS
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	return applyEnv(reflect.ValueOf(c).Elem(), EnvPrefix, lookup)
}

func applyEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + strings.ToUpper(tag)
		field := v.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, name+"_", lookup); err != nil {
				return err
			}
			continue
		}

		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(field, strings.TrimSpace(raw)); err != nil {
			return fault.Wrap(fault.KindFatal, "config/INVALID_ENV", err, fmt.Sprintf("Invalid value for %s.", name))
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, raw string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(raw)
	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case field.Kind() == reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(n))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Validate checks the configuration and derives the channel address from
// the API URL when it is not set
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fault.Newf(fault.KindFatal, "config/INVALID", format, args...)
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid("api_url %q is not an absolute http(s) URL.", c.APIURL)
	}
	if c.ChannelAddr == "" {
		c.ChannelAddr = net.JoinHostPort(u.Hostname(), "443")
	}
	if _, _, err := net.SplitHostPort(c.ChannelAddr); err != nil {
		return invalid("channel_addr %q must be host:port.", c.ChannelAddr)
	}

	switch c.Mode {
	case ModeAuto, ModeHost, ModeContainer:
	default:
		return invalid("mode must be one of auto, host or container, got %q.", c.Mode)
	}

	if c.DataDir == "" {
		return invalid("data_dir is required.")
	}
	if c.Mode == ModeContainer && c.SharedVolume == "" {
		return invalid("shared_volume is required in container mode.")
	}

	intervals := map[string]time.Duration{
		"poll_interval":  c.PollInterval,
		"dispatch_wait":  c.DispatchWait,
		"status_refresh": c.StatusRefresh,
		"helper_ttl":     c.HelperTTL,
		"reap_interval":  c.ReapInterval,
	}
	for name, d := range intervals {
		if d <= 0 {
			return invalid("%s must be positive, got %s.", name, d)
		}
	}

	if c.LogTailLines <= 0 {
		return invalid("log_tail_lines must be positive.")
	}
	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts must be at least 1.")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return invalid("retry delays cannot be negative.")
	}
	return nil
}
