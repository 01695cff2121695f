package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/handiism/background-downloader/internal/download"
	"github.com/handiism/background-downloader/internal/http"
	"github.com/handiism/background-downloader/internal/model"
	"github.com/handiism/background-downloader/internal/session"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BGDL_"

// Settings holds all configuration options.
type Settings struct {
	// Manager settings
	ActiveReceiveTimeout       float64 `json:"active_receive_timeout" yaml:"active_receive_timeout"`
	RetryResumeDataLimit       int     `json:"retry_resume_data_limit" yaml:"retry_resume_data_limit"`
	PlatformMaxActiveDownloads int     `json:"platform_max_active_downloads" yaml:"platform_max_active_downloads"`
	URLRetryLimit              int     `json:"url_retry_limit" yaml:"url_retry_limit"`
	TickInterval               float64 `json:"tick_interval" yaml:"tick_interval"`

	// Paths
	SessionPath   string `json:"session_path" yaml:"session_path"`
	DownloadsPath string `json:"downloads_path" yaml:"downloads_path"`
	TaskBucketURL string `json:"task_bucket_url,omitempty" yaml:"task_bucket_url,omitempty"`

	// HTTP settings
	UserAgent             string  `json:"user_agent" yaml:"user_agent"`
	ResponseHeaderTimeout float64 `json:"response_header_timeout" yaml:"response_header_timeout"`
}

// DefaultSettings returns settings with default values.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	return &Settings{
		ActiveReceiveTimeout:       30,
		RetryResumeDataLimit:       -1,
		PlatformMaxActiveDownloads: 4,
		URLRetryLimit:              0,
		TickInterval:               0.1,

		SessionPath:   filepath.Join(cacheDir, "bgdl"),
		DownloadsPath: filepath.Join(homeDir, "Downloads"),

		UserAgent:             "BackgroundDownloader",
		ResponseHeaderTimeout: 30,
	}
}

// Load reads settings from a JSON or YAML file. Files ending in .yaml or
// .yml are parsed as YAML. A missing file yields the defaults.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings()
	if isYAML(path) {
		err = yaml.Unmarshal(data, settings)
	} else {
		err = json.Unmarshal(data, settings)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return settings, nil
}

// DefaultPath returns the per-user settings file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "bgdl", "config.yaml")
}

// LoadEffective loads path (DefaultPath when empty), applies environment
// overrides and validates the result.
func LoadEffective(path string) (*Settings, error) {
	if path == "" {
		path = DefaultPath()
	}
	settings, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := settings.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Save writes settings to a JSON or YAML file, chosen by extension.
func (s *Settings) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(s)
	} else {
		data, err = json.MarshalIndent(s, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// LoadFromEnv applies BGDL_* environment overrides, e.g.
// BGDL_PLATFORM_MAX_ACTIVE_DOWNLOADS=8.
func (s *Settings) LoadFromEnv() error {
	floats := []struct {
		name string
		dst  *float64
	}{
		{"ACTIVE_RECEIVE_TIMEOUT", &s.ActiveReceiveTimeout},
		{"TICK_INTERVAL", &s.TickInterval},
		{"RESPONSE_HEADER_TIMEOUT", &s.ResponseHeaderTimeout},
	}
	for _, f := range floats {
		if v := os.Getenv(EnvPrefix + f.name); v != "" {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, f.name, err)
			}
			*f.dst = n
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"RETRY_RESUME_DATA_LIMIT", &s.RetryResumeDataLimit},
		{"PLATFORM_MAX_ACTIVE_DOWNLOADS", &s.PlatformMaxActiveDownloads},
		{"URL_RETRY_LIMIT", &s.URLRetryLimit},
	}
	for _, f := range ints {
		if v := os.Getenv(EnvPrefix + f.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, f.name, err)
			}
			*f.dst = n
		}
	}

	if v := os.Getenv(EnvPrefix + "SESSION_PATH"); v != "" {
		s.SessionPath = v
	}
	if v := os.Getenv(EnvPrefix + "DOWNLOADS_PATH"); v != "" {
		s.DownloadsPath = v
	}
	if v := os.Getenv(EnvPrefix + "TASK_BUCKET_URL"); v != "" {
		s.TaskBucketURL = v
	}
	if v := os.Getenv(EnvPrefix + "USER_AGENT"); v != "" {
		s.UserAgent = v
	}

	return nil
}

// Validate validates the settings.
func (s *Settings) Validate() error {
	var errs []error
	if s.ActiveReceiveTimeout < 0 {
		errs = append(errs, errors.New("config: active_receive_timeout must not be negative"))
	}
	if s.PlatformMaxActiveDownloads <= 0 {
		errs = append(errs, errors.New("config: platform_max_active_downloads must be positive"))
	}
	if s.TickInterval <= 0 {
		errs = append(errs, errors.New("config: tick_interval must be positive"))
	}
	if s.ResponseHeaderTimeout < 0 {
		errs = append(errs, errors.New("config: response_header_timeout must not be negative"))
	}
	if s.SessionPath == "" {
		errs = append(errs, errors.New("config: session_path is required"))
	}
	if s.DownloadsPath == "" {
		errs = append(errs, errors.New("config: downloads_path is required"))
	}
	return errors.Join(errs...)
}

// ToManagerConfig converts settings to a download.Config.
func (s *Settings) ToManagerConfig() download.Config {
	return download.Config{
		ActiveReceiveTimeout:       seconds(s.ActiveReceiveTimeout),
		RetryResumeDataLimit:       s.RetryResumeDataLimit,
		PlatformMaxActiveDownloads: s.PlatformMaxActiveDownloads,
	}
}

// ToSessionOptions converts settings to session.Options.
func (s *Settings) ToSessionOptions() session.Options {
	httpOpts := http.DefaultOptions()
	if s.UserAgent != "" {
		httpOpts.UserAgent = s.UserAgent
	}
	httpOpts.ResponseHeaderTimeout = seconds(s.ResponseHeaderTimeout)

	return session.Options{
		Dir:       s.SessionPath,
		BucketURL: s.TaskBucketURL,
		HTTP:      httpOpts,
	}
}

// RequestOptions returns the per-request options implied by the settings.
func (s *Settings) RequestOptions() []model.Option {
	return []model.Option{model.WithRetryLimit(s.URLRetryLimit)}
}

// Tick returns the tick interval as a duration.
func (s *Settings) Tick() time.Duration {
	return seconds(s.TickInterval)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
