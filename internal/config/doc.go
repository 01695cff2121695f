// Package config provides configuration management for the background
// downloader.
//
// This package handles:
//   - Loading and saving settings from JSON or YAML files
//   - Default configuration values
//   - BGDL_* environment overrides
//   - Conversion to download.Config and session.Options
//
// # Default Settings
//
// Use DefaultSettings() to get sensible defaults:
//
//	settings := config.DefaultSettings()
//	// 4 concurrent foreground transfers
//	// 30s without data before a task is cancelled and retried
//	// Unlimited resume attempts per mirror
//
// # Loading from File
//
//	settings, err := config.Load("/path/to/config.yaml")
//	if err != nil {
//	    // Uses defaults if file doesn't exist
//	}
//	if err := settings.LoadFromEnv(); err != nil { ... }
//	if err := settings.Validate(); err != nil { ... }
//
// # Saving Settings
//
//	settings.PlatformMaxActiveDownloads = 8
//	err := settings.Save("/path/to/config.json")
//
// # Retry Limits
//
// url_retry_limit follows the request semantics: 0 gives every mirror one
// attempt, a negative value cycles through mirrors forever. A negative
// retry_resume_data_limit allows unlimited resume attempts on one mirror.
package config
