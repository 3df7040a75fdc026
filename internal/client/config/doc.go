// Package config loads runtime configuration for attachctl.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Only the global flags listed in Flags are consumed; the remaining
// arguments are left for the subcommand.
//
// # JSON schema
//
// Durations use timex.Duration, so values can be either strings like
// "500ms" or integer nanoseconds. Keys that are absent keep their default:
//
//	{
//	  "server_url": "https://app.example",
//	  "cdn_urls": {"0": "https://cdn0.example", "2": "https://cdn2.example"},
//	  "upload_cdn": 2,
//	  "access_token": "...",
//	  "database_path": "attachkit.db",
//	  "blob_dir": "attachments",
//	  "retry_max_retries": 2,
//	  "retry_base_delay": "500ms",
//	  "retry_max_delay": "8s",
//	  "request_timeout": "30s",
//	  "workers": 4,
//	  "log_level": "info",
//	  "log_format": "json",
//	  "download_source": "s3",
//	  "s3_endpoint": "http://127.0.0.1:9000",
//	  "s3_bucket": "attachments",
//	  "otlp_endpoint": "127.0.0.1:4318",
//	  "metrics_addr": "127.0.0.1:9090"
//	}
//
// Note: This package does not read environment variables directly; use the
// JSON file or flags to configure values.
package config
