package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/dmitrijs2005/attachkit/internal/flagx"
)

// Flags lists the global flags understood by parseFlags. Everything else on
// the command line belongs to the subcommand.
var Flags = []string{
	"-s", "-cdn", "-upload-cdn", "-t",
	"-d", "-b",
	"-retries", "-retry-base", "-retry-max", "-timeout", "-w",
	"-log-level", "-log-format",
	"-source", "-s3-endpoint", "-s3-region", "-s3-access-key", "-s3-secret-key", "-s3-bucket",
	"-otlp", "-metrics",
	"-c", "-config",
}

// parseFlags overlays cfg with the global flags found in args.
//
// Supported flags:
//
//	-s string          application server URL
//	-cdn list          CDN base URLs, "0=https://cdn0,2=https://cdn2"
//	-upload-cdn uint   CDN number uploads go to
//	-t string          access token sent to the application server
//	-d string          SQLite database path
//	-b string          attachment blob directory
//	-retries uint      retries after a transient failure
//	-retry-base dur    first backoff delay
//	-retry-max dur     backoff ceiling
//	-timeout dur       per-request timeout
//	-w int             concurrent transfers
//	-log-level string  debug|info|warn|error
//	-log-format string text|json
//	-source string     http|s3|minio
//	-s3-* string       endpoint, region, access key, secret key, bucket
//	-otlp string       OTLP/HTTP trace endpoint
//	-metrics string    address of the Prometheus /metrics listener
//
// args are filtered with flagx.FilterArgs first, so subcommand arguments
// do not interfere.
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, Flags)

	fs := flag.NewFlagSet("attachctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cdns := flagx.Uint32Map(cfg.CDNURLs)
	uploadCDN := uint64(cfg.UploadCDN)

	fs.StringVar(&cfg.ServerURL, "s", cfg.ServerURL, "application server URL")
	fs.Var(&cdns, "cdn", "CDN base URLs as n=url pairs")
	fs.Uint64Var(&uploadCDN, "upload-cdn", uploadCDN, "CDN number uploads go to")
	fs.StringVar(&cfg.AccessToken, "t", cfg.AccessToken, "access token")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "database path")
	fs.StringVar(&cfg.BlobDir, "b", cfg.BlobDir, "blob directory")
	fs.Uint64Var(&cfg.RetryMaxRetries, "retries", cfg.RetryMaxRetries, "retries after a transient failure")
	fs.DurationVar(&cfg.RetryBaseDelay, "retry-base", cfg.RetryBaseDelay, "first backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max", cfg.RetryMaxDelay, "backoff ceiling")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "per-request timeout")
	fs.IntVar(&cfg.Workers, "w", cfg.Workers, "concurrent transfers")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format")
	fs.StringVar(&cfg.DownloadSource, "source", cfg.DownloadSource, "download source")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "S3 endpoint")
	fs.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3AccessKey, "s3-access-key", cfg.S3AccessKey, "S3 access key")
	fs.StringVar(&cfg.S3SecretKey, "s3-secret-key", cfg.S3SecretKey, "S3 secret key")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "default S3 bucket")
	fs.StringVar(&cfg.OTLPEndpoint, "otlp", cfg.OTLPEndpoint, "OTLP/HTTP endpoint")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics listen address")
	// consumed by parseJson
	fs.String("c", "", "config file")
	fs.String("config", "", "config file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if uploadCDN > 1<<32-1 {
		return fmt.Errorf("upload-cdn %d out of range", uploadCDN)
	}
	cfg.UploadCDN = uint32(uploadCDN)
	cfg.CDNURLs = cdns
	return nil
}
