package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dmitrijs2005/attachkit/internal/flagx"
	"github.com/dmitrijs2005/attachkit/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// It relies on timex.Duration so JSON can specify intervals either as
// strings like "500ms" or as integer nanoseconds. Pointer fields tell
// "absent" from zero; only present values override the Config.
type JsonConfig struct {
	ServerURL   *string           `json:"server_url"`
	CDNURLs     map[string]string `json:"cdn_urls"`
	UploadCDN   *uint32           `json:"upload_cdn"`
	AccessToken *string           `json:"access_token"`

	DatabasePath *string `json:"database_path"`
	BlobDir      *string `json:"blob_dir"`

	RetryMaxRetries *uint64         `json:"retry_max_retries"`
	RetryBaseDelay  *timex.Duration `json:"retry_base_delay"`
	RetryMaxDelay   *timex.Duration `json:"retry_max_delay"`
	RequestTimeout  *timex.Duration `json:"request_timeout"`
	Workers         *int            `json:"workers"`

	LogLevel  *string `json:"log_level"`
	LogFormat *string `json:"log_format"`

	DownloadSource *string `json:"download_source"`
	S3Endpoint     *string `json:"s3_endpoint"`
	S3Region       *string `json:"s3_region"`
	S3AccessKey    *string `json:"s3_access_key"`
	S3SecretKey    *string `json:"s3_secret_key"`
	S3Bucket       *string `json:"s3_bucket"`

	OTLPEndpoint *string `json:"otlp_endpoint"`
	MetricsAddr  *string `json:"metrics_addr"`
}

// parseJson overlays cfg with the JSON file named by -c / -config in args.
// Without such a flag nothing changes.
func parseJson(cfg *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return err
	}
	return jc.apply(cfg)
}

func (jc *JsonConfig) apply(cfg *Config) error {
	setString(&cfg.ServerURL, jc.ServerURL)
	setString(&cfg.AccessToken, jc.AccessToken)
	setString(&cfg.DatabasePath, jc.DatabasePath)
	setString(&cfg.BlobDir, jc.BlobDir)
	setString(&cfg.LogLevel, jc.LogLevel)
	setString(&cfg.LogFormat, jc.LogFormat)
	setString(&cfg.DownloadSource, jc.DownloadSource)
	setString(&cfg.S3Endpoint, jc.S3Endpoint)
	setString(&cfg.S3Region, jc.S3Region)
	setString(&cfg.S3AccessKey, jc.S3AccessKey)
	setString(&cfg.S3SecretKey, jc.S3SecretKey)
	setString(&cfg.S3Bucket, jc.S3Bucket)
	setString(&cfg.OTLPEndpoint, jc.OTLPEndpoint)
	setString(&cfg.MetricsAddr, jc.MetricsAddr)

	if jc.UploadCDN != nil {
		cfg.UploadCDN = *jc.UploadCDN
	}
	if jc.RetryMaxRetries != nil {
		cfg.RetryMaxRetries = *jc.RetryMaxRetries
	}
	if jc.Workers != nil {
		cfg.Workers = *jc.Workers
	}
	setDuration(&cfg.RetryBaseDelay, jc.RetryBaseDelay)
	setDuration(&cfg.RetryMaxDelay, jc.RetryMaxDelay)
	setDuration(&cfg.RequestTimeout, jc.RequestTimeout)

	if jc.CDNURLs != nil {
		urls := make(map[uint32]string, len(jc.CDNURLs))
		for k, v := range jc.CDNURLs {
			n, err := strconv.ParseUint(k, 10, 32)
			if err != nil {
				return fmt.Errorf("cdn_urls key %q: %w", k, err)
			}
			urls[uint32(n)] = v
		}
		cfg.CDNURLs = urls
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
