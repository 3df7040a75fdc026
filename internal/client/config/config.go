package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/attachkit/internal/client/retrypolicy"
)

// Download sources.
const (
	SourceHTTP  = "http"
	SourceS3    = "s3"
	SourceMinio = "minio"
)

// Config holds runtime settings for attachctl.
//
// ServerURL is the application server issuing upload forms; CDNURLs maps CDN
// numbers to base URLs and UploadCDN selects the one uploads go to.
// DownloadSource picks how pointers are fetched: straight from the CDN over
// HTTP, or from the backing S3 / MinIO bucket.
type Config struct {
	ServerURL   string
	CDNURLs     map[uint32]string
	UploadCDN   uint32
	AccessToken string

	DatabasePath string
	BlobDir      string

	RetryMaxRetries uint64
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RequestTimeout  time.Duration
	Workers         int

	LogLevel  string
	LogFormat string

	DownloadSource string
	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string

	OTLPEndpoint string
	MetricsAddr  string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.CDNURLs = map[uint32]string{0: "http://127.0.0.1:8081"}
	c.UploadCDN = 0
	c.DatabasePath = "attachkit.db"
	c.BlobDir = "attachments"
	c.RetryMaxRetries = retrypolicy.DefaultMaxRetries
	c.RetryBaseDelay = retrypolicy.DefaultBaseDelay
	c.RetryMaxDelay = retrypolicy.DefaultMaxDelay
	c.RequestTimeout = 30 * time.Second
	c.Workers = 4
	c.LogLevel = "info"
	c.LogFormat = "text"
	c.DownloadSource = SourceHTTP
	c.S3Region = "us-east-1"
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server url is empty"))
	}
	if c.CDNURLs[c.UploadCDN] == "" {
		errs = append(errs, fmt.Errorf("no url for upload cdn %d", c.UploadCDN))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("retry max delay %s below base delay %s", c.RetryMaxDelay, c.RetryBaseDelay))
	}
	switch c.DownloadSource {
	case SourceHTTP:
	case SourceS3, SourceMinio:
		if c.S3Endpoint == "" {
			errs = append(errs, fmt.Errorf("%s source needs an endpoint", c.DownloadSource))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown download source %q", c.DownloadSource))
	}
	return errors.Join(errs...)
}

// RetryPolicy returns the transfer retry policy described by c.
func (c *Config) RetryPolicy() retrypolicy.Policy {
	return retrypolicy.Policy{
		MaxRetries: c.RetryMaxRetries,
		BaseDelay:  c.RetryBaseDelay,
		MaxDelay:   c.RetryMaxDelay,
	}
}

// Load builds a Config from defaults, then the JSON file named by -c /
// -config in args, then the flags in args. Later sources take precedence.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg, args); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, fmt.Errorf("flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig is Load over os.Args. It panics on invalid configuration.
func LoadConfig() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		panic(err)
	}
	return cfg
}
