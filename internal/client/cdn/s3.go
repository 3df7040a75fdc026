package cdn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/netx"
)

// S3Config configures S3Source.
type S3Config struct {
	Endpoint  string // empty for AWS; "host:port" or a URL otherwise
	Region    string
	AccessKey string
	SecretKey string
	// DefaultBucket is used when a record carries no bucket.
	DefaultBucket string
}

// S3GetObjectAPI is the subset of the S3 client used here.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads objects through the S3 API.
type S3Source struct {
	client        S3GetObjectAPI
	defaultBucket string
}

// newS3Client is swapped in tests.
var newS3Client = func(cfg aws.Config, optFns ...func(*s3.Options)) S3GetObjectAPI {
	return s3.NewFromConfig(cfg, optFns...)
}

// NewS3Source builds an S3 client from cfg. Static credentials are used
// when both keys are set; otherwise the default AWS chain applies.
func NewS3Source(ctx context.Context, cfg S3Config, httpClient *http.Client) (*S3Source, error) {
	if httpClient == nil {
		httpClient = netx.NewHTTPClient(0)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(orDefault(cfg.Region, "us-east-1")),
		awsconfig.WithHTTPClient(httpClient),
		// retries are driven by the caller's policy
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	client := newS3Client(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				endpoint = "http://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return NewS3SourceFromClient(client, cfg.DefaultBucket), nil
}

// NewS3SourceFromClient wraps an existing client.
func NewS3SourceFromClient(client S3GetObjectAPI, defaultBucket string) *S3Source {
	return &S3Source{client: client, defaultBucket: defaultBucket}
}

var _ Source = (*S3Source)(nil)

func (s *S3Source) Fetch(ctx context.Context, coords models.CDNCoordinates, onProgress netx.ProgressFunc) (data []byte, err error) {
	ctx, span := startSpan(ctx, "s3", coords)
	defer func() { endSpan(span, len(data), err) }()

	if err := missingCoordinates(coords); err != nil {
		return nil, err
	}

	bucket := orDefault(coords.Bucket, s.defaultBucket)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(coords.CDNKey),
	})
	if err != nil {
		return nil, classifyS3Error(ctx, err)
	}
	defer out.Body.Close()

	declared := int64(-1)
	if out.ContentLength != nil {
		declared = *out.ContentLength
	}
	return readBody(ctx, out.Body, declared, onProgress)
}

type httpStatusError interface {
	HTTPStatusCode() int
}

func classifyS3Error(ctx context.Context, err error) error {
	var se httpStatusError
	if errors.As(err, &se) && se.HTTPStatusCode() != 0 {
		return common.ClassifyStatus("s3 get object", se.HTTPStatusCode(), err.Error(), common.ErrDownloadRejected)
	}
	return netx.ClassifyTransportError(ctx, "s3 get object", err)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
