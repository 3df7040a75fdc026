package cdn

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/netx"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures MinioSource.
type MinioConfig struct {
	Endpoint      string // host:port
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Region        string
	DefaultBucket string
}

// MinioSource reads objects from a MinIO (or any S3 compatible) server.
type MinioSource struct {
	client        *minio.Client
	defaultBucket string
}

// NewMinioSource creates a MinIO client. Buckets are addressed path-style.
func NewMinioSource(cfg MinioConfig, httpClient *http.Client) (*MinioSource, error) {
	opts := &minio.Options{
		Creds:        miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
		// retries are driven by the caller's policy
		MaxRetries: 1,
	}
	if httpClient != nil && httpClient.Transport != nil {
		opts.Transport = httpClient.Transport
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return &MinioSource{client: client, defaultBucket: cfg.DefaultBucket}, nil
}

var _ Source = (*MinioSource)(nil)

func (s *MinioSource) Fetch(ctx context.Context, coords models.CDNCoordinates, onProgress netx.ProgressFunc) (data []byte, err error) {
	ctx, span := startSpan(ctx, "minio", coords)
	defer func() { endSpan(span, len(data), err) }()

	if err := missingCoordinates(coords); err != nil {
		return nil, err
	}

	bucket := orDefault(coords.Bucket, s.defaultBucket)
	obj, err := s.client.GetObject(ctx, bucket, coords.CDNKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(ctx, err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat performs the request.
	info, err := obj.Stat()
	if err != nil {
		return nil, classifyMinioError(ctx, err)
	}

	return readBody(ctx, obj, info.Size, onProgress)
}

func classifyMinioError(ctx context.Context, err error) error {
	if resp := minio.ToErrorResponse(err); resp.StatusCode != 0 {
		return common.ClassifyStatus("minio get object", resp.StatusCode, resp.Code, common.ErrDownloadRejected)
	}
	return netx.ClassifyTransportError(ctx, "minio get object", err)
}
