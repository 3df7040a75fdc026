// Package cdn fetches encrypted attachment objects from the content
// delivery network. The same interface is served by a plain HTTP CDN, an
// S3 bucket (aws-sdk-go-v2) and a MinIO deployment (minio-go); all of them
// classify failures the same way: 5xx and transport errors are transient,
// any 4xx (including a missing object) is a rejection.
package cdn

import (
	"context"
	"fmt"
	"io"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/cryptox"
	"github.com/dmitrijs2005/attachkit/internal/netx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxCiphertextBytes is the largest object a source will accept.
const MaxCiphertextBytes = cryptox.MaxPlaintextBytes + cryptox.NonceSize + 16

var tracer = otel.Tracer("github.com/dmitrijs2005/attachkit/internal/client/cdn")

// Source retrieves the ciphertext stored at coords.
type Source interface {
	Fetch(ctx context.Context, coords models.CDNCoordinates, onProgress netx.ProgressFunc) ([]byte, error)
}

// readBody reads at most MaxCiphertextBytes from body, reporting progress
// against declared (which may be -1 when unknown).
func readBody(ctx context.Context, body io.Reader, declared int64, onProgress netx.ProgressFunc) ([]byte, error) {
	if declared > MaxCiphertextBytes {
		return nil, fmt.Errorf("object of %d bytes: %w: %w", declared, common.ErrDownloadRejected, common.ErrTooLarge)
	}

	pr := netx.NewProgressReader(io.LimitReader(body, MaxCiphertextBytes+1), declared, onProgress)
	data, err := io.ReadAll(pr)
	if err != nil {
		return nil, netx.ClassifyTransportError(ctx, "read object", err)
	}
	if len(data) > MaxCiphertextBytes {
		return nil, fmt.Errorf("object exceeds %d bytes: %w: %w", MaxCiphertextBytes, common.ErrDownloadRejected, common.ErrTooLarge)
	}
	if declared >= 0 && int64(len(data)) != declared {
		return nil, fmt.Errorf("short object: got %d of %d bytes: %w", len(data), declared, common.ErrTransientNetwork)
	}
	return data, nil
}

func startSpan(ctx context.Context, source string, coords models.CDNCoordinates) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cdn.fetch", trace.WithAttributes(
		attribute.String("cdn.source", source),
		attribute.String("cdn.bucket", coords.Bucket),
		attribute.Int("cdn.number", int(coords.CDNNumber)),
	))
}

func endSpan(span trace.Span, n int, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("cdn.bytes", n))
	}
	span.End()
}

func missingCoordinates(coords models.CDNCoordinates) error {
	if coords.CDNKey == "" {
		return fmt.Errorf("no cdn key: %w", common.ErrDownloadRejected)
	}
	return nil
}
