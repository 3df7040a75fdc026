// Package netx holds the HTTP plumbing shared by the transfer clients: a
// traced http.Client, the signed multipart uploader and the mapping of
// transport failures onto the common error taxonomy.
package netx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/attachkit/internal/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const tracerName = "github.com/dmitrijs2005/attachkit/internal/netx"

// maxErrorBody bounds how much of a failed response is kept for the error.
const maxErrorBody = 4 << 10

// NewHTTPClient returns a client whose transport emits OpenTelemetry spans.
// timeout applies to each request as a whole; zero means none.
func NewHTTPClient(timeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(base),
	}
}

// ClassifyTransportError maps an error returned by http.Client.Do (or while
// reading a body) onto the taxonomy. A cancelled ctx yields
// common.ErrCancelled; everything else on the wire is transient.
func ClassifyTransportError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, common.ErrCancelled, err)
	}

	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%s: timeout: %w: %w", op, common.ErrTransientNetwork, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: timeout: %w: %w", op, common.ErrTransientNetwork, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, common.ErrTransientNetwork, err)
	}
}

// CheckResponse returns nil for 2xx. Otherwise it drains a bounded part of
// the body and classifies the status with rejected as the 4xx sentinel.
func CheckResponse(resp *http.Response, op string, rejected error) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return common.ClassifyStatus(op, resp.StatusCode, string(body), rejected)
}

// DrainClose discards the rest of body so the connection can be reused.
func DrainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}
