package cdn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/netx"
)

// HTTPSource downloads objects with GET {base}/{bucket}/{cdnKey}. The base
// is picked by the record's CDN number.
type HTTPSource struct {
	client *http.Client
	bases  map[uint32]string
}

// NewHTTPSource returns a source over bases keyed by CDN number. Numbers
// without an entry fall back to CDN 0.
func NewHTTPSource(client *http.Client, bases map[uint32]string) *HTTPSource {
	if client == nil {
		client = netx.NewHTTPClient(0)
	}
	b := make(map[uint32]string, len(bases))
	for k, v := range bases {
		b[k] = strings.TrimRight(v, "/")
	}
	return &HTTPSource{client: client, bases: b}
}

var _ Source = (*HTTPSource)(nil)

func (s *HTTPSource) Fetch(ctx context.Context, coords models.CDNCoordinates, onProgress netx.ProgressFunc) (data []byte, err error) {
	ctx, span := startSpan(ctx, "http", coords)
	defer func() { endSpan(span, len(data), err) }()

	if err := missingCoordinates(coords); err != nil {
		return nil, err
	}

	u, err := s.objectURL(coords)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set(common.UserAgentHeaderName, common.UserAgent)
	if coords.Credential != "" {
		req.Header.Set(common.AuthorizationHeaderName, coords.Credential)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, netx.ClassifyTransportError(ctx, "download", err)
	}
	defer netx.DrainClose(resp.Body)

	if err := netx.CheckResponse(resp, "download", common.ErrDownloadRejected); err != nil {
		return nil, err
	}

	return readBody(ctx, resp.Body, resp.ContentLength, onProgress)
}

func (s *HTTPSource) objectURL(coords models.CDNCoordinates) (string, error) {
	base, ok := s.bases[coords.CDNNumber]
	if !ok {
		base, ok = s.bases[0]
	}
	if !ok || base == "" {
		return "", fmt.Errorf("no base url for cdn %d: %w", coords.CDNNumber, common.ErrDownloadRejected)
	}

	segments := strings.Split(coords.CDNKey, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	var sb strings.Builder
	sb.WriteString(base)
	if coords.Bucket != "" {
		sb.WriteString("/")
		sb.WriteString(url.PathEscape(coords.Bucket))
	}
	sb.WriteString("/")
	sb.WriteString(strings.Join(segments, "/"))
	return sb.String(), nil
}
