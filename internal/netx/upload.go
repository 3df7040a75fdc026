package netx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// UploadPath is the object endpoint relative to the CDN base URL.
const UploadPath = "/api/v1/osp/objects"

// FormFieldOrder is the order of the text fields preceding the file part.
// The signed policy is validated against it; do not reorder.
var FormFieldOrder = []string{"key", "policy", "credential"}

// FileFieldName is the multipart field carrying the ciphertext.
const FileFieldName = "file"

// Uploader performs signed multipart uploads against one CDN.
type Uploader struct {
	client    *http.Client
	baseURL   string
	cdnNumber uint32
	tracer    trace.Tracer
}

// NewUploader returns an Uploader posting to baseURL+UploadPath. Objects it
// stores are reported under cdnNumber.
func NewUploader(client *http.Client, baseURL string, cdnNumber uint32) *Uploader {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &Uploader{
		client:    client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		cdnNumber: cdnNumber,
		tracer:    otel.Tracer(tracerName),
	}
}

// Upload posts ciphertext under form and returns where it landed.
//
// onProgress (optional) is called as the request body is consumed with the
// bytes sent so far and the full encoded body length. The store is never
// touched here; cancelling ctx aborts the transfer.
func (u *Uploader) Upload(ctx context.Context, ciphertext []byte, form *models.UploadForm, onProgress ProgressFunc) (*models.CDNCoordinates, error) {
	ctx, span := u.tracer.Start(ctx, "netx.upload", trace.WithAttributes(
		attribute.Int("attachment.bytes", len(ciphertext)),
		attribute.String("attachment.bucket", form.Bucket),
	))
	defer span.End()

	coords, err := u.upload(ctx, ciphertext, form, onProgress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return coords, nil
}

func (u *Uploader) upload(ctx context.Context, ciphertext []byte, form *models.UploadForm, onProgress ProgressFunc) (*models.CDNCoordinates, error) {
	body, contentType, total, err := EncodeMultipart(form, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("encode upload form: %w", err)
	}

	pr := NewProgressReader(body, total, onProgress)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+UploadPath, pr)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(common.UserAgentHeaderName, common.UserAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, ClassifyTransportError(ctx, "upload", err)
	}
	defer DrainClose(resp.Body)

	if err := CheckResponse(resp, "upload", common.ErrUploadRejected); err != nil {
		return nil, err
	}

	return &models.CDNCoordinates{
		ServerID:   form.ServerID,
		Bucket:     form.Bucket,
		CDNKey:     form.Key,
		CDNNumber:  u.cdnNumber,
		Credential: form.Credential,
	}, nil
}

// EncodeMultipart lays out the upload body: the fields of FormFieldOrder,
// then the file part. The ciphertext is not copied; the returned reader
// chains the encoded header, the payload and the closing boundary.
func EncodeMultipart(form *models.UploadForm, ciphertext []byte) (io.Reader, string, int64, error) {
	values := map[string]string{
		"key":        form.Key,
		"policy":     form.Policy,
		"credential": form.Credential,
	}

	var head bytes.Buffer
	mw := multipart.NewWriter(&head)

	for _, name := range FormFieldOrder {
		if err := mw.WriteField(name, values[name]); err != nil {
			return nil, "", 0, err
		}
	}
	if _, err := mw.CreateFormFile(FileFieldName, FileFieldName); err != nil {
		return nil, "", 0, err
	}

	prefixLen := head.Len()
	if err := mw.Close(); err != nil {
		return nil, "", 0, err
	}
	raw := head.Bytes()
	prefix, trailer := raw[:prefixLen], raw[prefixLen:]

	total := int64(len(prefix) + len(ciphertext) + len(trailer))
	r := io.MultiReader(bytes.NewReader(prefix), bytes.NewReader(ciphertext), bytes.NewReader(trailer))
	return r, mw.FormDataContentType(), total, nil
}
