package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/netx"
)

// FormPath is the upload authorization endpoint on the application server.
const FormPath = "/v2/attachments/form/upload"

// maxFormBody bounds the authorization response.
const maxFormBody = 64 << 10

// TokenSource returns the bearer token for the next request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// HTTPFormClient requests upload forms over HTTP.
type HTTPFormClient struct {
	baseURL string
	client  *http.Client
	token   TokenSource
}

// NewHTTPFormClient returns a FormClient for the server at baseURL.
// A nil client gets netx.NewHTTPClient(0); a nil token sends no
// Authorization header.
func NewHTTPFormClient(baseURL string, client *http.Client, token TokenSource) *HTTPFormClient {
	if client == nil {
		client = netx.NewHTTPClient(0)
	}
	return &HTTPFormClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		token:   token,
	}
}

var _ FormClient = (*HTTPFormClient)(nil)

// RequestUploadForm fetches and validates a fresh upload form.
func (c *HTTPFormClient) RequestUploadForm(ctx context.Context, attachmentID string) (*models.UploadForm, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+FormPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build form request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(common.UserAgentHeaderName, common.UserAgent)
	if attachmentID != "" {
		req.Header.Set(common.AttachmentIDHeaderName, attachmentID)
	}

	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
		if token != "" {
			req.Header.Set(common.AuthorizationHeaderName, "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, netx.ClassifyTransportError(ctx, "request form", err)
	}
	defer netx.DrainClose(resp.Body)

	if err := netx.CheckResponse(resp, "request form", common.ErrMalformedForm); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFormBody))
	if err != nil {
		return nil, netx.ClassifyTransportError(ctx, "read form", err)
	}

	return ParseUploadForm(data)
}

// ParseUploadForm validates an authorization response body.
//
// policy, credential and key are required strings. attachmentId may be a
// string or a number and, when present, must be a positive integer. An
// empty bucket is taken from the base64 policy document if it names one.
func ParseUploadForm(data []byte) (*models.UploadForm, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", common.ErrMalformedForm, err)
	}

	form := &models.UploadForm{}

	var err error
	if form.Policy, err = requiredString(raw, "policy"); err != nil {
		return nil, err
	}
	if form.Credential, err = requiredString(raw, "credential"); err != nil {
		return nil, err
	}
	if form.Key, err = requiredString(raw, "key"); err != nil {
		return nil, err
	}
	if form.Bucket, err = optionalString(raw, "bucket"); err != nil {
		return nil, err
	}
	if form.ServerID, err = serverID(raw); err != nil {
		return nil, err
	}

	if form.Bucket == "" {
		form.Bucket = bucketFromPolicy(form.Policy)
	}
	if form.Bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket", common.ErrMalformedForm)
	}

	return form, nil
}

func requiredString(raw map[string]json.RawMessage, name string) (string, error) {
	s, err := optionalString(raw, name)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: missing %s", common.ErrMalformedForm, name)
	}
	return s, nil
}

func optionalString(raw map[string]json.RawMessage, name string) (string, error) {
	v, ok := raw[name]
	if !ok || string(v) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%w: %s is not a string", common.ErrMalformedForm, name)
	}
	return s, nil
}

func serverID(raw map[string]json.RawMessage) (uint64, error) {
	v, ok := raw["attachmentId"]
	if !ok || string(v) == "null" {
		return 0, nil
	}

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return 0, fmt.Errorf("%w: attachmentId has wrong type", common.ErrMalformedForm)
		}
		s = n.String()
	}

	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid attachmentId %q", common.ErrMalformedForm, s)
	}
	return id, nil
}

func bucketFromPolicy(policy string) string {
	doc, err := base64.StdEncoding.DecodeString(policy)
	if err != nil {
		return ""
	}
	var p struct {
		Bucket string `json:"bucket"`
	}
	if err := json.Unmarshal(doc, &p); err != nil {
		return ""
	}
	return p.Bucket
}
