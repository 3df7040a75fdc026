package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/attachkit/internal/client/cdn"
	"github.com/dmitrijs2005/attachkit/internal/client/client"
	"github.com/dmitrijs2005/attachkit/internal/client/metrics"
	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/client/repositories/attachments"
	"github.com/dmitrijs2005/attachkit/internal/client/retrypolicy"
	"github.com/dmitrijs2005/attachkit/internal/cryptox"
	"github.com/dmitrijs2005/attachkit/internal/netx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testBucket = "attachments-v3"

var testNow = time.UnixMilli(1_700_000_000_000)

// harness runs a Manager against a fake application server and a fake CDN.
type harness struct {
	t       *testing.T
	m       *Manager
	store   *attachments.Store
	reg     *prometheus.Registry
	forms   *httptest.Server
	cdnSrv  *httptest.Server
	retries atomic.Int32

	formCalls atomic.Int32
	uploads   atomic.Int32
	gets      atomic.Int32

	mu            sync.Mutex
	objects       map[string][]byte
	uploadStatus  []int
	formBody      string
	tamper        bool
	downloadGate  chan struct{}
	uploadedField []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, objects: make(map[string][]byte)}

	h.forms = httptest.NewServer(http.HandlerFunc(h.serveForm))
	t.Cleanup(h.forms.Close)
	h.cdnSrv = httptest.NewServer(http.HandlerFunc(h.serveCDN))
	t.Cleanup(h.cdnSrv.Close)

	dir := t.TempDir()
	ctx := context.Background()
	db, err := client.InitDatabase(ctx, client.DSN(filepath.Join(dir, "client.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h.store, err = attachments.NewStore(db, filepath.Join(dir, "blobs"), nil)
	require.NoError(t, err)

	h.reg = prometheus.NewRegistry()
	met, err := metrics.New(h.reg)
	require.NoError(t, err)

	httpClient := netx.NewHTTPClient(5 * time.Second)
	h.m, err = NewManager(Config{
		Store:    h.store,
		Forms:    client.NewHTTPFormClient(h.forms.URL, httpClient, client.StaticToken("token")),
		Uploader: netx.NewUploader(httpClient, h.cdnSrv.URL, 2),
		Source:   cdn.NewHTTPSource(httpClient, map[uint32]string{0: h.cdnSrv.URL}),
		Retry: retrypolicy.Policy{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   4 * time.Millisecond,
			OnRetry:    func(int, time.Duration, error) { h.retries.Add(1) },
		},
		Workers: 4,
		Metrics: met,
		Clock:   func() time.Time { return testNow },
	})
	require.NoError(t, err)
	// runs before the servers close
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) serveForm(w http.ResponseWriter, r *http.Request) {
	n := h.formCalls.Add(1)
	if r.URL.Path != client.FormPath || r.Header.Get("Authorization") != "Bearer token" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	body := h.formBody
	h.mu.Unlock()
	if body == "" {
		policy := base64.StdEncoding.EncodeToString([]byte(`{"bucket":"` + testBucket + `"}`))
		b, _ := json.Marshal(map[string]any{
			"policy":       policy,
			"credential":   "cred-" + r.Header.Get("X-Attachment-Id"),
			"key":          fmt.Sprintf("obj-%d", n),
			"attachmentId": n,
		})
		body = string(b)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func (h *harness) serveCDN(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.serveUpload(w, r)
	case http.MethodGet:
		h.serveDownload(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *harness) serveUpload(w http.ResponseWriter, r *http.Request) {
	h.uploads.Add(1)

	h.mu.Lock()
	var status int
	if len(h.uploadStatus) > 0 {
		status, h.uploadStatus = h.uploadStatus[0], h.uploadStatus[1:]
	}
	h.mu.Unlock()
	if status != 0 {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(status)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var fields []string
	values := map[string]string{}
	var payload []byte
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(p)
		fields = append(fields, p.FormName())
		if p.FormName() == netx.FileFieldName {
			payload = data
		} else {
			values[p.FormName()] = string(data)
		}
	}

	h.mu.Lock()
	h.objects[values["key"]] = payload
	h.uploadedField = fields
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *harness) serveDownload(w http.ResponseWriter, r *http.Request) {
	h.gets.Add(1)

	h.mu.Lock()
	gate := h.downloadGate
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")
	h.mu.Lock()
	data, ok := h.objects[key]
	tamper := h.tamper
	h.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if tamper {
		data = append([]byte(nil), data...)
		data[len(data)/2] ^= 0x01
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	_, _ = w.Write(data)
}

// addPointer publishes plaintext on the CDN and registers a pointer to it.
func (h *harness) addPointer(key string, plaintext []byte) string {
	h.t.Helper()
	blob, err := cryptox.EncryptBlob(plaintext)
	require.NoError(h.t, err)

	h.mu.Lock()
	h.objects[key] = blob.Ciphertext
	h.mu.Unlock()

	id, err := h.m.RegisterPointer(context.Background(), models.PointerParams{
		ServerID:       77,
		CDNKey:         key,
		Bucket:         testBucket,
		Credential:     "cdn-cred",
		EncryptionKey:  blob.Key,
		Digest:         blob.Digest,
		ContentType:    "image/jpeg",
		SourceFilename: "../../etc/passwd",
	})
	require.NoError(h.t, err)
	return id
}

// set mutates fake server state.
func (h *harness) set(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
}

func (h *harness) gateDownloads() chan struct{} {
	gate := make(chan struct{})
	h.mu.Lock()
	h.downloadGate = gate
	h.mu.Unlock()
	return gate
}

func (h *harness) get(id string) *models.Attachment {
	h.t.Helper()
	a, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return a
}

func (h *harness) blobNames() []string {
	h.t.Helper()
	entries, err := os.ReadDir(h.store.BlobDir())
	require.NoError(h.t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func wait(t *testing.T, f *Future) (*models.Attachment, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.Wait(ctx)
}
