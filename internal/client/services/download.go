package services

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/attachkit/internal/client/cdn"
	"github.com/dmitrijs2005/attachkit/internal/client/metrics"
	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/cryptox"
	"github.com/dmitrijs2005/attachkit/internal/logging"
	"github.com/dmitrijs2005/attachkit/internal/netx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Fetcher is the DownloadFetcher: it retrieves a pointer's ciphertext and
// returns verified plaintext. It never writes to disk.
type Fetcher struct {
	source cdn.Source
}

// NewFetcher returns a Fetcher reading from source.
func NewFetcher(source cdn.Source) *Fetcher {
	return &Fetcher{source: source}
}

// Fetch downloads the content of a and decrypts it after the digest check.
func (f *Fetcher) Fetch(ctx context.Context, a *models.Attachment, onProgress netx.ProgressFunc) ([]byte, error) {
	if len(a.EncryptionKey) == 0 || len(a.Digest) == 0 {
		return nil, fmt.Errorf("pointer %s has no key material: %w", a.ID, common.ErrIntegrity)
	}

	ciphertext, err := f.source.Fetch(ctx, a.Coordinates(), onProgress)
	if err != nil {
		return nil, err
	}

	plaintext, err := cryptox.DecryptBlob(ciphertext, a.EncryptionKey, a.Digest)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", a.ID, err)
	}
	return plaintext, nil
}

// RegisterPointer stores an inbound pointer and returns its id.
func (m *Manager) RegisterPointer(ctx context.Context, p models.PointerParams) (string, error) {
	rec, err := m.store.Create(ctx, models.NewPointer(p))
	if err != nil {
		return "", fmt.Errorf("save pointer: %w", err)
	}
	m.log.Info(ctx, "pointer registered", logging.KeyAttachmentID, rec.ID, "content_type", rec.ContentType)
	return rec.ID, nil
}

// RegisterRestorePointer stores a pointer restored from a backup. It has
// key material but no CDN coordinates; see SupplyCoordinates.
func (m *Manager) RegisterRestorePointer(ctx context.Context, p models.RestoreParams) (string, error) {
	rec, err := m.store.Create(ctx, models.NewRestorePointer(p))
	if err != nil {
		return "", fmt.Errorf("save restore pointer: %w", err)
	}
	m.log.Info(ctx, "restore pointer registered", logging.KeyAttachmentID, rec.ID)
	return rec.ID, nil
}

// SupplyCoordinates records where the content of a pointer lives, making a
// restore pointer downloadable. A pointer with a running download is left
// alone.
func (m *Manager) SupplyCoordinates(ctx context.Context, id string, c models.CDNCoordinates) error {
	if c.CDNKey == "" {
		return fmt.Errorf("coordinates of %s: no cdn key: %w", id, common.ErrDownloadRejected)
	}
	if m.flights.Waiters(id) > 0 {
		return fmt.Errorf("coordinates of %s: download in progress: %w", id, common.ErrInvalidTransition)
	}
	_, err := m.store.Mutate(ctx, id, func(a *models.Attachment) error {
		switch a.State {
		case models.StatePointerAwaiting, models.StatePointerFailed:
		default:
			return fmt.Errorf("coordinates of %s in state %s: %w", a.ID, a.State, common.ErrInvalidTransition)
		}
		a.ApplyCoordinates(c)
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info(ctx, "pointer coordinates supplied", logging.KeyAttachmentID, id, "cdn_number", c.CDNNumber)
	return nil
}

// EnqueueDownload starts (or joins) the download of a pointer. A record that
// is already a stream resolves immediately. Cancelling ctx withdraws this
// caller only.
func (m *Manager) EnqueueDownload(ctx context.Context, id string) *Future {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return resolved(nil, err)
	}
	if a.Variant == models.VariantStream {
		return resolved(a, nil)
	}
	if err := checkDownloadable(a); err != nil {
		return resolved(nil, err)
	}
	return m.enqueue(ctx, id, metrics.Download, m.runDownload)
}

func checkDownloadable(a *models.Attachment) error {
	if !a.HasCDNCoordinates() {
		return fmt.Errorf("pointer %s has no CDN coordinates: %w", a.ID, common.ErrDownloadRejected)
	}
	return nil
}

func (m *Manager) runDownload(ctx context.Context, id string) (rec *models.Attachment, err error) {
	log := m.log.With(logging.KeyAttachmentID, id, logging.KeyOp, metrics.Download)

	ctx, span := m.tracer.Start(ctx, "services.download", trace.WithAttributes(attribute.String("attachment.id", id)))
	finish := m.metrics.Started(metrics.Download)
	received := 0
	defer func() {
		finish(outcome(err), received)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	a, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Variant == models.VariantStream {
		return a, nil
	}
	if err := checkDownloadable(a); err != nil {
		return nil, err
	}

	pre := a.State
	if pre == models.StateDownloading {
		pre = models.StatePointerAwaiting
	}

	if _, err := m.store.Mutate(ctx, id, func(a *models.Attachment) error {
		a.State = models.StateDownloading
		return nil
	}); err != nil {
		return nil, err
	}

	log.Info(ctx, "download started", "cdn_key", a.CDNKey, "cdn_number", a.CDNNumber)

	var plaintext []byte
	err = m.policy(ctx, log, metrics.Download).Do(ctx, func(ctx context.Context, attempt int) error {
		log.Debug(ctx, "download attempt", logging.KeyAttempt, attempt)
		var err error
		plaintext, err = m.fetcher.Fetch(ctx, a, m.onProgress(id, metrics.Download))
		return err
	})
	if err != nil {
		log.Warn(ctx, "download failed", logging.KeyError, err)
		m.settle(ctx, log, id, pre, models.StatePointerFailed, err)
		return nil, err
	}
	defer common.WipeByteArray(plaintext)
	received = len(plaintext)

	rec, err = m.store.MaterializeStream(context.WithoutCancel(ctx), id, plaintext, func(a *models.Attachment) error {
		if a.ByteCount == 0 {
			// legacy pointers carry no size
			a.ByteCount = uint32(len(plaintext))
		}
		return nil
	})
	if err != nil {
		log.Error(ctx, "failed to store download", logging.KeyError, err)
		m.settle(ctx, log, id, pre, models.StatePointerFailed, err)
		return nil, err
	}

	log.Info(ctx, "download finished", "bytes", rec.ByteCount)
	return rec, nil
}
