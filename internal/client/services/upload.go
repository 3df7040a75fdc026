package services

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/attachkit/internal/client/metrics"
	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/cryptox"
	"github.com/dmitrijs2005/attachkit/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OutgoingOptions are the optional attributes of locally created content.
type OutgoingOptions struct {
	Caption        *string
	AlbumID        *string
	BlurHash       *string
	SourceFilename string
	AttachmentType models.AttachmentType
}

// CreateOutgoing encrypts data and stores it as a stream awaiting upload.
// An empty or generic content type is sniffed from data before the record
// is saved. It returns the new attachment id.
func (m *Manager) CreateOutgoing(ctx context.Context, data []byte, contentType string, opts OutgoingOptions) (string, error) {
	blob, err := cryptox.EncryptBlob(data)
	if err != nil {
		return "", fmt.Errorf("encrypt attachment: %w", err)
	}

	a := models.NewOutgoingStream(models.OutgoingParams{
		ContentType:    contentType,
		ByteCount:      uint32(len(data)),
		SourceFilename: opts.SourceFilename,
		Caption:        opts.Caption,
		AlbumID:        opts.AlbumID,
		BlurHash:       opts.BlurHash,
		AttachmentType: opts.AttachmentType,
	})
	if a.ContentType == models.MimeTypeUnknown {
		a.ReplaceUnsavedContentType(http.DetectContentType(data))
	}
	a.EncryptionKey = blob.Key
	a.Digest = blob.Digest

	rec, err := m.store.CreateStream(ctx, a, data)
	if err != nil {
		return "", fmt.Errorf("save attachment: %w", err)
	}

	m.log.Info(ctx, "outgoing attachment created",
		logging.KeyAttachmentID, rec.ID, "content_type", rec.ContentType, "bytes", rec.ByteCount)
	return rec.ID, nil
}

// EnqueueUpload starts (or joins) the upload of a local stream. An already
// uploaded stream resolves immediately. Cancelling ctx withdraws this
// caller only.
func (m *Manager) EnqueueUpload(ctx context.Context, id string) *Future {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return resolved(nil, err)
	}
	if err := checkUploadable(a); err != nil {
		return resolved(nil, err)
	}
	if a.State == models.StateStreamUploaded {
		return resolved(a, nil)
	}
	return m.enqueue(ctx, id, metrics.Upload, m.runUpload)
}

func checkUploadable(a *models.Attachment) error {
	switch a.State {
	case models.StateStreamLocal, models.StateUploadFailed, models.StateUploading, models.StateStreamUploaded:
		return nil
	default:
		return fmt.Errorf("upload of %s in state %s: %w", a.ID, a.State, common.ErrInvalidTransition)
	}
}

func (m *Manager) runUpload(ctx context.Context, id string) (rec *models.Attachment, err error) {
	log := m.log.With(logging.KeyAttachmentID, id, logging.KeyOp, metrics.Upload)

	ctx, span := m.tracer.Start(ctx, "services.upload", trace.WithAttributes(attribute.String("attachment.id", id)))
	finish := m.metrics.Started(metrics.Upload)
	sent := 0
	defer func() {
		finish(outcome(err), sent)
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
	if err := checkUploadable(a); err != nil {
		return nil, err
	}
	if a.State == models.StateStreamUploaded {
		return a, nil
	}

	// a crash may have left the record in uploading
	pre := a.State
	if pre == models.StateUploading {
		pre = models.StateStreamLocal
	}

	ciphertext, err := m.sealStored(a)
	if err != nil {
		log.Error(ctx, "stored attachment failed verification", logging.KeyError, err)
		return nil, err
	}

	if _, err := m.store.Mutate(ctx, id, func(a *models.Attachment) error {
		a.State = models.StateUploading
		return nil
	}); err != nil {
		return nil, err
	}

	log.Info(ctx, "upload started", "bytes", len(ciphertext))

	var coords *models.CDNCoordinates
	err = m.policy(ctx, log, metrics.Upload).Do(ctx, func(ctx context.Context, attempt int) error {
		log.Debug(ctx, "upload attempt", logging.KeyAttempt, attempt)

		// forms are single use, every attempt asks for a fresh one
		form, err := m.forms.RequestUploadForm(ctx, id)
		if err != nil {
			return fmt.Errorf("request upload form: %w", err)
		}
		coords, err = m.uploader.Upload(ctx, ciphertext, form, m.onProgress(id, metrics.Upload))
		return err
	})
	if err != nil {
		log.Warn(ctx, "upload failed", logging.KeyError, err)
		m.settle(ctx, log, id, pre, models.StateUploadFailed, err)
		return nil, err
	}
	sent = len(ciphertext)

	rec, err = m.store.Mutate(context.WithoutCancel(ctx), id, func(a *models.Attachment) error {
		a.ApplyCoordinates(*coords)
		a.State = models.StateStreamUploaded
		a.UploadTimestamp = uint64(m.now().UnixMilli())
		return nil
	})
	if err != nil {
		log.Error(ctx, "failed to record upload", logging.KeyError, err)
		return nil, err
	}

	log.Info(ctx, "upload finished", "cdn_key", rec.CDNKey, "cdn_number", rec.CDNNumber)
	return rec, nil
}

// sealStored re-encrypts the local plaintext with the record's key and
// checks the result against the stored digest.
func (m *Manager) sealStored(a *models.Attachment) ([]byte, error) {
	if len(a.EncryptionKey) == 0 || len(a.Digest) == 0 {
		return nil, fmt.Errorf("attachment %s has no key material: %w", a.ID, common.ErrIntegrity)
	}
	plaintext, err := m.store.ReadBlob(a)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plaintext)

	ciphertext, err := cryptox.Reseal(plaintext, a.EncryptionKey, a.Digest)
	if err != nil {
		return nil, fmt.Errorf("reseal local content of %s: %w", a.ID, err)
	}
	return ciphertext, nil
}
