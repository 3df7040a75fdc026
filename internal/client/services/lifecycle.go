package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/client/repositories/attachments"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/logging"
)

// ResolveDisplayable returns what the presentation layer may show for id:
// the local plaintext path of a stream, or a placeholder for a pointer.
func (m *Manager) ResolveDisplayable(ctx context.Context, id string) (models.Displayable, error) {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return models.Displayable{}, err
	}

	d := models.Displayable{
		ID:          a.ID,
		ContentType: a.ContentType,
		BlurHash:    a.BlurHash,
		Caption:     a.Caption,
		ByteCount:   a.ByteCount,
		State:       a.State,

		VisualMedia:  a.IsVisualMedia(),
		LoopingVideo: a.IsLoopingVideo(),
		Borderless:   a.IsBorderless(),
		OversizeText: a.IsOversizeText(),
	}
	if path := m.store.BlobPath(a); a.Variant == models.VariantStream && path != "" {
		d.LocalPath = path
	} else {
		d.Placeholder = true
	}
	return d, nil
}

// UpdateBlurHash sets the placeholder shown for id until its content is
// available. Allowed in any state.
func (m *Manager) UpdateBlurHash(ctx context.Context, id, blurHash string) error {
	if _, err := m.store.UpdateBlurHash(ctx, id, blurHash); err != nil {
		return fmt.Errorf("update blur hash: %w", err)
	}
	return nil
}

// Delete removes one attachment, aborting its transfer first.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.flights.Cancel(id)
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	m.log.Info(ctx, "attachment deleted", logging.KeyAttachmentID, id)
	return nil
}

// DeleteAlbum removes every attachment of a message, aborting their
// transfers first. It returns the removed ids in album order.
func (m *Manager) DeleteAlbum(ctx context.Context, albumID string) ([]string, error) {
	members, err := m.store.ListByAlbum(ctx, albumID)
	if err != nil {
		return nil, fmt.Errorf("list album: %w", err)
	}
	for _, a := range members {
		m.flights.Cancel(a.ID)
	}

	removed, err := m.store.DeleteByAlbum(ctx, albumID)
	if err != nil {
		return nil, fmt.Errorf("delete album: %w", err)
	}

	ids := make([]string, 0, len(removed))
	for _, a := range removed {
		ids = append(ids, a.ID)
	}
	m.log.Info(ctx, "album deleted", "album_id", albumID, "count", len(ids))
	return ids, nil
}

// ResumePending restarts transfers a previous process left mid-flight.
// Their records are reset to the pre-transfer state before re-enqueueing.
func (m *Manager) ResumePending(ctx context.Context) ([]*Future, error) {
	stale, err := m.store.ListByState(ctx, models.StateUploading, models.StateDownloading)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	var futures []*Future
	for _, a := range stale {
		if m.flights.Waiters(a.ID) > 0 {
			continue
		}

		pre := models.StateStreamLocal
		if a.State == models.StateDownloading {
			pre = models.StatePointerAwaiting
		}
		if _, err := m.store.Mutate(ctx, a.ID, func(rec *models.Attachment) error {
			rec.State = pre
			return nil
		}); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			return futures, fmt.Errorf("reset %s: %w", a.ID, err)
		}

		m.log.Info(ctx, "resuming interrupted transfer", logging.KeyAttachmentID, a.ID, "state", pre)
		if pre == models.StateStreamLocal {
			futures = append(futures, m.EnqueueUpload(ctx, a.ID))
		} else {
			futures = append(futures, m.EnqueueDownload(ctx, a.ID))
		}
	}
	return futures, nil
}

// Reconcile runs the store's startup consistency pass. Inconsistencies are
// repaired and logged; the returned error wraps common.ErrStorageCorruption
// when records had to be purged.
func (m *Manager) Reconcile(ctx context.Context) (*attachments.ReconcileReport, error) {
	report, err := m.store.Reconcile(ctx)
	if err != nil && !errors.Is(err, common.ErrStorageCorruption) {
		return nil, err
	}
	if err != nil {
		m.log.Warn(ctx, "storage inconsistencies repaired",
			"purged", len(report.PurgedRecords), "orphans", len(report.OrphanBlobs), logging.KeyError, err)
	}
	return report, err
}
