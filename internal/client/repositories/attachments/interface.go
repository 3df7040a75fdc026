package attachments

import (
	"context"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
)

// Repository describes row-level operations on attachment records.
type Repository interface {
	// Insert stores a new record and returns its creation sequence.
	Insert(ctx context.Context, a *models.Attachment) (int64, error)

	// Update overwrites the mutable columns of an existing record.
	Update(ctx context.Context, a *models.Attachment) error

	// GetByID returns a record or common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.Attachment, error)

	// DeleteByID removes a record. Missing ids yield common.ErrNotFound.
	DeleteByID(ctx context.Context, id string) error

	// ListByAlbum returns the records of an album in creation order.
	ListByAlbum(ctx context.Context, albumID string) ([]*models.Attachment, error)

	// ListByState returns records in any of the given states, oldest first.
	ListByState(ctx context.Context, states ...models.State) ([]*models.Attachment, error)

	// ListStreams returns every stream record.
	ListStreams(ctx context.Context) ([]*models.Attachment, error)
}
