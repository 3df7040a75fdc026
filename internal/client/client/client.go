package client

import (
	"context"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
)

// FormClient obtains single-use upload authorizations from the application
// server.
type FormClient interface {
	RequestUploadForm(ctx context.Context, attachmentID string) (*models.UploadForm, error)
}
