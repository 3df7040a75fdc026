package attachments

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/dbx"
	"github.com/dmitrijs2005/attachkit/internal/filex"
	"github.com/dmitrijs2005/attachkit/internal/logging"
	"github.com/google/uuid"
)

const blobPerm = 0o600

// Store is the AttachmentStore: rows in SQLite, plaintext in blobDir.
type Store struct {
	db      *sql.DB
	blobDir string
	log     logging.Logger

	// serializes all writes
	mu sync.Mutex
}

// NewStore returns a Store over an already migrated database. blobDir is
// created if needed.
func NewStore(db *sql.DB, blobDir string, log logging.Logger) (*Store, error) {
	dir, err := filex.EnsureDir(blobDir)
	if err != nil {
		return nil, fmt.Errorf("blob dir: %w", err)
	}
	return &Store{db: db, blobDir: dir, log: logging.OrNoop(log)}, nil
}

// BlobDir returns the absolute blob directory.
func (s *Store) BlobDir() string { return s.blobDir }

// BlobPath returns the plaintext file of a stream record, or "" for records
// without local content.
func (s *Store) BlobPath(a *models.Attachment) string {
	if a == nil || a.LocalName == "" {
		return ""
	}
	return filepath.Join(s.blobDir, a.LocalName)
}

// ReadBlob returns the plaintext of a stream record. A missing file is
// reported as common.ErrStorageCorruption.
func (s *Store) ReadBlob(a *models.Attachment) ([]byte, error) {
	path := s.BlobPath(a)
	if path == "" {
		return nil, fmt.Errorf("attachment %s has no local content: %w", a.ID, common.ErrInvalidTransition)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob of %s missing: %w", a.ID, common.ErrStorageCorruption)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob of %s: %w", a.ID, err)
	}
	return data, nil
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*models.Attachment, error) {
	return NewSQLiteRepository(s.db).GetByID(ctx, id)
}

// ListByAlbum returns album members in creation order.
func (s *Store) ListByAlbum(ctx context.Context, albumID string) ([]*models.Attachment, error) {
	return NewSQLiteRepository(s.db).ListByAlbum(ctx, albumID)
}

// ListByState returns records in any of states, oldest first.
func (s *Store) ListByState(ctx context.Context, states ...models.State) ([]*models.Attachment, error) {
	return NewSQLiteRepository(s.db).ListByState(ctx, states...)
}

// Create persists a pointer record. Streams must go through CreateStream.
func (s *Store) Create(ctx context.Context, a *models.Attachment) (*models.Attachment, error) {
	if a.Variant != models.VariantPointer {
		return nil, fmt.Errorf("create %s without content: %w", a.Variant, common.ErrInvalidTransition)
	}

	rec := a.Clone()
	rec.LocalName = ""
	if err := validateNew(rec); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		seq, err := NewSQLiteRepository(tx).Insert(ctx, rec)
		if err != nil {
			return err
		}
		rec.CreatedSeq = seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CreateStream writes plaintext to a fresh blob and persists the stream
// record pointing at it. The blob is removed if the insert fails.
func (s *Store) CreateStream(ctx context.Context, a *models.Attachment, plaintext []byte) (*models.Attachment, error) {
	if a.Variant != models.VariantStream {
		return nil, fmt.Errorf("create stream from %s: %w", a.Variant, common.ErrInvalidTransition)
	}

	rec := a.Clone()
	rec.LocalName = uuid.NewString()
	if err := validateNew(rec); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.writeBlob(ctx, rec.LocalName, plaintext); err != nil {
			return err
		}
		seq, err := NewSQLiteRepository(tx).Insert(ctx, rec)
		if err != nil {
			return err
		}
		rec.CreatedSeq = seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MutateFunc edits a working copy of a record.
type MutateFunc func(a *models.Attachment) error

// Mutate applies fn to a copy of the record and persists the result
// atomically. The variant, local blob and content type cannot change here:
// common.ErrInvalidTransition / common.ErrImmutableContentType.
func (s *Store) Mutate(ctx context.Context, id string, fn MutateFunc) (*models.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *models.Attachment
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteRepository(tx)
		cur, err := repo.GetByID(ctx, id)
		if err != nil {
			return err
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if next.Variant != cur.Variant {
			return fmt.Errorf("variant %s -> %s: %w", cur.Variant, next.Variant, common.ErrInvalidTransition)
		}
		if next.LocalName != cur.LocalName {
			return fmt.Errorf("local blob change: %w", common.ErrInvalidTransition)
		}
		if err := checkIdentity(cur, next); err != nil {
			return err
		}

		if err := repo.Update(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateBlurHash sets the placeholder of any record.
func (s *Store) UpdateBlurHash(ctx context.Context, id, blurHash string) (*models.Attachment, error) {
	return s.Mutate(ctx, id, func(a *models.Attachment) error {
		a.BlurHash = &blurHash
		return nil
	})
}

// MaterializeStream converts a pointer into a stream holding plaintext. The
// blob gets a store-generated name; fn may adjust other fields (state,
// byte count) before the row is written. Writing the blob and updating the
// row succeed or fail together.
func (s *Store) MaterializeStream(ctx context.Context, id string, plaintext []byte, fn MutateFunc) (*models.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *models.Attachment
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteRepository(tx)
		cur, err := repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if cur.Variant != models.VariantPointer {
			return fmt.Errorf("materialize %s: %w", cur.Variant, common.ErrInvalidTransition)
		}

		next := cur.Clone()
		next.Variant = models.VariantStream
		next.State = models.StateStreamReady
		next.LocalName = uuid.NewString()
		if fn != nil {
			if err := fn(next); err != nil {
				return err
			}
		}
		if next.Variant != models.VariantStream || next.State.Variant() != models.VariantStream {
			return fmt.Errorf("materialize into %s: %w", next.State, common.ErrInvalidTransition)
		}
		if err := checkIdentity(cur, next); err != nil {
			return err
		}

		if err := s.writeBlob(ctx, next.LocalName, plaintext); err != nil {
			return err
		}
		if err := repo.Update(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a record and, after commit, its blob.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteRepository(tx)
		cur, err := repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := repo.DeleteByID(ctx, id); err != nil {
			return err
		}
		s.removeBlobAfterCommit(ctx, cur)
		return nil
	})
}

// DeleteByAlbum removes every record of an album and returns them.
func (s *Store) DeleteByAlbum(ctx context.Context, albumID string) ([]*models.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*models.Attachment
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteRepository(tx)
		members, err := repo.ListByAlbum(ctx, albumID)
		if err != nil {
			return err
		}
		for _, a := range members {
			if err := repo.DeleteByID(ctx, a.ID); err != nil {
				return err
			}
			s.removeBlobAfterCommit(ctx, a)
		}
		removed = members
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *Store) writeBlob(ctx context.Context, name string, plaintext []byte) error {
	path := filepath.Join(s.blobDir, name)
	if err := filex.WriteFileAtomic(path, plaintext, blobPerm); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	dbx.OnRollback(ctx, func() {
		if err := filex.RemoveIfExists(path); err != nil {
			s.log.Warn(ctx, "failed to remove blob after rollback", "path", path, logging.KeyError, err)
		}
	})
	return nil
}

func (s *Store) removeBlobAfterCommit(ctx context.Context, a *models.Attachment) {
	path := s.BlobPath(a)
	if path == "" {
		return
	}
	dbx.AfterCommit(ctx, func() {
		if err := filex.RemoveIfExists(path); err != nil {
			s.log.Warn(ctx, "failed to remove blob", logging.KeyAttachmentID, a.ID, logging.KeyError, err)
		}
	})
}

func validateNew(a *models.Attachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.SetDefaultContentType(models.MimeTypeUnknown)
	if a.AttachmentType == "" {
		a.AttachmentType = models.AttachmentTypeDefault
	}
	if !a.State.Valid() || a.State.Variant() != a.Variant {
		return fmt.Errorf("state %q for %s: %w", a.State, a.Variant, common.ErrInvalidTransition)
	}
	return nil
}

func checkIdentity(cur, next *models.Attachment) error {
	if next.ID != cur.ID || next.CreatedSeq != cur.CreatedSeq {
		return fmt.Errorf("identity change: %w", common.ErrInvalidTransition)
	}
	if next.ContentType != cur.ContentType {
		return fmt.Errorf("%q -> %q: %w", cur.ContentType, next.ContentType, common.ErrImmutableContentType)
	}
	if !next.State.Valid() || next.State.Variant() != next.Variant {
		return fmt.Errorf("state %q for %s: %w", next.State, next.Variant, common.ErrInvalidTransition)
	}
	// key material is write-once
	if len(cur.EncryptionKey) > 0 && !bytes.Equal(cur.EncryptionKey, next.EncryptionKey) {
		return fmt.Errorf("encryption key change: %w", common.ErrInvalidTransition)
	}
	return nil
}
