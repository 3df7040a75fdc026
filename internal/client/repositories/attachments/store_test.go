package attachments

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dmitrijs2005/attachkit/internal/client/client"
	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	db, err := client.InitDatabase(ctx, client.DSN(filepath.Join(dir, "client.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewStore(db, filepath.Join(dir, "blobs"), nil)
	require.NoError(t, err)
	return s
}

func blobFiles(t *testing.T, s *Store) []string {
	t.Helper()
	entries, err := os.ReadDir(s.BlobDir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func strPtr(s string) *string { return &s }

func TestStore_CreatePointerAndGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := models.NewPointer(models.PointerParams{
		ServerID:      10,
		CDNKey:        "key",
		CDNNumber:     2,
		Bucket:        "bucket",
		Credential:    "cred",
		EncryptionKey: []byte{1, 2, 3},
		Digest:        []byte{4, 5, 6},
		ByteCount:     0,
		Caption:       strPtr("hello"),
	})
	p.ContentType = ""

	created, err := s.Create(ctx, p)
	require.NoError(t, err)
	assert.NotZero(t, created.CreatedSeq)
	assert.Equal(t, models.MimeTypeUnknown, created.ContentType)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
	assert.Nil(t, got.AlbumID)
	assert.Equal(t, "hello", *got.Caption)
	assert.Equal(t, uint32(0), got.ByteCount, "legacy zero byte count is fine")
}

func TestStore_CreateRejectsStream(t *testing.T) {
	s := setupStore(t)
	_, err := s.Create(context.Background(), models.NewOutgoingStream(models.OutgoingParams{ContentType: "image/png"}))
	require.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestStore_GetAndDeleteUnknown(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, common.ErrNotFound)

	require.ErrorIs(t, s.Delete(ctx, "missing"), common.ErrNotFound)

	_, err = s.Mutate(ctx, "missing", func(a *models.Attachment) error { return nil })
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestStore_CreateStreamWritesBlob(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec := models.NewOutgoingStream(models.OutgoingParams{ContentType: "image/jpeg", SourceFilename: "../../etc/passwd"})
	created, err := s.CreateStream(ctx, rec, []byte("plaintext"))
	require.NoError(t, err)

	assert.NotEmpty(t, created.LocalName)
	assert.NotEqual(t, rec.SourceFilename, created.LocalName)
	assert.Equal(t, s.BlobDir(), filepath.Dir(s.BlobPath(created)))

	data, err := s.ReadBlob(created)
	require.NoError(t, err)
	assert.Equal(t, "plaintext", string(data))
}

func TestStore_CreateStreamRollbackRemovesBlob(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, models.NewPointer(models.PointerParams{CDNKey: "k"}))
	require.NoError(t, err)

	dup := models.NewOutgoingStream(models.OutgoingParams{ContentType: "image/png"})
	dup.ID = p.ID

	_, err = s.CreateStream(ctx, dup, []byte("data"))
	require.Error(t, err)
	assert.Empty(t, blobFiles(t, s), "blob must not survive a failed insert")
}

func TestStore_MutateRules(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec, err := s.CreateStream(ctx, models.NewOutgoingStream(models.OutgoingParams{ContentType: "image/png"}), []byte("x"))
	require.NoError(t, err)

	updated, err := s.Mutate(ctx, rec.ID, func(a *models.Attachment) error {
		a.State = models.StateUploading
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateUploading, updated.State)

	_, err = s.Mutate(ctx, rec.ID, func(a *models.Attachment) error {
		a.Variant = models.VariantPointer
		a.State = models.StatePointerAwaiting
		return nil
	})
	require.ErrorIs(t, err, common.ErrInvalidTransition, "stream never goes back to pointer")

	_, err = s.Mutate(ctx, rec.ID, func(a *models.Attachment) error {
		a.ContentType = "image/gif"
		return nil
	})
	require.ErrorIs(t, err, common.ErrImmutableContentType)

	_, err = s.Mutate(ctx, rec.ID, func(a *models.Attachment) error {
		a.State = models.StatePointerFailed
		return nil
	})
	require.ErrorIs(t, err, common.ErrInvalidTransition, "state must match variant")

	boom := errors.New("boom")
	_, err = s.Mutate(ctx, rec.ID, func(a *models.Attachment) error {
		a.State = models.StateUploadFailed
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateUploading, got.State, "failed mutations leave the record untouched")
	assert.Equal(t, "image/png", got.ContentType)
}

func TestStore_MaterializeStream(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, models.NewPointer(models.PointerParams{
		CDNKey:        "k",
		ContentType:   "image/png",
		EncryptionKey: []byte{1},
		Digest:        []byte{2},
	}))
	require.NoError(t, err)

	stream, err := s.MaterializeStream(ctx, p.ID, []byte("decrypted"), func(a *models.Attachment) error {
		a.ByteCount = 9
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.VariantStream, stream.Variant)
	assert.Equal(t, models.StateStreamReady, stream.State)
	assert.Equal(t, uint32(9), stream.ByteCount)
	assert.Equal(t, p.EncryptionKey, stream.EncryptionKey)

	data, err := s.ReadBlob(stream)
	require.NoError(t, err)
	assert.Equal(t, "decrypted", string(data))

	_, err = s.MaterializeStream(ctx, p.ID, []byte("again"), nil)
	require.ErrorIs(t, err, common.ErrInvalidTransition, "pointer to stream happens once")
	assert.Len(t, blobFiles(t, s), 1)
}

func TestStore_MaterializeStreamFailureWritesNothing(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, models.NewPointer(models.PointerParams{CDNKey: "k", ContentType: "image/png"}))
	require.NoError(t, err)

	_, err = s.MaterializeStream(ctx, p.ID, []byte("x"), func(a *models.Attachment) error {
		a.ContentType = "text/plain"
		return nil
	})
	require.ErrorIs(t, err, common.ErrImmutableContentType)
	assert.Empty(t, blobFiles(t, s))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VariantPointer, got.Variant)
}

func TestStore_DeleteRemovesBlob(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec, err := s.CreateStream(ctx, models.NewOutgoingStream(models.OutgoingParams{ContentType: "image/png"}), []byte("x"))
	require.NoError(t, err)
	path := s.BlobPath(rec)

	require.NoError(t, s.Delete(ctx, rec.ID))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	_, err = s.Get(ctx, rec.ID)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestStore_AlbumOrderAndDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	album := "album-1"

	var ids []string
	for i := 0; i < 5; i++ {
		var (
			rec *models.Attachment
			err error
		)
		if i%2 == 0 {
			rec, err = s.CreateStream(ctx, models.NewOutgoingStream(models.OutgoingParams{ContentType: "image/png", AlbumID: &album}), []byte{byte(i)})
		} else {
			rec, err = s.Create(ctx, models.NewPointer(models.PointerParams{CDNKey: "k", AlbumID: &album}))
		}
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	other, err := s.Create(ctx, models.NewPointer(models.PointerParams{CDNKey: "k", AlbumID: strPtr("album-2")}))
	require.NoError(t, err)

	// a mutation does not reorder the album
	_, err = s.UpdateBlurHash(ctx, ids[0], "LEHV6nWB2yk8")
	require.NoError(t, err)

	members, err := s.ListByAlbum(ctx, album)
	require.NoError(t, err)
	var got []string
	for _, m := range members {
		got = append(got, m.ID)
	}
	assert.Equal(t, ids, got)
	assert.Equal(t, "LEHV6nWB2yk8", *members[0].BlurHash)

	removed, err := s.DeleteByAlbum(ctx, album)
	require.NoError(t, err)
	assert.Len(t, removed, 5)
	assert.Empty(t, blobFiles(t, s))

	members, err = s.ListByAlbum(ctx, album)
	require.NoError(t, err)
	assert.Empty(t, members)

	_, err = s.Get(ctx, other.ID)
	require.NoError(t, err, "other albums are untouched")
}

func TestStore_ListByState(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	a, err := s.CreateStream(ctx, models.NewOutgoingStream(models.OutgoingParams{ContentType: "image/png"}), []byte("x"))
	require.NoError(t, err)
	_, err = s.Create(ctx, models.NewPointer(models.PointerParams{CDNKey: "k"}))
	require.NoError(t, err)

	_, err = s.Mutate(ctx, a.ID, func(r *models.Attachment) error {
		r.State = models.StateUploading
		return nil
	})
	require.NoError(t, err)

	got, err := s.ListByState(ctx, models.StateUploading, models.StateDownloading)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	none, err := s.ListByState(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Reconcile(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	keep, err := s.CreateStream(ctx, models.NewOutgoingStream(models.OutgoingParams{ContentType: "image/png"}), []byte("keep"))
	require.NoError(t, err)
	lost, err := s.CreateStream(ctx, models.NewOutgoingStream(models.OutgoingParams{ContentType: "image/png"}), []byte("lost"))
	require.NoError(t, err)
	pointer, err := s.Create(ctx, models.NewPointer(models.PointerParams{CDNKey: "k"}))
	require.NoError(t, err)

	require.NoError(t, os.Remove(s.BlobPath(lost)))
	require.NoError(t, os.WriteFile(filepath.Join(s.BlobDir(), "orphan"), []byte("?"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.BlobDir(), ".tmp-half-1"), []byte("?"), 0o600))

	report, err := s.Reconcile(ctx)
	require.ErrorIs(t, err, common.ErrStorageCorruption)
	require.NotNil(t, report)
	assert.Equal(t, []string{lost.ID}, report.PurgedRecords)
	assert.Equal(t, []string{"orphan"}, report.OrphanBlobs)
	assert.Equal(t, []string{".tmp-half-1"}, report.TempFiles)

	_, err = s.Get(ctx, lost.ID)
	require.ErrorIs(t, err, common.ErrNotFound)
	_, err = s.Get(ctx, keep.ID)
	require.NoError(t, err)
	_, err = s.Get(ctx, pointer.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{keep.LocalName}, blobFiles(t, s))

	report, err = s.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Empty())
}

func TestStore_ReadersSeeWholeStates(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec, err := s.CreateStream(ctx, models.NewOutgoingStream(models.OutgoingParams{ContentType: "image/png"}), []byte("x"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := s.Mutate(ctx, rec.ID, func(a *models.Attachment) error {
				if a.State == models.StateUploading {
					a.State = models.StateStreamLocal
					a.CDNKey = ""
				} else {
					a.State = models.StateUploading
					a.CDNKey = "in-flight"
				}
				return nil
			})
			assert.NoError(t, err)
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		switch got.State {
		case models.StateUploading:
			assert.Equal(t, "in-flight", got.CDNKey)
		case models.StateStreamLocal:
			assert.Empty(t, got.CDNKey)
		default:
			t.Fatalf("unexpected state %s", got.State)
		}
	}
}
