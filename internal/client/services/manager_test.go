package services

import (
	"context"
	"crypto/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/cryptox"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func strPtr(s string) *string { return &s }

func TestNewManager_RequiresDependencies(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
}

func TestManager_UploadScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := randomBytes(t, 1024)

	id, err := h.m.CreateOutgoing(ctx, data, "image/png", OutgoingOptions{
		Caption:        strPtr("sunset"),
		SourceFilename: "sunset.png",
	})
	require.NoError(t, err)

	local := h.get(id)
	assert.Equal(t, models.StateStreamLocal, local.State)
	assert.Len(t, local.EncryptionKey, cryptox.KeySize)
	assert.Equal(t, uint32(1024), local.ByteCount)

	rec, err := wait(t, h.m.EnqueueUpload(ctx, id))
	require.NoError(t, err)

	assert.Equal(t, models.StateStreamUploaded, rec.State)
	assert.Equal(t, uint64(1), rec.ServerID)
	assert.Equal(t, "obj-1", rec.CDNKey)
	assert.Equal(t, uint32(2), rec.CDNNumber)
	assert.Equal(t, testBucket, rec.Bucket)
	assert.Equal(t, "cred-"+id, rec.Credential)
	assert.Equal(t, uint64(testNow.UnixMilli()), rec.UploadTimestamp)
	assert.Equal(t, rec, h.get(id))

	h.mu.Lock()
	uploaded := h.objects["obj-1"]
	fields := h.uploadedField
	h.mu.Unlock()
	assert.Equal(t, []string{"key", "policy", "credential", "file"}, fields)

	plain, err := cryptox.DecryptBlob(uploaded, rec.EncryptionKey, rec.Digest)
	require.NoError(t, err)
	assert.Equal(t, data, plain)

	d, err := h.m.ResolveDisplayable(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Placeholder)
	onDisk, err := os.ReadFile(d.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	// already uploaded: no more network
	again, err := wait(t, h.m.EnqueueUpload(ctx, id))
	require.NoError(t, err)
	assert.Equal(t, rec.CDNKey, again.CDNKey)
	assert.Equal(t, int32(1), h.formCalls.Load())
	assert.Equal(t, int32(1), h.uploads.Load())

	n, err := testutil.GatherAndCount(h.reg, "attachkit_transfers_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManager_TwoTransientFailuresThenSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.set(func() { h.uploadStatus = []int{500, 502} })

	id, err := h.m.CreateOutgoing(ctx, randomBytes(t, 64), "audio/aac", OutgoingOptions{})
	require.NoError(t, err)

	rec, err := wait(t, h.m.EnqueueUpload(ctx, id))
	require.NoError(t, err)
	assert.Equal(t, models.StateStreamUploaded, rec.State)
	assert.Equal(t, int32(2), h.retries.Load(), "exactly two backoff waits")
	assert.Equal(t, int32(3), h.uploads.Load())
	assert.Equal(t, int32(3), h.formCalls.Load(), "a fresh form per attempt")
}

func TestManager_UploadBudgetExhaustedThenRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.set(func() { h.uploadStatus = []int{503, 503, 503} })

	id, err := h.m.CreateOutgoing(ctx, randomBytes(t, 64), "video/mp4", OutgoingOptions{})
	require.NoError(t, err)

	_, err = wait(t, h.m.EnqueueUpload(ctx, id))
	require.ErrorIs(t, err, common.ErrTransientNetwork)
	assert.Equal(t, int32(3), h.uploads.Load())

	failed := h.get(id)
	assert.Equal(t, models.StateUploadFailed, failed.State)
	assert.Empty(t, failed.CDNKey)

	// not retried automatically
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), h.uploads.Load())

	rec, err := wait(t, h.m.EnqueueUpload(ctx, id))
	require.NoError(t, err)
	assert.Equal(t, models.StateStreamUploaded, rec.State)
	assert.Equal(t, int32(4), h.uploads.Load())
}

func TestManager_UploadRejectedIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.set(func() { h.uploadStatus = []int{403} })

	id, err := h.m.CreateOutgoing(ctx, randomBytes(t, 16), "image/gif", OutgoingOptions{})
	require.NoError(t, err)

	_, err = wait(t, h.m.EnqueueUpload(ctx, id))
	require.ErrorIs(t, err, common.ErrUploadRejected)
	assert.Equal(t, int32(1), h.uploads.Load())
	assert.Equal(t, int32(0), h.retries.Load())
	assert.Equal(t, models.StateUploadFailed, h.get(id).State)
}

func TestManager_MalformedFormIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.set(func() { h.formBody = `{"policy":"p","credential":"c"}` })

	id, err := h.m.CreateOutgoing(ctx, randomBytes(t, 16), "image/png", OutgoingOptions{})
	require.NoError(t, err)

	_, err = wait(t, h.m.EnqueueUpload(ctx, id))
	require.ErrorIs(t, err, common.ErrMalformedForm)
	assert.Equal(t, int32(1), h.formCalls.Load())
	assert.Equal(t, int32(0), h.uploads.Load())
	assert.Equal(t, models.StateUploadFailed, h.get(id).State)
}

func TestManager_UploadChangedLocalContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.m.CreateOutgoing(ctx, []byte("original"), "text/plain", OutgoingOptions{})
	require.NoError(t, err)
	rec := h.get(id)
	require.NoError(t, os.WriteFile(h.store.BlobPath(rec), []byte("tampered"), 0o600))

	_, err = wait(t, h.m.EnqueueUpload(ctx, id))
	require.ErrorIs(t, err, common.ErrIntegrity)
	assert.Equal(t, int32(0), h.formCalls.Load())
	assert.Equal(t, models.StateStreamLocal, h.get(id).State)
}

func TestManager_ConcurrentDownloadsShareOneGet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plain := randomBytes(t, 4096)
	id := h.addPointer("in-1", plain)
	gate := h.gateDownloads()

	const n = 5
	futures := make([]*Future, n)
	for i := range futures {
		futures[i] = h.m.EnqueueDownload(ctx, id)
	}
	require.Eventually(t, func() bool { return h.gets.Load() == 1 }, 5*time.Second, time.Millisecond)
	close(gate)

	results := make([]*models.Attachment, n)
	for i, f := range futures {
		rec, err := wait(t, f)
		require.NoError(t, err)
		results[i] = rec
	}
	for _, rec := range results[1:] {
		assert.Equal(t, results[0], rec)
	}
	assert.Equal(t, int32(1), h.gets.Load())

	rec := results[0]
	assert.Equal(t, models.VariantStream, rec.Variant)
	assert.Equal(t, models.StateStreamReady, rec.State)
	assert.Equal(t, uint32(len(plain)), rec.ByteCount, "legacy zero size is filled in")
	assert.NotContains(t, rec.LocalName, "passwd")

	onDisk, err := os.ReadFile(h.store.BlobPath(rec))
	require.NoError(t, err)
	assert.Equal(t, plain, onDisk)
}

func TestManager_TwoSimultaneousDownloads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addPointer("in-2", []byte("hello"))
	gate := h.gateDownloads()

	var wg sync.WaitGroup
	recs := make([]*models.Attachment, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], errs[i] = wait(t, h.m.EnqueueDownload(ctx, id))
		}(i)
	}
	require.Eventually(t, func() bool { return h.gets.Load() == 1 }, 5*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, recs[0], recs[1])
	assert.Equal(t, int32(1), h.gets.Load())
}

func TestManager_TamperedDownload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addPointer("in-3", randomBytes(t, 512))
	h.set(func() { h.tamper = true })
	before := h.get(id)

	_, err := wait(t, h.m.EnqueueDownload(ctx, id))
	require.ErrorIs(t, err, common.ErrIntegrity)

	after := h.get(id)
	assert.Equal(t, models.StatePointerAwaiting, after.State)
	assert.Equal(t, before, after)
	assert.Empty(t, h.blobNames(), "nothing written")
	assert.Equal(t, int32(1), h.gets.Load(), "integrity failures are not retried")
}

func TestManager_DownloadNotFoundThenRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addPointer("in-4", []byte("data"))

	h.mu.Lock()
	stored := h.objects["in-4"]
	delete(h.objects, "in-4")
	h.mu.Unlock()

	_, err := wait(t, h.m.EnqueueDownload(ctx, id))
	require.ErrorIs(t, err, common.ErrDownloadRejected)
	assert.Equal(t, models.StatePointerFailed, h.get(id).State)

	h.mu.Lock()
	h.objects["in-4"] = stored
	h.mu.Unlock()

	rec, err := wait(t, h.m.EnqueueDownload(ctx, id))
	require.NoError(t, err)
	assert.Equal(t, models.StateStreamReady, rec.State)
}

func TestManager_CancelOneWaiterKeepsTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addPointer("in-5", []byte("shared"))
	gate := h.gateDownloads()

	f1 := h.m.EnqueueDownload(ctx, id)
	f2 := h.m.EnqueueDownload(ctx, id)
	require.Eventually(t, func() bool { return h.gets.Load() == 1 }, 5*time.Second, time.Millisecond)

	f1.Cancel()
	_, err := wait(t, f1)
	require.ErrorIs(t, err, common.ErrCancelled)

	close(gate)
	rec, err := wait(t, f2)
	require.NoError(t, err)
	assert.Equal(t, models.StateStreamReady, rec.State)
	assert.Equal(t, int32(1), h.gets.Load())
}

func TestManager_WaiterContextWithdrawsCaller(t *testing.T) {
	h := newHarness(t)
	id := h.addPointer("in-6", []byte("shared"))
	gate := h.gateDownloads()

	short, cancel := context.WithCancel(context.Background())
	f1 := h.m.EnqueueDownload(short, id)
	f2 := h.m.EnqueueDownload(context.Background(), id)
	require.Eventually(t, func() bool { return h.gets.Load() == 1 }, 5*time.Second, time.Millisecond)

	cancel()
	_, err := wait(t, f1)
	require.ErrorIs(t, err, common.ErrCancelled)

	close(gate)
	_, err = wait(t, f2)
	require.NoError(t, err)
}

func TestManager_CancelAllWaitersAbortsTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addPointer("in-7", []byte("never"))
	h.gateDownloads()

	f1 := h.m.EnqueueDownload(ctx, id)
	f2 := h.m.EnqueueDownload(ctx, id)
	require.Eventually(t, func() bool { return h.gets.Load() == 1 }, 5*time.Second, time.Millisecond)
	require.Equal(t, models.StateDownloading, h.get(id).State)

	f1.Cancel()
	f2.Cancel()

	require.Eventually(t, func() bool {
		return h.get(id).State == models.StatePointerAwaiting
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.blobNames())
}

func TestManager_CancelByID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addPointer("in-8", []byte("never"))
	h.gateDownloads()

	f1 := h.m.EnqueueDownload(ctx, id)
	f2 := h.m.EnqueueDownload(ctx, id)
	require.Eventually(t, func() bool { return h.gets.Load() == 1 }, 5*time.Second, time.Millisecond)

	assert.True(t, h.m.Cancel(id))
	_, err1 := wait(t, f1)
	_, err2 := wait(t, f2)
	assert.ErrorIs(t, err1, common.ErrCancelled)
	assert.ErrorIs(t, err2, common.ErrCancelled)
	assert.False(t, h.m.Cancel("unknown"))
}

func TestManager_OnlyPointerToStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addPointer("in-9", []byte("once"))

	// a pointer cannot be uploaded
	_, err := wait(t, h.m.EnqueueUpload(ctx, id))
	require.ErrorIs(t, err, common.ErrInvalidTransition)

	rec, err := wait(t, h.m.EnqueueDownload(ctx, id))
	require.NoError(t, err)
	require.Equal(t, models.VariantStream, rec.Variant)

	// a stream resolves without network and never goes back
	again, err := wait(t, h.m.EnqueueDownload(ctx, id))
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	assert.Equal(t, int32(1), h.gets.Load())

	_, err = h.store.Mutate(ctx, id, func(a *models.Attachment) error {
		a.Variant = models.VariantPointer
		a.State = models.StatePointerAwaiting
		return nil
	})
	require.ErrorIs(t, err, common.ErrInvalidTransition)
	assert.Equal(t, models.VariantStream, h.get(id).Variant)
}

func TestManager_RestorePointerNeedsCoordinates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	plaintext := []byte("restored from backup")
	blob, err := cryptox.EncryptBlob(plaintext)
	require.NoError(t, err)
	h.set(func() { h.objects["restored-1"] = blob.Ciphertext })

	id, err := h.m.RegisterRestorePointer(ctx, models.RestoreParams{
		ContentType:    "text/plain",
		EncryptionKey:  blob.Key,
		Digest:         blob.Digest,
		ByteCount:      uint32(len(plaintext)),
		SourceFilename: "note.txt",
	})
	require.NoError(t, err)

	_, err = wait(t, h.m.EnqueueDownload(ctx, id))
	require.ErrorIs(t, err, common.ErrDownloadRejected)
	assert.Equal(t, int32(0), h.gets.Load())
	assert.Equal(t, models.StatePointerAwaiting, h.get(id).State)

	require.ErrorIs(t, h.m.SupplyCoordinates(ctx, id, models.CDNCoordinates{ServerID: 5}), common.ErrDownloadRejected)
	require.NoError(t, h.m.SupplyCoordinates(ctx, id, models.CDNCoordinates{CDNKey: "restored-1", Bucket: testBucket}))

	rec, err := wait(t, h.m.EnqueueDownload(ctx, id))
	require.NoError(t, err)
	assert.Equal(t, models.StateStreamReady, rec.State)
	got, err := os.ReadFile(h.store.BlobPath(rec))
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	err = h.m.SupplyCoordinates(ctx, id, models.CDNCoordinates{CDNKey: "other"})
	require.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestManager_ServerIDOnlyPointerIsRejectedUpFront(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	blob, err := cryptox.EncryptBlob([]byte("legacy"))
	require.NoError(t, err)
	id, err := h.m.RegisterPointer(ctx, models.PointerParams{
		ServerID:      77,
		EncryptionKey: blob.Key,
		Digest:        blob.Digest,
		ContentType:   "image/jpeg",
	})
	require.NoError(t, err)

	_, err = wait(t, h.m.EnqueueDownload(ctx, id))
	require.ErrorIs(t, err, common.ErrDownloadRejected)
	assert.Equal(t, int32(0), h.gets.Load())
	assert.Equal(t, models.StatePointerAwaiting, h.get(id).State)
}

func TestManager_ResolveDisplayablePlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addPointer("in-10", []byte("later"))
	require.NoError(t, h.m.UpdateBlurHash(ctx, id, "LEHV6nWB2yk8"))

	d, err := h.m.ResolveDisplayable(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Placeholder)
	assert.Empty(t, d.LocalPath)
	assert.Equal(t, "LEHV6nWB2yk8", *d.BlurHash)
	assert.Equal(t, "image/jpeg", d.ContentType)
	assert.True(t, d.VisualMedia)
	assert.False(t, d.LoopingVideo)
	assert.False(t, d.Borderless)
	assert.False(t, d.OversizeText)

	_, err = h.m.ResolveDisplayable(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, h.m.UpdateBlurHash(ctx, "missing", "x"), common.ErrNotFound)
}

func TestManager_CreateOutgoingOptions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	blur := "LKO2?U%2Tw=w"
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	id, err := h.m.CreateOutgoing(ctx, png, "", OutgoingOptions{
		BlurHash:       &blur,
		AttachmentType: models.AttachmentTypeBorderless,
	})
	require.NoError(t, err)

	rec := h.get(id)
	assert.Equal(t, "image/png", rec.ContentType)
	require.NotNil(t, rec.BlurHash)
	assert.Equal(t, blur, *rec.BlurHash)

	d, err := h.m.ResolveDisplayable(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Placeholder)
	assert.True(t, d.Borderless)

	// an explicit type is kept even when the bytes say otherwise
	id, err = h.m.CreateOutgoing(ctx, png, models.MimeTypeOversizeText, OutgoingOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.MimeTypeOversizeText, h.get(id).ContentType)
	d, err = h.m.ResolveDisplayable(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.OversizeText)
}

func TestManager_AlbumOrderAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	album := strPtr("msg-1")

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := h.m.CreateOutgoing(ctx, randomBytes(t, 32), "image/jpeg", OutgoingOptions{AlbumID: album})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	other, err := h.m.CreateOutgoing(ctx, randomBytes(t, 32), "image/jpeg", OutgoingOptions{})
	require.NoError(t, err)

	members, err := h.store.ListByAlbum(ctx, *album)
	require.NoError(t, err)
	var got []string
	for _, a := range members {
		got = append(got, a.ID)
	}
	assert.Equal(t, ids, got)

	removed, err := h.m.DeleteAlbum(ctx, *album)
	require.NoError(t, err)
	assert.Equal(t, ids, removed)

	for _, id := range ids {
		_, err := h.store.Get(ctx, id)
		assert.ErrorIs(t, err, common.ErrNotFound)
	}
	assert.Len(t, h.blobNames(), 1)
	assert.Equal(t, other, h.get(other).ID)
}

func TestManager_DeleteSingle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.m.CreateOutgoing(ctx, []byte("x"), "text/plain", OutgoingOptions{})
	require.NoError(t, err)

	require.NoError(t, h.m.Delete(ctx, id))
	assert.Empty(t, h.blobNames())
	assert.ErrorIs(t, h.m.Delete(ctx, id), common.ErrNotFound)
}

func TestManager_ResumePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	up, err := h.m.CreateOutgoing(ctx, randomBytes(t, 100), "image/png", OutgoingOptions{})
	require.NoError(t, err)
	down := h.addPointer("in-11", []byte("resume me"))

	// simulate a crash mid-transfer
	for id, st := range map[string]models.State{up: models.StateUploading, down: models.StateDownloading} {
		st := st
		_, err := h.store.Mutate(ctx, id, func(a *models.Attachment) error {
			a.State = st
			return nil
		})
		require.NoError(t, err)
	}

	futures, err := h.m.ResumePending(ctx)
	require.NoError(t, err)
	require.Len(t, futures, 2)
	for _, f := range futures {
		_, err := wait(t, f)
		require.NoError(t, err)
	}

	assert.Equal(t, models.StateStreamUploaded, h.get(up).State)
	assert.Equal(t, models.StateStreamReady, h.get(down).State)
}

func TestManager_Reconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.m.CreateOutgoing(ctx, []byte("x"), "text/plain", OutgoingOptions{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(h.store.BlobPath(h.get(id))))

	report, err := h.m.Reconcile(ctx)
	require.ErrorIs(t, err, common.ErrStorageCorruption)
	assert.Equal(t, []string{id}, report.PurgedRecords)

	report, err = h.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Empty())
}

func TestManager_CreateOutgoingTooLarge(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.CreateOutgoing(context.Background(), make([]byte, cryptox.MaxPlaintextBytes+1), "video/mp4", OutgoingOptions{})
	require.ErrorIs(t, err, common.ErrTooLarge)
	assert.Empty(t, h.blobNames())
}
