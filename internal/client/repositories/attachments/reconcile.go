package attachments

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/dbx"
	"github.com/dmitrijs2005/attachkit/internal/filex"
	"github.com/dmitrijs2005/attachkit/internal/logging"
)

// ReconcileReport lists what Reconcile removed.
type ReconcileReport struct {
	// PurgedRecords are ids of stream records whose blob was missing.
	PurgedRecords []string
	// OrphanBlobs are blob file names no record referenced.
	OrphanBlobs []string
	// TempFiles are leftovers of interrupted blob writes.
	TempFiles []string
}

// Empty reports whether nothing had to be repaired.
func (r *ReconcileReport) Empty() bool {
	return len(r.PurgedRecords) == 0 && len(r.OrphanBlobs) == 0
}

// Reconcile brings rows and blobs back in agreement. Stream records without
// a blob are deleted; blob files without a record are removed. Nothing is
// guessed or recreated. When anything was purged the returned error wraps
// common.ErrStorageCorruption; the report is valid either way.
func (s *Store) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &ReconcileReport{}
	referenced := make(map[string]struct{})

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteRepository(tx)
		streams, err := repo.ListStreams(ctx)
		if err != nil {
			return err
		}

		for _, a := range streams {
			ok := false
			if a.LocalName != "" {
				if ok, err = filex.Exists(s.BlobPath(a)); err != nil {
					return err
				}
			}
			if ok {
				referenced[a.LocalName] = struct{}{}
				continue
			}
			if err := repo.DeleteByID(ctx, a.ID); err != nil {
				return err
			}
			report.PurgedRecords = append(report.PurgedRecords, a.ID)
			s.log.Warn(ctx, "purged stream record without blob", logging.KeyAttachmentID, a.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile records: %w", err)
	}

	names, err := filex.ListFiles(s.blobDir)
	if err != nil {
		return nil, fmt.Errorf("reconcile blobs: %w", err)
	}
	for _, name := range names {
		if _, ok := referenced[name]; ok {
			continue
		}
		if err := filex.RemoveIfExists(filepath.Join(s.blobDir, name)); err != nil {
			return nil, fmt.Errorf("reconcile blobs: %w", err)
		}
		report.OrphanBlobs = append(report.OrphanBlobs, name)
		s.log.Warn(ctx, "removed orphan blob", "name", name)
	}

	temps, err := tempFiles(s.blobDir)
	if err != nil {
		return nil, fmt.Errorf("reconcile blobs: %w", err)
	}
	for _, name := range temps {
		if err := filex.RemoveIfExists(filepath.Join(s.blobDir, name)); err != nil {
			return nil, fmt.Errorf("reconcile blobs: %w", err)
		}
		report.TempFiles = append(report.TempFiles, name)
	}

	if !report.Empty() {
		return report, fmt.Errorf("purged %d records and %d blobs: %w",
			len(report.PurgedRecords), len(report.OrphanBlobs), common.ErrStorageCorruption)
	}
	return report, nil
}

func tempFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	return names, nil
}
