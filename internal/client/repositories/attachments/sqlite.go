package attachments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/dbx"
)

const columns = `seq, id, variant, state, attachment_type, server_id, cdn_key, cdn_number,
	bucket, credential, encryption_key, digest, content_type, byte_count, source_filename,
	blur_hash, caption, album_id, upload_timestamp, local_name`

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

var _ Repository = (*SQLiteRepository)(nil)

func (r *SQLiteRepository) Insert(ctx context.Context, a *models.Attachment) (int64, error) {
	query := `INSERT INTO attachments (id, variant, state, attachment_type, server_id, cdn_key,
			cdn_number, bucket, credential, encryption_key, digest, content_type, byte_count,
			source_filename, blur_hash, caption, album_id, upload_timestamp, local_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, query,
		a.ID, string(a.Variant), string(a.State), string(a.AttachmentType), int64(a.ServerID), a.CDNKey,
		int64(a.CDNNumber), a.Bucket, a.Credential, a.EncryptionKey, a.Digest, a.ContentType, int64(a.ByteCount),
		a.SourceFilename, nullString(a.BlurHash), nullString(a.Caption), nullString(a.AlbumID),
		int64(a.UploadTimestamp), a.LocalName)
	if err != nil {
		return 0, fmt.Errorf("failed to insert attachment: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get insert id: %w", err)
	}
	return seq, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, a *models.Attachment) error {
	query := `UPDATE attachments SET variant = ?, state = ?, attachment_type = ?, server_id = ?,
			cdn_key = ?, cdn_number = ?, bucket = ?, credential = ?, encryption_key = ?, digest = ?,
			byte_count = ?, source_filename = ?, blur_hash = ?, caption = ?, album_id = ?,
			upload_timestamp = ?, local_name = ?
		WHERE id = ?`

	res, err := r.db.ExecContext(ctx, query,
		string(a.Variant), string(a.State), string(a.AttachmentType), int64(a.ServerID),
		a.CDNKey, int64(a.CDNNumber), a.Bucket, a.Credential, a.EncryptionKey, a.Digest,
		int64(a.ByteCount), a.SourceFilename, nullString(a.BlurHash), nullString(a.Caption), nullString(a.AlbumID),
		int64(a.UploadTimestamp), a.LocalName,
		a.ID)
	if err != nil {
		return fmt.Errorf("failed to update attachment: %w", err)
	}
	return expectOneRow(res, a.ID)
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.Attachment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM attachments WHERE id = ?`, id)

	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return a, nil
}

func (r *SQLiteRepository) DeleteByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return expectOneRow(res, id)
}

func (r *SQLiteRepository) ListByAlbum(ctx context.Context, albumID string) ([]*models.Attachment, error) {
	return r.list(ctx, `SELECT `+columns+` FROM attachments WHERE album_id = ? ORDER BY seq`, albumID)
}

func (r *SQLiteRepository) ListByState(ctx context.Context, states ...models.State) ([]*models.Attachment, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	return r.list(ctx, `SELECT `+columns+` FROM attachments WHERE state IN (`+placeholders+`) ORDER BY seq`, args...)
}

func (r *SQLiteRepository) ListStreams(ctx context.Context) ([]*models.Attachment, error) {
	return r.list(ctx, `SELECT `+columns+` FROM attachments WHERE variant = ? ORDER BY seq`, string(models.VariantStream))
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*models.Attachment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select attachments: %w", err)
	}
	defer rows.Close()

	var result []*models.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttachment(s scanner) (*models.Attachment, error) {
	var (
		a                              models.Attachment
		variant, state, typ            string
		serverID, cdnNumber, byteCount int64
		uploadTS                       int64
		blurHash, caption, albumID     sql.NullString
	)
	err := s.Scan(&a.CreatedSeq, &a.ID, &variant, &state, &typ, &serverID, &a.CDNKey, &cdnNumber,
		&a.Bucket, &a.Credential, &a.EncryptionKey, &a.Digest, &a.ContentType, &byteCount, &a.SourceFilename,
		&blurHash, &caption, &albumID, &uploadTS, &a.LocalName)
	if err != nil {
		return nil, err
	}

	a.Variant = models.Variant(variant)
	a.State = models.State(state)
	a.AttachmentType = models.AttachmentType(typ)
	a.ServerID = uint64(serverID)
	a.CDNNumber = uint32(cdnNumber)
	a.ByteCount = uint32(byteCount)
	a.UploadTimestamp = uint64(uploadTS)
	a.BlurHash = fromNull(blurHash)
	a.Caption = fromNull(caption)
	a.AlbumID = fromNull(albumID)
	return &a, nil
}

func expectOneRow(res sql.Result, id string) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return fmt.Errorf("attachment %s: %w", id, common.ErrNotFound)
	}
	if ra != 1 {
		return fmt.Errorf("wrong rows affected count: %d", ra)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
