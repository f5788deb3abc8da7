package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/inkwell-cms/apiserver/types"
	"github.com/lib/pq"
)

type mediaTable struct {
	table    string
	tagTable string
	fkColumn string
}

var mediaTables = map[types.ResourceKind]mediaTable{
	types.KindArticle: {table: "articles", tagTable: "article_tags", fkColumn: "article_id"},
	types.KindPhoto:   {table: "photos", tagTable: "photo_tags", fkColumn: "photo_id"},
	types.KindVideo:   {table: "videos", tagTable: "video_tags", fkColumn: "video_id"},
}

func tableFor(kind types.ResourceKind) (mediaTable, error) {
	t, ok := mediaTables[kind]
	if !ok {
		return mediaTable{}, fmt.Errorf("unknown resource kind %q", kind)
	}
	return t, nil
}

// MediaRepository handles persistence for media records of every kind.
type MediaRepository struct {
	db *sql.DB
}

func NewMediaRepository(db *sql.DB) *MediaRepository {
	return &MediaRepository{db: db}
}

func (t mediaTable) selectColumns() string {
	return fmt.Sprintf(`m.id, COALESCE(m.storage_key, ''), m.url, m.content_type, m.bytes, m.description,
		       m.category_id, m.version, m.created_at, m.updated_at,
		       ARRAY(SELECT tag_id FROM %s WHERE %s = m.id ORDER BY tag_id)`, t.tagTable, t.fkColumn)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, kind types.ResourceKind) (types.MediaRecord, error) {
	var rec types.MediaRecord
	var categoryID sql.NullInt64
	var tagIDs pq.Int64Array
	if err := row.Scan(
		&rec.ID,
		&rec.StorageKey,
		&rec.URL,
		&rec.ContentType,
		&rec.Bytes,
		&rec.Description,
		&categoryID,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&tagIDs,
	); err != nil {
		return types.MediaRecord{}, err
	}
	rec.Kind = kind
	if categoryID.Valid {
		id := categoryID.Int64
		rec.CategoryID = &id
	}
	rec.TagIDs = []int64(tagIDs)
	if rec.TagIDs == nil {
		rec.TagIDs = []int64{}
	}
	return rec, nil
}

func (r *MediaRepository) List(ctx context.Context, kind types.ResourceKind, offset, limit int) ([]types.MediaRecord, int, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 20
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+t.table).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + t.selectColumns() + `
		FROM ` + t.table + ` m
		ORDER BY m.id
		OFFSET $1 LIMIT $2`
	rows, err := r.db.QueryContext(ctx, listQuery, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records := make([]types.MediaRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows, kind)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

func (r *MediaRepository) Get(ctx context.Context, kind types.ResourceKind, id int64) (types.MediaRecord, error) {
	t, err := tableFor(kind)
	if err != nil {
		return types.MediaRecord{}, err
	}

	query := `SELECT ` + t.selectColumns() + ` FROM ` + t.table + ` m WHERE m.id = $1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id), kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.MediaRecord{}, ErrNotFound
		}
		return types.MediaRecord{}, err
	}
	return rec, nil
}

// FindByStorageKey returns the record of kind that claims key.
func (r *MediaRepository) FindByStorageKey(ctx context.Context, kind types.ResourceKind, key string) (types.MediaRecord, error) {
	t, err := tableFor(kind)
	if err != nil {
		return types.MediaRecord{}, err
	}

	query := `SELECT ` + t.selectColumns() + ` FROM ` + t.table + ` m WHERE m.storage_key = $1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, key), kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.MediaRecord{}, ErrNotFound
		}
		return types.MediaRecord{}, err
	}
	return rec, nil
}

// Create inserts rec with version 1. Category and tag references that do not
// resolve are dropped rather than rejected.
func (r *MediaRepository) Create(ctx context.Context, rec types.MediaRecord) (types.MediaRecord, error) {
	t, err := tableFor(rec.Kind)
	if err != nil {
		return types.MediaRecord{}, err
	}

	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.MediaRecord{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		INSERT INTO ` + t.table + ` (storage_key, url, content_type, bytes, description, category_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, (SELECT id FROM categories WHERE id = $6), 1, $7, $8)
		RETURNING id, category_id, version`
	var categoryID sql.NullInt64
	if err := tx.QueryRowContext(
		ctx,
		query,
		nullIfEmpty(rec.StorageKey),
		rec.URL,
		rec.ContentType,
		rec.Bytes,
		rec.Description,
		nullInt64(rec.CategoryID),
		rec.CreatedAt,
		rec.UpdatedAt,
	).Scan(&rec.ID, &categoryID, &rec.Version); err != nil {
		return types.MediaRecord{}, mapWriteError(err)
	}
	rec.CategoryID = int64Ptr(categoryID)

	rec.TagIDs, err = replaceTags(ctx, tx, t, rec.ID, rec.TagIDs)
	if err != nil {
		return types.MediaRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return types.MediaRecord{}, mapWriteError(err)
	}
	return rec, nil
}

// Update writes rec if the stored version still equals expectedVersion and
// bumps the version by one. It returns ErrVersionConflict when another write
// got there first and ErrNotFound when the row is gone.
func (r *MediaRepository) Update(ctx context.Context, rec types.MediaRecord, expectedVersion int64) (types.MediaRecord, error) {
	t, err := tableFor(rec.Kind)
	if err != nil {
		return types.MediaRecord{}, err
	}

	rec.UpdatedAt = time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.MediaRecord{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		UPDATE ` + t.table + `
		SET storage_key = $1,
			url = $2,
			content_type = $3,
			bytes = $4,
			description = $5,
			category_id = (SELECT id FROM categories WHERE id = $6),
			version = version + 1,
			updated_at = $7
		WHERE id = $8 AND version = $9
		RETURNING category_id, version, created_at`
	var categoryID sql.NullInt64
	err = tx.QueryRowContext(
		ctx,
		query,
		nullIfEmpty(rec.StorageKey),
		rec.URL,
		rec.ContentType,
		rec.Bytes,
		rec.Description,
		nullInt64(rec.CategoryID),
		rec.UpdatedAt,
		rec.ID,
		expectedVersion,
	).Scan(&categoryID, &rec.Version, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.MediaRecord{}, r.missOrConflict(ctx, tx, t, rec.ID)
		}
		return types.MediaRecord{}, mapWriteError(err)
	}
	rec.CategoryID = int64Ptr(categoryID)

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.tagTable+` WHERE `+t.fkColumn+` = $1`, rec.ID); err != nil {
		return types.MediaRecord{}, err
	}
	rec.TagIDs, err = replaceTags(ctx, tx, t, rec.ID, rec.TagIDs)
	if err != nil {
		return types.MediaRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return types.MediaRecord{}, mapWriteError(err)
	}
	return rec, nil
}

func (r *MediaRepository) missOrConflict(ctx context.Context, tx *sql.Tx, t mediaTable, id int64) error {
	var version int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM `+t.table+` WHERE id = $1`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrVersionConflict
}

// Delete removes the row and returns the storage key it pointed at.
func (r *MediaRepository) Delete(ctx context.Context, kind types.ResourceKind, id int64) (string, error) {
	t, err := tableFor(kind)
	if err != nil {
		return "", err
	}

	var key string
	query := `DELETE FROM ` + t.table + ` WHERE id = $1 RETURNING COALESCE(storage_key, '')`
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return key, nil
}

// DeleteIfKey removes the row only while it still points at key. It reports
// whether a row was removed.
func (r *MediaRepository) DeleteIfKey(ctx context.Context, kind types.ResourceKind, id int64, key string) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM `+t.table+` WHERE id = $1 AND storage_key = $2`, id, key)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListKeys scans every (id, storage key) pair of kind that points at an object.
func (r *MediaRepository) ListKeys(ctx context.Context, kind types.ResourceKind) ([]types.KeyRef, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, storage_key
		FROM `+t.table+`
		WHERE storage_key IS NOT NULL AND storage_key <> ''
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []types.KeyRef
	for rows.Next() {
		var ref types.KeyRef
		if err := rows.Scan(&ref.ID, &ref.StorageKey); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

// replaceTags links id to the tags in tagIDs that exist and returns the
// linked ids.
func replaceTags(ctx context.Context, tx *sql.Tx, t mediaTable, id int64, tagIDs []int64) ([]int64, error) {
	linked := []int64{}
	if len(tagIDs) == 0 {
		return linked, nil
	}

	query := `
		INSERT INTO ` + t.tagTable + ` (` + t.fkColumn + `, tag_id)
		SELECT $1, id FROM tags WHERE id = ANY($2)
		ON CONFLICT DO NOTHING
		RETURNING tag_id`
	rows, err := tx.QueryContext(ctx, query, id, pq.Array(tagIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var tagID int64
		if err := rows.Scan(&tagID); err != nil {
			return nil, err
		}
		linked = append(linked, tagID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return linked, nil
}

func nullIfEmpty(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullInt64(value *int64) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *value, Valid: true}
}

func int64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	id := value.Int64
	return &id
}
