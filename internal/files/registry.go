// Package files owns file metadata: creation with quota reservation, listing,
// owner-scoped mutation, sharing and download accounting.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/agjmills/cloudfiles/internal/access"
	"github.com/agjmills/cloudfiles/internal/apperror"
	"github.com/agjmills/cloudfiles/internal/database/models"
	"github.com/agjmills/cloudfiles/internal/logger"
	"github.com/agjmills/cloudfiles/internal/metrics"
	"github.com/agjmills/cloudfiles/internal/quota"
	"github.com/agjmills/cloudfiles/internal/storage"
	"github.com/dustin/go-humanize"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

var (
	ErrNotFound           = apperror.NotFound("file not found or you are not the owner")
	ErrForbidden          = apperror.Forbidden("you do not have access to this file")
	ErrContentMissing     = apperror.NotFound("stored file content not found")
	ErrSelfShare          = apperror.Conflict("you cannot share a file with yourself")
	ErrTargetUserNotFound = apperror.NotFound("user not found")
	ErrNotShared          = apperror.Conflict("file is not shared with this user")
	ErrInvalidPermission  = apperror.Validation(apperror.FieldError{Field: "permission", Message: "permission must be read or write"})
	ErrSizeMismatch       = errors.New("stored size does not match declared size")
)

type Registry struct {
	db     *gorm.DB
	store  storage.StorageBackend
	ledger *quota.Ledger
}

func NewRegistry(db *gorm.DB, store storage.StorageBackend, ledger *quota.Ledger) *Registry {
	return &Registry{db: db, store: store, ledger: ledger}
}

type CreateParams struct {
	OwnerID      uint
	OriginalName string
	MimeType     string
	IsPublic     bool
	Content      io.Reader
	Size         int64 // Must equal the number of bytes Content yields
}

// Create reserves quota, stores the bytes and records the file in one
// transaction. If anything fails after the bytes were written they are
// deleted again, so a rejected upload leaves no trace.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*models.File, error) {
	var (
		file      models.File
		savedPath string
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ledger.Reserve(tx, p.OwnerID, p.Size); err != nil {
			return err
		}

		// The transaction stays open across the write; on sqlite that is
		// the only connection.
		result, err := r.store.Save(ctx, p.Content, storage.SaveOptions{
			OriginalFilename: p.OriginalName,
			ContentType:      p.MimeType,
		})
		if err != nil {
			return fmt.Errorf("failed to store file: %w", err)
		}
		savedPath = result.Path

		if result.Size != p.Size {
			return fmt.Errorf("%w: declared %d, stored %d", ErrSizeMismatch, p.Size, result.Size)
		}

		file = models.File{
			UserID:       p.OwnerID,
			StoredName:   result.Path,
			OriginalName: p.OriginalName,
			MimeType:     p.MimeType,
			Size:         result.Size,
			StoragePath:  result.Path,
			Hash:         result.Hash,
			IsPublic:     p.IsPublic,
		}
		if err := tx.Create(&file).Error; err != nil {
			return fmt.Errorf("failed to create file record: %w", err)
		}

		return r.ledger.AddFile(tx, p.OwnerID, file.ID)
	})
	if err != nil {
		if savedPath != "" {
			r.discard(ctx, savedPath)
		}
		return nil, err
	}

	metrics.RecordFileUpload(file.Size)
	logger.FromContext(ctx).Info("file uploaded",
		"file_id", file.ID,
		"owner_id", file.UserID,
		"size", humanize.IBytes(uint64(file.Size)),
	)
	return &file, nil
}

// discard removes bytes whose metadata never committed. Failures are left
// to the orphan sweeper.
func (r *Registry) discard(ctx context.Context, path string) {
	if err := r.store.Delete(context.WithoutCancel(ctx), path); err != nil {
		logger.FromContext(ctx).Warn("failed to discard uncommitted upload", "path", path, "error", err)
	}
}

// Get loads a file with its shares, regardless of who is asking.
func (r *Registry) Get(ctx context.Context, id uint) (*models.File, error) {
	var file models.File
	err := r.db.WithContext(ctx).
		Preload("Shares", func(db *gorm.DB) *gorm.DB { return db.Order("created_at") }).
		Preload("Shares.User").
		First(&file, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("file not found")
		}
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	return &file, nil
}

// GetForActor loads a file the actor is allowed to read.
func (r *Registry) GetForActor(ctx context.Context, actor *models.User, id uint) (*models.File, error) {
	file, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !access.CanRead(actor, file) {
		return nil, ErrForbidden
	}
	return file, nil
}

// GetPublic loads a public file by its stored name. Private files are
// reported as missing.
func (r *Registry) GetPublic(ctx context.Context, storedName string) (*models.File, error) {
	var file models.File
	err := r.db.WithContext(ctx).
		Where("stored_name = ? AND is_public = ?", storedName, true).
		First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("file not found")
		}
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	return &file, nil
}

type ListFilter struct {
	Search   string // Case-insensitive substring of original or stored name
	MimeType string // Case-insensitive substring of the content type
	Page     int
	Limit    int
}

type Page[T any] struct {
	Items []T
	Total int64
	Page  int
	Limit int
	Pages int
}

// normalizePage applies the listing defaults to out-of-range values.
func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	return page, min(limit, MaxLimit)
}

func pageCount(total int64, limit int) int {
	return int(math.Ceil(float64(total) / float64(limit)))
}

// List returns the owner's files, newest first.
func (r *Registry) List(ctx context.Context, ownerID uint, f ListFilter) (Page[models.File], error) {
	page, limit := normalizePage(f.Page, f.Limit)

	query := r.db.WithContext(ctx).Model(&models.File{}).Where("user_id = ?", ownerID)
	if f.Search != "" {
		pattern := likePattern(f.Search)
		query = query.Where(
			`(LOWER(original_name) LIKE ? ESCAPE '\' OR LOWER(stored_name) LIKE ? ESCAPE '\')`,
			pattern, pattern,
		)
	}
	if f.MimeType != "" {
		query = query.Where(`LOWER(mime_type) LIKE ? ESCAPE '\'`, likePattern(f.MimeType))
	}

	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return Page[models.File]{}, fmt.Errorf("failed to count files: %w", err)
	}

	var items []models.File
	err := query.Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return Page[models.File]{}, fmt.Errorf("failed to list files: %w", err)
	}

	return Page[models.File]{Items: items, Total: total, Page: page, Limit: limit, Pages: pageCount(total, limit)}, nil
}

// SharedFile is a file seen from a user it was shared with.
type SharedFile struct {
	models.File
	Permission string
}

// ListSharedWithMe returns files shared with userID, most recently updated
// first, with owners loaded.
func (r *Registry) ListSharedWithMe(ctx context.Context, userID uint, page, limit int) (Page[SharedFile], error) {
	page, limit = normalizePage(page, limit)

	db := r.db.WithContext(ctx)
	sharedIDs := db.Model(&models.Share{}).Select("file_id").Where("user_id = ?", userID)
	query := db.Model(&models.File{}).Where("id IN (?)", sharedIDs).Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return Page[SharedFile]{}, fmt.Errorf("failed to count shared files: %w", err)
	}

	var found []models.File
	err := query.
		Preload("User", func(db *gorm.DB) *gorm.DB { return db.Select("id", "username", "email") }).
		Preload("Shares", "user_id = ?", userID).
		Order("updated_at DESC").Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&found).Error
	if err != nil {
		return Page[SharedFile]{}, fmt.Errorf("failed to list shared files: %w", err)
	}

	items := make([]SharedFile, 0, len(found))
	for _, f := range found {
		items = append(items, SharedFile{File: f, Permission: f.PermissionFor(userID)})
	}

	return Page[SharedFile]{Items: items, Total: total, Page: page, Limit: limit, Pages: pageCount(total, limit)}, nil
}

// UpdateParams carries the optional fields of an owner update. Nil means
// leave unchanged.
type UpdateParams struct {
	OriginalName *string
	IsPublic     *bool
}

// Update renames and/or changes visibility. The write is predicated on
// both id and owner, so a non-owner gets ErrNotFound and changes nothing.
func (r *Registry) Update(ctx context.Context, ownerID, id uint, p UpdateParams) (*models.File, error) {
	changes := map[string]any{}
	if p.OriginalName != nil {
		changes["original_name"] = *p.OriginalName
	}
	if p.IsPublic != nil {
		changes["is_public"] = *p.IsPublic
	}

	if len(changes) > 0 {
		result := r.db.WithContext(ctx).Model(&models.File{}).
			Where("id = ? AND user_id = ?", id, ownerID).
			Updates(changes)
		if result.Error != nil {
			return nil, fmt.Errorf("failed to update file: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, ErrNotFound
		}
	}

	file, err := r.Get(ctx, id)
	if err != nil || file.UserID != ownerID {
		return nil, ErrNotFound
	}
	return file, nil
}

// Delete removes the owner's file record, its shares and its quota charge in
// one transaction, then deletes the stored bytes.
func (r *Registry) Delete(ctx context.Context, ownerID, id uint) error {
	var file models.File
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", id, ownerID).First(&file).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load file: %w", err)
		}

		if err := tx.Where("file_id = ?", file.ID).Delete(&models.Share{}).Error; err != nil {
			return fmt.Errorf("failed to delete shares: %w", err)
		}

		result := tx.Where("id = ? AND user_id = ?", file.ID, ownerID).Delete(&models.File{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete file record: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		if err := r.ledger.Release(tx, ownerID, file.Size); err != nil {
			return err
		}
		return r.ledger.RemoveFile(tx, ownerID, file.ID)
	})
	if err != nil {
		return err
	}

	if err := r.store.Delete(context.WithoutCancel(ctx), file.StoragePath); err != nil {
		logger.FromContext(ctx).Warn("failed to delete stored bytes, leaving for sweeper",
			"file_id", file.ID, "path", file.StoragePath, "error", err)
	}

	metrics.RecordFileDelete()
	logger.FromContext(ctx).Info("file deleted", "file_id", file.ID, "owner_id", ownerID)
	return nil
}

// Share grants targetUserID access to the owner's file, or changes the
// permission of an existing grant. An empty permission means read.
func (r *Registry) Share(ctx context.Context, ownerID, id, targetUserID uint, permission string) (*models.File, error) {
	if permission == "" {
		permission = models.PermissionRead
	}
	if permission != models.PermissionRead && permission != models.PermissionWrite {
		return nil, ErrInvalidPermission
	}

	var target models.User
	if err := r.db.WithContext(ctx).Select("id").First(&target, targetUserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTargetUserNotFound
		}
		return nil, fmt.Errorf("failed to load target user: %w", err)
	}
	if targetUserID == ownerID {
		return nil, ErrSelfShare
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchOwned(tx, ownerID, id); err != nil {
			return err
		}

		share := models.Share{FileID: id, UserID: targetUserID, Permission: permission}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "file_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"permission", "updated_at"}),
		}).Create(&share).Error
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordShare("share")
	return r.Get(ctx, id)
}

// Unshare revokes targetUserID's access to the owner's file.
func (r *Registry) Unshare(ctx context.Context, ownerID, id, targetUserID uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchOwned(tx, ownerID, id); err != nil {
			return err
		}

		result := tx.Where("file_id = ? AND user_id = ?", id, targetUserID).Delete(&models.Share{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete share: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotShared
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.RecordShare("unshare")
	return nil
}

// touchOwned bumps updated_at on the owner's file, failing with ErrNotFound
// if it does not exist or belongs to someone else.
func touchOwned(tx *gorm.DB, ownerID, id uint) error {
	result := tx.Model(&models.File{}).
		Where("id = ? AND user_id = ?", id, ownerID).
		UpdateColumn("updated_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("failed to update file: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDownload atomically increments the download counter.
func (r *Registry) RecordDownload(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Model(&models.File{}).
		Where("id = ?", id).
		UpdateColumn("download_count", gorm.Expr("download_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("failed to record download: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperror.NotFound("file not found")
	}
	return nil
}

// Open returns the stored bytes of file.
func (r *Registry) Open(ctx context.Context, file *models.File) (io.ReadCloser, error) {
	rc, err := r.store.Open(ctx, file.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrContentMissing
		}
		return nil, fmt.Errorf("failed to open stored file: %w", err)
	}
	return rc, nil
}

// likePattern lowercases s and escapes LIKE wildcards so it matches as a
// literal substring.
func likePattern(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
	return "%" + s + "%"
}
