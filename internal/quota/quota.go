// Package quota tracks per-user storage consumption. Every mutation is a
// single conditional UPDATE so concurrent uploads cannot overshoot a limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/agjmills/cloudfiles/internal/apperror"
	"github.com/agjmills/cloudfiles/internal/database/models"
	"github.com/agjmills/cloudfiles/internal/metrics"
	"github.com/dustin/go-humanize"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrQuotaExceeded = apperror.New(apperror.KindQuotaExceeded, "storage quota exceeded")

var errUserNotFound = apperror.NotFound("user not found")

// Usage is a snapshot of a user's storage accounting.
type Usage struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Available int64 `json:"available"`
}

type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Check is a pure pre-check against a loaded user record. It does not
// reserve anything; Reserve remains authoritative.
func Check(user *models.User, size int64) error {
	if size < 0 {
		return apperror.New(apperror.KindValidation, "size must not be negative")
	}
	if user.StorageUsed+size > user.StorageLimit {
		return quotaError(user.StorageUsed, user.StorageLimit, size)
	}
	return nil
}

// Reserve adds size to the user's storage_used iff the result stays within
// storage_limit. Run it inside the transaction that creates the file.
func (l *Ledger) Reserve(tx *gorm.DB, userID uint, size int64) error {
	if size < 0 {
		return apperror.New(apperror.KindValidation, "size must not be negative")
	}

	result := tx.Model(&models.User{}).
		Where("id = ? AND storage_used + ? <= storage_limit", userID, size).
		UpdateColumn("storage_used", gorm.Expr("storage_used + ?", size))
	if result.Error != nil {
		return fmt.Errorf("failed to reserve quota: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	// Nothing updated: either the user is gone or the limit would be exceeded.
	var user models.User
	if err := tx.Select("id", "storage_used", "storage_limit").First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errUserNotFound
		}
		return fmt.Errorf("failed to load user: %w", err)
	}
	metrics.QuotaRejections.Inc()
	return quotaError(user.StorageUsed, user.StorageLimit, size)
}

// Release subtracts size from storage_used, flooring at zero.
func (l *Ledger) Release(tx *gorm.DB, userID uint, size int64) error {
	err := tx.Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumn("storage_used", gorm.Expr(
			"CASE WHEN storage_used >= ? THEN storage_used - ? ELSE 0 END", size, size,
		)).Error
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// AddFile appends fileID to the user's owned-file list.
func (l *Ledger) AddFile(tx *gorm.DB, userID, fileID uint) error {
	return l.updateFileIDs(tx, userID, func(ids []uint) []uint {
		if slices.Contains(ids, fileID) {
			return ids
		}
		return append(ids, fileID)
	})
}

func (l *Ledger) RemoveFile(tx *gorm.DB, userID, fileID uint) error {
	return l.updateFileIDs(tx, userID, func(ids []uint) []uint {
		return slices.DeleteFunc(ids, func(id uint) bool { return id == fileID })
	})
}

func (l *Ledger) updateFileIDs(tx *gorm.DB, userID uint, mutate func([]uint) []uint) error {
	var user models.User
	if err := tx.Select("id", "file_ids").First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errUserNotFound
		}
		return fmt.Errorf("failed to load user files: %w", err)
	}

	ids := mutate(slices.Clone([]uint(user.FileIDs)))
	if ids == nil {
		ids = []uint{}
	}
	err := tx.Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumn("file_ids", datatypes.NewJSONSlice(ids)).Error
	if err != nil {
		return fmt.Errorf("failed to update user files: %w", err)
	}
	return nil
}

// ErrLimitBelowUsage rejects a limit change that would leave a user over quota.
var ErrLimitBelowUsage = apperror.Conflict("storage limit cannot be lower than current usage")

// SetLimit changes a user's storage limit. The new limit must cover what the
// user already stores.
func (l *Ledger) SetLimit(ctx context.Context, userID uint, limit int64) error {
	if limit <= 0 {
		return apperror.Validation(apperror.FieldError{Field: "storageLimit", Message: "storage limit must be positive"})
	}

	result := l.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND storage_used <= ?", userID, limit).
		UpdateColumn("storage_limit", limit)
	if result.Error != nil {
		return fmt.Errorf("failed to set storage limit: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	if _, err := l.Usage(ctx, userID); err != nil {
		return err
	}
	return ErrLimitBelowUsage
}

func (l *Ledger) Usage(ctx context.Context, userID uint) (Usage, error) {
	var user models.User
	err := l.db.WithContext(ctx).Select("id", "storage_used", "storage_limit").First(&user, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Usage{}, errUserNotFound
		}
		return Usage{}, fmt.Errorf("failed to load usage: %w", err)
	}
	return UsageOf(&user), nil
}

func UsageOf(user *models.User) Usage {
	return Usage{
		Used:      user.StorageUsed,
		Limit:     user.StorageLimit,
		Available: max(user.StorageLimit-user.StorageUsed, 0),
	}
}

func quotaError(used, limit, size int64) error {
	msg := fmt.Sprintf("storage quota exceeded: %s used of %s, upload needs %s",
		humanize.IBytes(uint64(max(used, 0))),
		humanize.IBytes(uint64(max(limit, 0))),
		humanize.IBytes(uint64(max(size, 0))),
	)
	return &apperror.Error{Kind: apperror.KindQuotaExceeded, Message: msg, Cause: ErrQuotaExceeded}
}
