package handlers

import (
	"fmt"
	"net/http"

	"github.com/agjmills/cloudfiles/internal/apperror"
	"github.com/agjmills/cloudfiles/internal/auth"
	"github.com/agjmills/cloudfiles/internal/database/models"
	"github.com/agjmills/cloudfiles/internal/logger"
	"github.com/agjmills/cloudfiles/internal/quota"
	"github.com/agjmills/cloudfiles/internal/respond"
	"github.com/dustin/go-humanize"
	"gorm.io/gorm"
)

var errAdminUserNotFound = apperror.NotFound("user not found")

// AdminHandler serves read-mostly user management for admins. Routes are
// gated by auth.RequireRole.
type AdminHandler struct {
	db     *gorm.DB
	ledger *quota.Ledger
}

func NewAdminHandler(db *gorm.DB, ledger *quota.Ledger) *AdminHandler {
	return &AdminHandler{
		db:     db,
		ledger: ledger,
	}
}

type DashboardStats struct {
	TotalUsers       int64 `json:"totalUsers"`
	TotalFiles       int64 `json:"totalFiles"`
	TotalShares      int64 `json:"totalShares"`
	TotalStorageUsed int64 `json:"totalStorageUsed"`
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	db := h.db.WithContext(r.Context())
	var stats DashboardStats

	if err := db.Model(&models.User{}).Count(&stats.TotalUsers).Error; err != nil {
		respond.Error(w, r, fmt.Errorf("failed to count users: %w", err))
		return
	}
	if err := db.Model(&models.File{}).Count(&stats.TotalFiles).Error; err != nil {
		respond.Error(w, r, fmt.Errorf("failed to count files: %w", err))
		return
	}
	if err := db.Model(&models.Share{}).Count(&stats.TotalShares).Error; err != nil {
		respond.Error(w, r, fmt.Errorf("failed to count shares: %w", err))
		return
	}
	if err := db.Model(&models.User{}).Select("COALESCE(SUM(storage_used), 0)").Scan(&stats.TotalStorageUsed).Error; err != nil {
		respond.Error(w, r, fmt.Errorf("failed to sum storage used: %w", err))
		return
	}

	respond.OK(w, map[string]any{"stats": stats})
}

type adminUserView struct {
	userView
	FileCount int64 `json:"fileCount"`
}

// Users lists every account with its file count, newest first.
func (h *AdminHandler) Users(w http.ResponseWriter, r *http.Request) {
	db := h.db.WithContext(r.Context())

	var users []models.User
	if err := db.Order("created_at DESC").Order("id DESC").Find(&users).Error; err != nil {
		respond.Error(w, r, fmt.Errorf("failed to list users: %w", err))
		return
	}

	// One aggregate query instead of a count per user.
	type fileAgg struct {
		UserID    uint
		FileCount int64
	}
	var aggs []fileAgg
	err := db.Model(&models.File{}).
		Select("user_id, COUNT(*) as file_count").
		Group("user_id").
		Scan(&aggs).Error
	if err != nil {
		respond.Error(w, r, fmt.Errorf("failed to aggregate file counts: %w", err))
		return
	}
	fileCounts := make(map[uint]int64, len(aggs))
	for _, agg := range aggs {
		fileCounts[agg.UserID] = agg.FileCount
	}

	views := make([]adminUserView, 0, len(users))
	for i := range users {
		u := &users[i]
		views = append(views, adminUserView{
			userView:  newUserView(u).withCreatedAt(u.CreatedAt),
			FileCount: fileCounts[u.ID],
		})
	}

	respond.OK(w, map[string]any{"users": views})
}

type UpdateQuotaRequest struct {
	StorageLimit int64 `json:"storageLimit" validate:"required,gt=0"`
}

// UpdateQuota sets a user's storage limit. Limits below current usage are
// rejected by the ledger.
func (h *AdminHandler) UpdateQuota(w http.ResponseWriter, r *http.Request) {
	admin := auth.GetUser(r)
	id, err := idParam(r, "id", errAdminUserNotFound)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	var req UpdateQuotaRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	if err := h.ledger.SetLimit(r.Context(), id, req.StorageLimit); err != nil {
		respond.Error(w, r, err)
		return
	}

	usage, err := h.ledger.Usage(r.Context(), id)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("storage limit updated",
		"admin_id", admin.ID,
		"user_id", id,
		"limit", humanize.IBytes(uint64(req.StorageLimit)),
	)
	respond.Success(w, http.StatusOK, "storage limit updated", map[string]any{"usage": usage})
}
