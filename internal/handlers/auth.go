package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agjmills/cloudfiles/internal/apperror"
	"github.com/agjmills/cloudfiles/internal/auth"
	"github.com/agjmills/cloudfiles/internal/config"
	"github.com/agjmills/cloudfiles/internal/database"
	"github.com/agjmills/cloudfiles/internal/database/models"
	"github.com/agjmills/cloudfiles/internal/logger"
	"github.com/agjmills/cloudfiles/internal/metrics"
	"github.com/agjmills/cloudfiles/internal/respond"
	"gorm.io/gorm"
)

var (
	errRegistrationDisabled = apperror.Forbidden("registration is disabled")
	errEmailTaken           = apperror.Conflict("email is already registered")
	errUsernameTaken        = apperror.Conflict("username is already taken")
	errBadCredentials       = apperror.Unauthenticated("invalid email or password")
	errBadCurrentPassword   = apperror.Unauthenticated("current password is incorrect")
)

type AuthHandler struct {
	db     *gorm.DB
	cfg    *config.Config
	issuer *auth.TokenIssuer
}

func NewAuthHandler(db *gorm.DB, cfg *config.Config, issuer *auth.TokenIssuer) *AuthHandler {
	return &AuthHandler{
		db:     db,
		cfg:    cfg,
		issuer: issuer,
	}
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type UpdateProfileRequest struct {
	Username *string `json:"username" validate:"omitempty,min=3,max=50"`
	Email    *string `json:"email" validate:"omitempty,email,max=255"`
}

type UpdatePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=6,max=72"`
}

type sessionResponse struct {
	User  userView `json:"user"`
	Token string   `json:"token"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.EnableRegistration {
		respond.Error(w, r, errRegistrationDisabled)
		return
	}

	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	req.Email = normalizeEmail(req.Email)

	if err := h.checkAvailable(r, 0, &req.Username, &req.Email); err != nil {
		metrics.RecordRegistration(false)
		respond.Error(w, r, err)
		return
	}

	passwordHash, err := auth.HashPassword(req.Password, h.cfg.BcryptCost)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	user := models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: passwordHash,
		Role:         models.RoleUser,
		StorageLimit: h.cfg.DefaultUserQuota,
	}
	if err := h.db.WithContext(r.Context()).Create(&user).Error; err != nil {
		metrics.RecordRegistration(false)
		respond.Error(w, r, uniqueViolation(err))
		return
	}

	token, err := h.issuer.Issue(user.ID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	metrics.RecordRegistration(true)
	logger.FromContext(r.Context()).Info("user registered", "user_id", user.ID, "username", user.Username)
	respond.Success(w, http.StatusCreated, "registration successful", sessionResponse{
		User:  newUserView(&user),
		Token: token,
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	var user models.User
	err := h.db.WithContext(r.Context()).Where("email = ?", normalizeEmail(req.Email)).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		respond.Error(w, r, fmt.Errorf("failed to load user: %w", err))
		return
	}
	if err != nil || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		metrics.RecordLogin(false)
		logger.FromContext(r.Context()).Info("login failed", "email", req.Email)
		respond.Error(w, r, errBadCredentials)
		return
	}

	token, err := h.issuer.Issue(user.ID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	metrics.RecordLogin(true)
	respond.Success(w, http.StatusOK, "login successful", sessionResponse{
		User:  newUserView(&user),
		Token: token,
	})
}

// Me returns the caller's profile, including storage usage.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)
	respond.OK(w, map[string]any{
		"user": newUserView(user).withCreatedAt(user.CreatedAt),
	})
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)

	var req UpdateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	if req.Email != nil {
		email := normalizeEmail(*req.Email)
		req.Email = &email
	}

	if err := h.checkAvailable(r, user.ID, req.Username, req.Email); err != nil {
		respond.Error(w, r, err)
		return
	}

	changes := map[string]any{}
	if req.Username != nil {
		changes["username"] = *req.Username
	}
	if req.Email != nil {
		changes["email"] = *req.Email
	}

	if len(changes) > 0 {
		err := h.db.WithContext(r.Context()).Model(&models.User{}).Where("id = ?", user.ID).Updates(changes).Error
		if err != nil {
			respond.Error(w, r, uniqueViolation(err))
			return
		}
	}

	var updated models.User
	if err := h.db.WithContext(r.Context()).First(&updated, user.ID).Error; err != nil {
		respond.Error(w, r, fmt.Errorf("failed to reload user: %w", err))
		return
	}

	respond.Success(w, http.StatusOK, "profile updated", map[string]any{
		"user": newUserView(&updated),
	})
}

// UpdatePassword replaces the caller's password and issues a fresh token.
func (h *AuthHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)

	var req UpdatePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	if !auth.VerifyPassword(user.PasswordHash, req.CurrentPassword) {
		respond.Error(w, r, errBadCurrentPassword)
		return
	}

	passwordHash, err := auth.HashPassword(req.NewPassword, h.cfg.BcryptCost)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	err = h.db.WithContext(r.Context()).Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("password_hash", passwordHash).Error
	if err != nil {
		respond.Error(w, r, fmt.Errorf("failed to update password: %w", err))
		return
	}

	token, err := h.issuer.Issue(user.ID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("password changed", "user_id", user.ID)
	respond.Success(w, http.StatusOK, "password updated", map[string]any{"token": token})
}

// checkAvailable fails if the username or email is held by a user other than
// selfID. Nil values are not checked.
func (h *AuthHandler) checkAvailable(r *http.Request, selfID uint, username, email *string) error {
	db := h.db.WithContext(r.Context())

	if email != nil {
		var count int64
		if err := db.Model(&models.User{}).Where("email = ? AND id <> ?", *email, selfID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check email: %w", err)
		}
		if count > 0 {
			return errEmailTaken
		}
	}

	if username != nil {
		var count int64
		if err := db.Model(&models.User{}).Where("username = ? AND id <> ?", *username, selfID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check username: %w", err)
		}
		if count > 0 {
			return errUsernameTaken
		}
	}

	return nil
}

// uniqueViolation reports a lost race on the unique indexes as a conflict.
func uniqueViolation(err error) error {
	if database.IsUniqueViolation(err) {
		return apperror.Conflict("username or email is already in use")
	}
	return fmt.Errorf("failed to save user: %w", err)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
