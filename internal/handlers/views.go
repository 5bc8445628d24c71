package handlers

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/agjmills/cloudfiles/internal/access"
	"github.com/agjmills/cloudfiles/internal/database/models"
	"github.com/agjmills/cloudfiles/internal/files"
	"github.com/agjmills/cloudfiles/internal/middleware"
	"github.com/agjmills/cloudfiles/internal/quota"
)

type userView struct {
	ID           uint        `json:"id"`
	Username     string      `json:"username"`
	Email        string      `json:"email"`
	Role         string      `json:"role"`
	StorageUsed  int64       `json:"storageUsed"`
	StorageLimit int64       `json:"storageLimit"`
	Usage        quota.Usage `json:"usage"`
	CreatedAt    *time.Time  `json:"createdAt,omitempty"`
}

func newUserView(u *models.User) userView {
	return userView{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		Role:         u.Role,
		StorageUsed:  u.StorageUsed,
		StorageLimit: u.StorageLimit,
		Usage:        quota.UsageOf(u),
	}
}

// withCreatedAt is the profile form returned by /auth/me.
func (v userView) withCreatedAt(t time.Time) userView {
	v.CreatedAt = &t
	return v
}

type ownerView struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type shareView struct {
	User       uint      `json:"user"`
	Username   string    `json:"username,omitempty"`
	Permission string    `json:"permission"`
	SharedAt   time.Time `json:"sharedAt"`
}

type fileView struct {
	ID            uint              `json:"id"`
	Filename      string            `json:"filename"`
	OriginalName  string            `json:"originalname"`
	MimeType      string            `json:"mimetype"`
	Size          int64             `json:"size"`
	Hash          string            `json:"hash,omitempty"`
	IsPublic      bool              `json:"isPublic"`
	Visibility    access.Visibility `json:"visibility"`
	Owner         any               `json:"owner"`
	DownloadCount int64             `json:"downloadCount"`
	SharedWith    []shareView       `json:"sharedWith,omitempty"`
	Permission    string            `json:"permission,omitempty"`
	CanEdit       bool              `json:"canEdit"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	AccessURL     *string           `json:"accessUrl"`
	DownloadURL   string            `json:"downloadUrl"`
}

type paginationView struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Pages int   `json:"pages"`
}

func newPaginationView[T any](p files.Page[T]) paginationView {
	return paginationView{Total: p.Total, Page: p.Page, Limit: p.Limit, Pages: p.Pages}
}

// newFileView renders file for actor. The share list is only shown to
// those who may change it.
func newFileView(base string, actor *models.User, f *models.File) fileView {
	v := fileView{
		ID:            f.ID,
		Filename:      f.StoredName,
		OriginalName:  f.OriginalName,
		MimeType:      f.MimeType,
		Size:          f.Size,
		Hash:          f.Hash,
		IsPublic:      f.IsPublic,
		Visibility:    access.EffectiveVisibility(f),
		Owner:         f.UserID,
		DownloadCount: f.DownloadCount,
		CanEdit:       access.CanWrite(actor, f),
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
		DownloadURL:   base + "/api/files/download/" + strconv.FormatUint(uint64(f.ID), 10),
	}
	if f.IsPublic {
		accessURL := base + "/api/files/access/" + f.StoredName
		v.AccessURL = &accessURL
	}
	if f.User.ID != 0 {
		v.Owner = ownerView{ID: f.User.ID, Username: f.User.Username, Email: f.User.Email}
	}
	if v.CanEdit {
		v.SharedWith = make([]shareView, 0, len(f.Shares))
		for _, s := range f.Shares {
			v.SharedWith = append(v.SharedWith, shareView{
				User:       s.UserID,
				Username:   s.User.Username,
				Permission: s.Permission,
				SharedAt:   s.CreatedAt,
			})
		}
	}
	if actor != nil {
		v.Permission = f.PermissionFor(actor.ID)
	}
	return v
}

// baseURL is the scheme and host the client used to reach us.
// X-Forwarded-Proto is only honoured from a trusted proxy.
func baseURL(r *http.Request, trustedCIDRs []*net.IPNet) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if proto := r.Header.Get("X-Forwarded-Proto"); (proto == "https" || proto == "http") && middleware.FromTrustedProxy(r, trustedCIDRs) {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
