package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

type User struct {
	ID           uint                      `gorm:"primaryKey" json:"id"`
	Username     string                    `gorm:"uniqueIndex;not null;size:50" json:"username"`
	Email        string                    `gorm:"uniqueIndex;not null;size:255" json:"email"`
	PasswordHash string                    `gorm:"not null;size:255" json:"-"`
	Role         string                    `gorm:"not null;size:10;default:'user'" json:"role"`
	StorageUsed  int64                     `gorm:"not null;default:0" json:"storageUsed"`
	StorageLimit int64                     `gorm:"not null;default:1073741824" json:"storageLimit"`
	FileIDs      datatypes.JSONSlice[uint] `gorm:"column:file_ids;default:'[]'" json:"-"` // Owned files, upload order
	CreatedAt    time.Time                 `json:"createdAt"`
	UpdatedAt    time.Time                 `json:"updatedAt"`

	Files []File `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

type File struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        uint      `gorm:"not null;index" json:"owner"`
	StoredName    string    `gorm:"not null;size:255;uniqueIndex" json:"filename"` // Server-generated, used by the public access path
	OriginalName  string    `gorm:"not null;size:255" json:"originalname"`         // User-supplied display name (editable)
	MimeType      string    `gorm:"size:255" json:"mimetype"`                      // Content-Type label from the upload
	Size          int64     `gorm:"not null" json:"size"`                          // Fixed at creation; backs the owner's quota
	StoragePath   string    `gorm:"not null;size:1024" json:"-"`                   // Backend handle for the stored bytes
	Hash          string    `gorm:"size:64;index" json:"hash"`                     // SHA-256 of the content
	IsPublic      bool      `gorm:"not null;default:false;index" json:"isPublic"`
	DownloadCount int64     `gorm:"not null;default:0" json:"downloadCount"`
	CreatedAt     time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"index" json:"updatedAt"`

	User   User    `gorm:"foreignKey:UserID" json:"-"`
	Shares []Share `gorm:"foreignKey:FileID;constraint:OnDelete:CASCADE" json:"sharedWith"`
}

// Share grants a non-owner access to a file. (FileID, UserID) is unique.
type Share struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	FileID     uint      `gorm:"not null;uniqueIndex:idx_share_file_user" json:"-"`
	UserID     uint      `gorm:"not null;uniqueIndex:idx_share_file_user;index" json:"user"`
	Permission string    `gorm:"not null;size:10;default:'read'" json:"permission"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"-"`

	File File `gorm:"foreignKey:FileID" json:"-"`
	User User `gorm:"foreignKey:UserID" json:"-"`
}

// PermissionFor returns the share permission held by userID, or "" if none.
func (f *File) PermissionFor(userID uint) string {
	for _, s := range f.Shares {
		if s.UserID == userID {
			return s.Permission
		}
	}
	return ""
}
