// Package access decides what an actor may do with a file. Every function is
// a pure function of its arguments.
package access

import (
	"slices"

	"github.com/agjmills/cloudfiles/internal/database/models"
)

type Visibility string

const (
	Private Visibility = "private"
	Public  Visibility = "public"
	Shared  Visibility = "shared"
)

// CanRead reports whether actor may view or download file. A nil actor is an
// anonymous caller and can only read public files.
func CanRead(actor *models.User, file *models.File) bool {
	if file.IsPublic {
		return true
	}
	if actor == nil {
		return false
	}
	if actor.ID == file.UserID || actor.IsAdmin() {
		return true
	}
	return file.PermissionFor(actor.ID) != ""
}

// CanWrite reports whether actor may rename, re-publish, share or delete file.
// Only the owner may. Neither a write share nor the admin role grants this,
// matching the owner predicate the registry applies to every mutation.
func CanWrite(actor *models.User, file *models.File) bool {
	if actor == nil {
		return false
	}
	return actor.ID == file.UserID
}

// EffectiveVisibility derives the read classification of file. Public wins
// over shared.
func EffectiveVisibility(file *models.File) Visibility {
	switch {
	case file.IsPublic:
		return Public
	case len(file.Shares) > 0:
		return Shared
	default:
		return Private
	}
}

// HasRole reports whether role is one of allowed.
func HasRole(role string, allowed ...string) bool {
	return slices.Contains(allowed, role)
}
