package database_test

import (
	"errors"
	"testing"

	"github.com/agjmills/cloudfiles/internal/database"
	"github.com/agjmills/cloudfiles/internal/database/dbtest"
	"github.com/agjmills/cloudfiles/internal/database/models"
	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	db := dbtest.Open(t)
	alice := dbtest.CreateUser(t, db, "alice", 1000)

	t.Run("duplicate username", func(t *testing.T) {
		dup := &models.User{Username: alice.Username, Email: "other@example.com", PasswordHash: "x", Role: models.RoleUser, StorageLimit: 1000}
		err := db.Create(dup).Error
		if err == nil {
			t.Fatal("expected duplicate username to fail")
		}
		if !database.IsUniqueViolation(err) {
			t.Errorf("expected unique violation, got %v", err)
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		dup := &models.User{Username: "alice2", Email: alice.Email, PasswordHash: "x", Role: models.RoleUser, StorageLimit: 1000}
		if err := db.Create(dup).Error; !database.IsUniqueViolation(err) {
			t.Errorf("expected unique violation, got %v", err)
		}
	})

	t.Run("other errors", func(t *testing.T) {
		for _, err := range []error{nil, gorm.ErrRecordNotFound, errors.New("disk full")} {
			if database.IsUniqueViolation(err) {
				t.Errorf("expected %v not to be a unique violation", err)
			}
		}
	})

	t.Run("translated duplicate key", func(t *testing.T) {
		if !database.IsUniqueViolation(gorm.ErrDuplicatedKey) {
			t.Error("expected gorm.ErrDuplicatedKey to be a unique violation")
		}
	})
}
