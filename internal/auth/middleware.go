package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/agjmills/cloudfiles/internal/access"
	"github.com/agjmills/cloudfiles/internal/apperror"
	"github.com/agjmills/cloudfiles/internal/database/models"
	"github.com/agjmills/cloudfiles/internal/logger"
	"github.com/agjmills/cloudfiles/internal/respond"
	"gorm.io/gorm"
)

type contextKey string

const UserContextKey contextKey = "user"

var (
	errNoToken     = apperror.Unauthenticated("you are not logged in, please log in to get access")
	errBadToken    = apperror.Unauthenticated("invalid token")
	errUserMissing = apperror.Unauthenticated("the user belonging to this token no longer exists")
	errNoRole      = apperror.Forbidden("you do not have permission to perform this action")
)

// RequireAuth resolves the bearer token to a live user and stores it in the
// request context. The user is reloaded on every request.
func RequireAuth(db *gorm.DB, issuer *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				respond.Error(w, r, errNoToken)
				return
			}

			userID, err := issuer.Parse(token)
			if err != nil {
				logger.FromContext(r.Context()).Debug("rejected bearer token", "error", err)
				respond.Error(w, r, errBadToken)
				return
			}

			var user models.User
			if err := db.WithContext(r.Context()).First(&user, userID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					respond.Error(w, r, errUserMissing)
					return
				}
				respond.Error(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), &user)))
		})
	}
}

// RequireRole rejects authenticated users whose role is not in roles.
// It must run after RequireAuth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r)
			if user == nil {
				respond.Error(w, r, errNoToken)
				return
			}
			if !access.HasRole(user.Role, roles...) {
				respond.Error(w, r, errNoRole)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

func GetUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(UserContextKey).(*models.User)
	return user
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
