package routes

import (
	"crypto/sha256"
	"net/http"

	csrf "filippo.io/csrf/gorilla"
	"github.com/agjmills/cloudfiles/internal/apperror"
	"github.com/agjmills/cloudfiles/internal/auth"
	"github.com/agjmills/cloudfiles/internal/config"
	"github.com/agjmills/cloudfiles/internal/database/models"
	"github.com/agjmills/cloudfiles/internal/files"
	"github.com/agjmills/cloudfiles/internal/handlers"
	"github.com/agjmills/cloudfiles/internal/logger"
	"github.com/agjmills/cloudfiles/internal/middleware"
	"github.com/agjmills/cloudfiles/internal/quota"
	"github.com/agjmills/cloudfiles/internal/respond"
	"github.com/agjmills/cloudfiles/internal/storage"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// csrfProtection returns the Fetch Metadata based CSRF middleware from
// filippo.io/csrf, or a pass-through when disabled.
//
// Browser requests carrying Sec-Fetch-Site: cross-site or same-site are
// rejected on unsafe methods. Requests without Sec-Fetch-Site or Origin
// (curl, mobile apps, server-to-server) pass, which is what a bearer-token
// API needs. Enabling this blocks cross-origin browser writes even when CORS
// allows the origin.
func csrfProtection(cfg *config.Config) func(http.Handler) http.Handler {
	if !cfg.CSRFEnabled {
		return func(next http.Handler) http.Handler { return next }
	}

	// The key must be exactly 32 bytes; derive it from the signing secret.
	key := sha256.Sum256([]byte(cfg.JWTSecret))
	return csrf.Protect(
		key[:],
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Warn("csrf validation failed",
				"reason", csrf.FailureReason(r),
				"method", r.Method,
				"path", r.URL.Path,
			)
			respond.Fail(w, apperror.KindForbidden, "cross-site request rejected")
		})),
	)
}

// Setup configures middleware and every HTTP route on r.
func Setup(r chi.Router, db *gorm.DB, cfg *config.Config, store storage.StorageBackend, version string) {
	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTExpiresIn)
	ledger := quota.NewLedger(db)
	registry := files.NewRegistry(db, store, ledger)

	authHandler := handlers.NewAuthHandler(db, cfg, issuer)
	fileHandler := handlers.NewFileHandler(cfg, registry)
	adminHandler := handlers.NewAdminHandler(db, ledger)
	healthHandler := handlers.NewHealthHandler(db, store, version)

	authRateLimiter := middleware.NewRateLimiter(cfg.AuthRateLimit, cfg.AuthRateWindow, cfg.TrustedProxyCIDRs)
	csrfMiddleware := csrfProtection(cfg)
	requireAuth := auth.RequireAuth(db, issuer)

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.RecoverMiddleware)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	r.NotFound(middleware.NotFoundHandler)
	r.MethodNotAllowed(middleware.MethodNotAllowedHandler)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{
			"message": "Cloud file hosting API",
			"status":  "active",
		})
	})
	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(csrfMiddleware)

		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(authRateLimiter.Middleware)
				r.Post("/register", authHandler.Register)
				r.Post("/login", authHandler.Login)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Get("/me", authHandler.Me)
				r.Put("/update-profile", authHandler.UpdateProfile)
				r.With(authRateLimiter.Middleware).Put("/update-password", authHandler.UpdatePassword)
			})
		})

		r.Route("/files", func(r chi.Router) {
			// Public links need no credentials.
			r.Get("/access/{storedName}", fileHandler.Access)

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Post("/upload", fileHandler.Upload)
				r.Get("/my-files", fileHandler.MyFiles)
				r.Get("/shared/with-me", fileHandler.SharedWithMe)
				r.Get("/download/{id}", fileHandler.Download)
				r.Get("/{id}", fileHandler.Get)
				r.Put("/{id}", fileHandler.Update)
				r.Delete("/{id}", fileHandler.Delete)
				r.Post("/{id}/share", fileHandler.Share)
				r.Delete("/{id}/share/{userId}", fileHandler.Unshare)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(auth.RequireRole(models.RoleAdmin))
			r.Get("/stats", adminHandler.Stats)
			r.Get("/users", adminHandler.Users)
			r.Put("/users/{id}/quota", adminHandler.UpdateQuota)
		})
	})
}
