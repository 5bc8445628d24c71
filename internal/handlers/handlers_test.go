package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/agjmills/cloudfiles/internal/apperror"
	"github.com/agjmills/cloudfiles/internal/auth"
	"github.com/agjmills/cloudfiles/internal/config"
	"github.com/agjmills/cloudfiles/internal/database/dbtest"
	"github.com/agjmills/cloudfiles/internal/database/models"
	"github.com/agjmills/cloudfiles/internal/files"
	"github.com/agjmills/cloudfiles/internal/quota"
	"github.com/agjmills/cloudfiles/internal/storage"
	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// testApp wires the handlers to an in-memory database and object store
// behind the same middleware the server uses.
type testApp struct {
	db       *gorm.DB
	cfg      *config.Config
	store    *storage.MemoryBackend
	issuer   *auth.TokenIssuer
	registry *files.Registry
	router   *chi.Mux
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	db := dbtest.Open(t)
	cfg := &config.Config{
		Env:                "test",
		MaxUploadSize:      1 << 20,
		DefaultUserQuota:   10 << 20,
		BcryptCost:         bcrypt.MinCost,
		EnableRegistration: true,
		TempDir:            t.TempDir(),
	}
	store := storage.NewMemoryBackend()
	issuer := auth.NewTokenIssuer("test-secret", time.Hour)
	ledger := quota.NewLedger(db)
	registry := files.NewRegistry(db, store, ledger)

	authHandler := NewAuthHandler(db, cfg, issuer)
	fileHandler := NewFileHandler(cfg, registry)
	adminHandler := NewAdminHandler(db, ledger)

	r := chi.NewRouter()
	r.Post("/api/auth/register", authHandler.Register)
	r.Post("/api/auth/login", authHandler.Login)
	r.Get("/api/files/access/{storedName}", fileHandler.Access)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(db, issuer))
		r.Get("/api/auth/me", authHandler.Me)
		r.Put("/api/auth/update-profile", authHandler.UpdateProfile)
		r.Put("/api/auth/update-password", authHandler.UpdatePassword)

		r.Post("/api/files/upload", fileHandler.Upload)
		r.Get("/api/files/my-files", fileHandler.MyFiles)
		r.Get("/api/files/shared/with-me", fileHandler.SharedWithMe)
		r.Get("/api/files/download/{id}", fileHandler.Download)
		r.Get("/api/files/{id}", fileHandler.Get)
		r.Put("/api/files/{id}", fileHandler.Update)
		r.Delete("/api/files/{id}", fileHandler.Delete)
		r.Post("/api/files/{id}/share", fileHandler.Share)
		r.Delete("/api/files/{id}/share/{userId}", fileHandler.Unshare)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleAdmin))
			r.Get("/api/admin/stats", adminHandler.Stats)
			r.Get("/api/admin/users", adminHandler.Users)
			r.Put("/api/admin/users/{id}/quota", adminHandler.UpdateQuota)
		})
	})

	return &testApp{
		db:       db,
		cfg:      cfg,
		store:    store,
		issuer:   issuer,
		registry: registry,
		router:   r,
	}
}

// createUser inserts a user with a real password hash.
func (app *testApp) createUser(t *testing.T, username, password string, limit int64) *models.User {
	t.Helper()

	hash, err := auth.HashPassword(password, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	user := &models.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Role:         models.RoleUser,
		StorageLimit: limit,
	}
	if err := app.db.Create(user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user
}

func (app *testApp) createAdmin(t *testing.T, username string) *models.User {
	t.Helper()
	user := app.createUser(t, username, "password", 1<<30)
	if err := app.db.Model(user).Update("role", models.RoleAdmin).Error; err != nil {
		t.Fatalf("failed to promote user: %v", err)
	}
	return user
}

func (app *testApp) reloadUser(t *testing.T, id uint) models.User {
	t.Helper()
	var user models.User
	if err := app.db.First(&user, id).Error; err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	return user
}

// serve runs a request as user (anonymous if nil).
func (app *testApp) serve(t *testing.T, req *http.Request, user *models.User) *httptest.ResponseRecorder {
	t.Helper()
	if user != nil {
		token, err := app.issuer.Issue(user.ID)
		if err != nil {
			t.Fatalf("failed to issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	app.router.ServeHTTP(w, req)
	return w
}

func (app *testApp) do(t *testing.T, method, path string, body any, user *models.User) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return app.serve(t, req, user)
}

type uploadPart struct {
	filename    string
	contentType string // Empty uses multipart's application/octet-stream default
	content     []byte
}

// uploadRequest builds a multipart upload with an optional isPublic field.
func uploadRequest(t *testing.T, part *uploadPart, fields map[string]string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	if part != nil {
		var (
			fw  io.Writer
			err error
		)
		if part.contentType == "" {
			fw, err = mw.CreateFormFile("file", part.filename)
		} else {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", `form-data; name="file"; filename="`+part.filename+`"`)
			h.Set("Content-Type", part.contentType)
			fw, err = mw.CreatePart(h)
		}
		if err != nil {
			t.Fatalf("failed to create file part: %v", err)
		}
		fw.Write(part.content)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (app *testApp) upload(t *testing.T, user *models.User, filename string, content []byte, public bool) *httptest.ResponseRecorder {
	t.Helper()
	fields := map[string]string{}
	if public {
		fields["isPublic"] = "true"
	}
	return app.serve(t, uploadRequest(t, &uploadPart{filename: filename, contentType: "text/plain", content: content}, fields), user)
}

// mustUpload uploads through the registry, skipping HTTP.
func (app *testApp) mustUpload(t *testing.T, user *models.User, name string, size int) *models.File {
	t.Helper()
	file, err := app.registry.Create(t.Context(), files.CreateParams{
		OwnerID:      user.ID,
		OriginalName: name,
		MimeType:     "text/plain",
		Content:      bytes.NewReader(bytes.Repeat([]byte("x"), size)),
		Size:         int64(size),
	})
	if err != nil {
		t.Fatalf("failed to upload %s: %v", name, err)
	}
	return file
}

type envelope struct {
	Status  string                `json:"status"`
	Kind    apperror.Kind         `json:"kind"`
	Message string                `json:"message"`
	Data    json.RawMessage       `json:"data"`
	Errors  []apperror.FieldError `json:"errors"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return env
}

// decodeData unmarshals the envelope's data into v.
func decodeData(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	env := decodeEnvelope(t, w)
	if env.Status != "success" {
		t.Fatalf("expected success envelope, got %s: %s", env.Status, w.Body.String())
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("failed to decode data %s: %v", env.Data, err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

// expectError checks the status code, the error envelope message and that
// the envelope's kind maps onto the same status.
func expectError(t *testing.T, w *httptest.ResponseRecorder, wantStatus int, wantMessage string) {
	t.Helper()
	expectStatus(t, w, wantStatus)
	env := decodeEnvelope(t, w)
	if env.Status != "error" {
		t.Errorf("expected error envelope, got %q", env.Status)
	}
	if env.Kind == "" || env.Kind.Status() != wantStatus {
		t.Errorf("expected a kind for status %d, got %q", wantStatus, env.Kind)
	}
	if wantMessage != "" && env.Message != wantMessage {
		t.Errorf("expected message %q, got %q", wantMessage, env.Message)
	}
}

// expectFieldError checks for a 400 naming field.
func expectFieldError(t *testing.T, w *httptest.ResponseRecorder, field string) {
	t.Helper()
	expectStatus(t, w, http.StatusBadRequest)
	env := decodeEnvelope(t, w)
	if env.Kind != apperror.KindValidation {
		t.Errorf("expected %s kind, got %q", apperror.KindValidation, env.Kind)
	}
	for _, fe := range env.Errors {
		if fe.Field == field {
			return
		}
	}
	t.Errorf("expected field error for %q, got %+v", field, env.Errors)
}
