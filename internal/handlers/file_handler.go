package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/agjmills/cloudfiles/internal/apperror"
	"github.com/agjmills/cloudfiles/internal/auth"
	"github.com/agjmills/cloudfiles/internal/config"
	"github.com/agjmills/cloudfiles/internal/database/models"
	"github.com/agjmills/cloudfiles/internal/files"
	"github.com/agjmills/cloudfiles/internal/logger"
	"github.com/agjmills/cloudfiles/internal/metrics"
	"github.com/agjmills/cloudfiles/internal/middleware"
	"github.com/agjmills/cloudfiles/internal/quota"
	"github.com/agjmills/cloudfiles/internal/respond"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
)

const defaultMimeType = "application/octet-stream"

var (
	errNoFile            = apperror.New(apperror.KindValidation, "no file was uploaded")
	errNotMultipart      = apperror.New(apperror.KindValidation, "request must be multipart/form-data")
	errBadMultipart      = apperror.New(apperror.KindValidation, "failed to parse multipart form")
	errInvalidIsPublic   = apperror.Validation(apperror.FieldError{Field: "isPublic", Message: "isPublic must be a boolean"})
	errFileIDNotFound    = apperror.NotFound("file not found")
	errPublicNotFound    = apperror.NotFound("file not found")
	errEmptyOriginalName = apperror.Validation(apperror.FieldError{Field: "originalname", Message: "originalname must not be empty"})
)

type FileHandler struct {
	cfg          *config.Config
	registry     *files.Registry
	trustedCIDRs []*net.IPNet
}

func NewFileHandler(cfg *config.Config, registry *files.Registry) *FileHandler {
	return &FileHandler{
		cfg:          cfg,
		registry:     registry,
		trustedCIDRs: middleware.ParseTrustedCIDRs(cfg.TrustedProxyCIDRs),
	}
}

func (h *FileHandler) tooLarge() error {
	return apperror.New(apperror.KindTooLarge,
		fmt.Sprintf("file too large (max %s)", humanize.IBytes(uint64(h.cfg.MaxUploadSize))))
}

// upload is a multipart file spooled to a temp file.
type upload struct {
	originalName string
	mimeType     string
	size         int64
	isPublic     bool
	tempPath     string
}

func (u *upload) cleanup() {
	if u.tempPath != "" {
		os.Remove(u.tempPath)
	}
}

// Upload streams the "file" part to a temp file so its size is known before
// any quota is reserved, then hands it to the registry.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)
	log := logger.FromContext(r.Context())

	// Content-Length counts the multipart framing too, so this only catches
	// bodies that cannot possibly fit.
	if r.ContentLength > 0 && r.ContentLength > h.cfg.MaxUploadSize+multipartOverhead {
		log.Info("upload rejected by content length", "content_length", r.ContentLength, "limit", h.cfg.MaxUploadSize)
		respond.Error(w, r, h.tooLarge())
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadSize+multipartOverhead)

	up, err := h.readUpload(r)
	defer up.cleanup()
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	if err := quota.Check(user, up.size); err != nil {
		respond.Error(w, r, err)
		return
	}

	content, err := os.Open(up.tempPath)
	if err != nil {
		respond.Error(w, r, fmt.Errorf("failed to reopen upload: %w", err))
		return
	}
	defer content.Close()

	file, err := h.registry.Create(r.Context(), files.CreateParams{
		OwnerID:      user.ID,
		OriginalName: up.originalName,
		MimeType:     up.mimeType,
		IsPublic:     up.isPublic,
		Content:      content,
		Size:         up.size,
	})
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.Success(w, http.StatusCreated, "file uploaded", map[string]any{
		"file": newFileView(baseURL(r, h.trustedCIDRs), user, file),
	})
}

// multipartOverhead is headroom for boundaries and small form fields on top
// of MaxUploadSize.
const multipartOverhead = 64 << 10

func (h *FileHandler) readUpload(r *http.Request) (*upload, error) {
	up := &upload{}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		return up, errNotMultipart
	}

	mr := multipart.NewReader(r.Body, params["boundary"])
	fileSeen := false
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if isMaxBytes(err) {
				return up, h.tooLarge()
			}
			return up, errBadMultipart
		}

		switch part.FormName() {
		case "isPublic":
			value, err := io.ReadAll(io.LimitReader(part, 16))
			part.Close()
			if err != nil {
				return up, errBadMultipart
			}
			if up.isPublic, err = strconv.ParseBool(strings.TrimSpace(string(value))); err != nil {
				return up, errInvalidIsPublic
			}

		case "file":
			if fileSeen || part.FileName() == "" {
				io.Copy(io.Discard, part)
				part.Close()
				continue
			}
			fileSeen = true
			err := h.spool(up, part)
			part.Close()
			if err != nil {
				return up, err
			}

		default:
			io.Copy(io.Discard, part)
			part.Close()
		}
	}

	if !fileSeen {
		return up, errNoFile
	}
	return up, nil
}

// spool copies part into a temp file and records its name, size and type.
func (h *FileHandler) spool(up *upload, part *multipart.Part) error {
	up.originalName = part.FileName()
	up.mimeType = part.Header.Get("Content-Type")

	tempFile, err := os.CreateTemp(h.cfg.TempDir, "cloudfiles-upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %q: %w", h.cfg.TempDir, err)
	}
	up.tempPath = tempFile.Name()

	written, err := io.Copy(tempFile, part)
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if isMaxBytes(err) {
			return h.tooLarge()
		}
		return fmt.Errorf("failed to spool upload: %w", err)
	}
	if written > h.cfg.MaxUploadSize {
		return h.tooLarge()
	}
	up.size = written

	// Clients often label everything octet-stream; sniff for something better.
	if up.mimeType == "" || up.mimeType == defaultMimeType {
		if detected, err := mimetype.DetectFile(up.tempPath); err == nil {
			up.mimeType = detected.String()
		} else {
			up.mimeType = defaultMimeType
		}
	}
	return nil
}

func isMaxBytes(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// MyFiles lists the caller's files with optional search and type filters.
func (h *FileHandler) MyFiles(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)
	q := r.URL.Query()

	page, err := h.registry.List(r.Context(), user.ID, files.ListFilter{
		Search:   q.Get("search"),
		MimeType: q.Get("mimetype"),
		Page:     queryInt(r, "page"),
		Limit:    queryInt(r, "limit"),
	})
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	base := baseURL(r, h.trustedCIDRs)
	views := make([]fileView, 0, len(page.Items))
	for i := range page.Items {
		views = append(views, newFileView(base, user, &page.Items[i]))
	}

	respond.OK(w, map[string]any{
		"files":      views,
		"pagination": newPaginationView(page),
	})
}

// SharedWithMe lists files other users shared with the caller.
func (h *FileHandler) SharedWithMe(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)

	page, err := h.registry.ListSharedWithMe(r.Context(), user.ID, queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	base := baseURL(r, h.trustedCIDRs)
	views := make([]fileView, 0, len(page.Items))
	for i := range page.Items {
		v := newFileView(base, user, &page.Items[i].File)
		v.Permission = page.Items[i].Permission
		views = append(views, v)
	}

	respond.OK(w, map[string]any{
		"files":      views,
		"pagination": newPaginationView(page),
	})
}

func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)
	id, err := idParam(r, "id", errFileIDNotFound)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	file, err := h.registry.GetForActor(r.Context(), user, id)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.OK(w, map[string]any{"file": newFileView(baseURL(r, h.trustedCIDRs), user, file)})
}

// Download streams a file the caller may read. The download is counted
// before the first byte is sent.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)
	id, err := idParam(r, "id", errFileIDNotFound)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	ctx := r.Context()
	file, err := h.registry.GetForActor(ctx, user, id)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	reader, err := h.registry.Open(ctx, file)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	defer reader.Close()

	if err := h.registry.RecordDownload(ctx, file.ID); err != nil {
		respond.Error(w, r, err)
		return
	}
	metrics.RecordDownload("download")

	setContentHeaders(w, file)
	w.Header().Set("Content-Disposition", contentDisposition("attachment", file.OriginalName))

	if _, err := io.Copy(w, reader); err != nil {
		logger.FromContext(ctx).Warn("error streaming file", "file_id", file.ID, "error", err)
	}
}

// Access serves a public file by its stored name without authentication.
// Private and unknown files look the same.
func (h *FileHandler) Access(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storedName := chi.URLParam(r, "storedName")
	if storedName == "" {
		respond.Error(w, r, errPublicNotFound)
		return
	}

	file, err := h.registry.GetPublic(ctx, storedName)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	reader, err := h.registry.Open(ctx, file)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	defer reader.Close()

	metrics.RecordDownload("access")

	setContentHeaders(w, file)
	w.Header().Set("Content-Disposition", contentDisposition("inline", file.OriginalName))

	if _, err := io.Copy(w, reader); err != nil {
		logger.FromContext(ctx).Warn("error streaming public file", "file_id", file.ID, "error", err)
	}
}

type UpdateFileRequest struct {
	OriginalName *string `json:"originalname" validate:"omitempty,max=255"`
	IsPublic     *bool   `json:"isPublic"`
}

// Update renames a file and/or changes its visibility. Owner only.
func (h *FileHandler) Update(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)
	id, err := idParam(r, "id", files.ErrNotFound)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	var req UpdateFileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	if req.OriginalName != nil {
		name := strings.TrimSpace(*req.OriginalName)
		if name == "" {
			respond.Error(w, r, errEmptyOriginalName)
			return
		}
		req.OriginalName = &name
	}

	file, err := h.registry.Update(r.Context(), user.ID, id, files.UpdateParams{
		OriginalName: req.OriginalName,
		IsPublic:     req.IsPublic,
	})
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.Success(w, http.StatusOK, "file updated", map[string]any{
		"file": newFileView(baseURL(r, h.trustedCIDRs), user, file),
	})
}

func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)
	id, err := idParam(r, "id", files.ErrNotFound)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	if err := h.registry.Delete(r.Context(), user.ID, id); err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.Success(w, http.StatusOK, "file deleted", nil)
}

type ShareRequest struct {
	UserID     uint   `json:"userId" validate:"required"`
	Permission string `json:"permission" validate:"omitempty,oneof=read write"`
}

// Share grants another user access to one of the caller's files and returns
// the updated share list.
func (h *FileHandler) Share(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)
	id, err := idParam(r, "id", files.ErrNotFound)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	var req ShareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	file, err := h.registry.Share(r.Context(), user.ID, id, req.UserID, req.Permission)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("file shared",
		"file_id", file.ID, "owner_id", user.ID, "target_user_id", req.UserID, "permission", file.PermissionFor(req.UserID))
	respond.Success(w, http.StatusOK, "file shared", map[string]any{
		"file": newFileView(baseURL(r, h.trustedCIDRs), user, file),
	})
}

func (h *FileHandler) Unshare(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)
	id, err := idParam(r, "id", files.ErrNotFound)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	targetID, err := idParam(r, "userId", files.ErrNotShared)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	if err := h.registry.Unshare(r.Context(), user.ID, id, targetID); err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.Success(w, http.StatusOK, "share removed", nil)
}

func setContentHeaders(w http.ResponseWriter, file *models.File) {
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// contentDisposition quotes name for the plain filename parameter and adds
// the RFC 5987 form for non-ASCII names.
func contentDisposition(disposition, name string) string {
	safe := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", "").Replace(name)
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, disposition, safe, url.PathEscape(name))
}
