package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/agjmills/cloudfiles/internal/metrics"
	"github.com/agjmills/cloudfiles/internal/respond"
	"github.com/agjmills/cloudfiles/internal/storage"
	"gorm.io/gorm"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"

	healthCheckTimeout = 2 * time.Second
)

// HealthHandler reports whether the database and object store are reachable.
type HealthHandler struct {
	db      *gorm.DB
	store   storage.StorageBackend
	version string
}

func NewHealthHandler(db *gorm.DB, store storage.StorageBackend, version string) *HealthHandler {
	return &HealthHandler{
		db:      db,
		store:   store,
		version: version,
	}
}

type HealthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Checks  map[string]Check `json:"checks"`
	Uptime  string           `json:"uptime,omitempty"`
}

type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

var startTime = time.Now()

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]Check{
		"database": h.checkDatabase(r.Context()),
		"storage":  h.checkStorage(r.Context()),
	}

	overall := statusHealthy
	for _, c := range checks {
		if c.Status != statusHealthy {
			overall = statusUnhealthy
		}
	}

	status := http.StatusOK
	if overall != statusHealthy {
		status = http.StatusServiceUnavailable
	}

	respond.JSON(w, status, HealthResponse{
		Status:  overall,
		Version: h.version,
		Checks:  checks,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	sqlDB, err := h.db.DB()
	if err != nil {
		return unhealthy("failed to get database connection: "+err.Error(), start)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unhealthy("database ping failed: "+err.Error(), start)
	}

	// Health is polled frequently, which makes it a good place to sample the pool.
	metrics.RecordDBStats(sqlDB.Stats())
	return Check{Status: statusHealthy, Latency: time.Since(start).String()}
}

func (h *HealthHandler) checkStorage(ctx context.Context) Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := h.store.HealthCheck(ctx); err != nil {
		return unhealthy("storage health check failed: "+err.Error(), start)
	}
	return Check{Status: statusHealthy, Latency: time.Since(start).String()}
}

func unhealthy(message string, start time.Time) Check {
	return Check{Status: statusUnhealthy, Message: message, Latency: time.Since(start).String()}
}
