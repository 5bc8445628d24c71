package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agjmills/cloudfiles/internal/logger"
	"github.com/agjmills/cloudfiles/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		handler        http.HandlerFunc
		expectedStatus int
	}{
		{
			name:   "GET request",
			method: http.MethodGet,
			path:   "/api/files/my-files",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("OK"))
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "POST request",
			method: http.MethodPost,
			path:   "/api/files/upload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				w.Write([]byte("Created"))
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name:   "error response",
			method: http.MethodGet,
			path:   "/nonexistent",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte("Not Found"))
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:   "internal error",
			method: http.MethodGet,
			path:   "/error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("Internal Server Error"))
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("User-Agent", "test-agent")
			rec := httptest.NewRecorder()

			// Wrap handler with logging middleware
			wrappedHandler := LoggingMiddleware(tt.handler)
			wrappedHandler.ServeHTTP(rec, req)

			// Check status code
			if rec.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			// Verify handler was called
			if rec.Body.Len() == 0 {
				t.Error("Handler did not write response")
			}
		})
	}
}

func TestResponseWriter_WriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: rec,
		statusCode:     0,
	}

	// Write custom status code
	rw.WriteHeader(http.StatusCreated)

	if rw.statusCode != http.StatusCreated {
		t.Errorf("Expected statusCode %d, got %d", http.StatusCreated, rw.statusCode)
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("Expected underlying recorder code %d, got %d", http.StatusCreated, rec.Code)
	}
}

func TestResponseWriter_Write(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: rec,
		statusCode:     http.StatusOK,
		written:        0,
	}

	data := []byte("Hello, World!")
	n, err := rw.Write(data)

	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if n != len(data) {
		t.Errorf("Expected to write %d bytes, wrote %d", len(data), n)
	}

	if rw.written != int64(len(data)) {
		t.Errorf("Expected written count %d, got %d", len(data), rw.written)
	}

	if rec.Body.String() != string(data) {
		t.Errorf("Expected body %q, got %q", string(data), rec.Body.String())
	}
}

func TestResponseWriter_WriteMultipleTimes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: rec,
		statusCode:     http.StatusOK,
		written:        0,
	}

	// Write multiple times
	data1 := []byte("Hello, ")
	data2 := []byte("World!")

	n1, err1 := rw.Write(data1)
	if err1 != nil {
		t.Fatalf("First write failed: %v", err1)
	}

	n2, err2 := rw.Write(data2)
	if err2 != nil {
		t.Fatalf("Second write failed: %v", err2)
	}

	totalWritten := n1 + n2
	expectedTotal := len(data1) + len(data2)

	if totalWritten != expectedTotal {
		t.Errorf("Expected total write %d bytes, wrote %d", expectedTotal, totalWritten)
	}

	if rw.written != int64(expectedTotal) {
		t.Errorf("Expected written count %d, got %d", expectedTotal, rw.written)
	}
}

func TestResponseWriter_Flush(t *testing.T) {
	// Test with a flusher
	rec := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: rec,
		statusCode:     http.StatusOK,
	}

	// This should not panic even if the underlying writer supports Flush
	rw.Flush()

	// Write some data and flush again
	rw.Write([]byte("test"))
	rw.Flush()
}

func TestResponseWriter_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.Write([]byte("body"))
	rw.WriteHeader(http.StatusInternalServerError)

	if rw.statusCode != http.StatusOK {
		t.Errorf("Expected implicit 200 to stick, got %d", rw.statusCode)
	}
}

func TestLoggingMiddleware_RoutePatternLabel(t *testing.T) {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)
	r.Get("/api/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/files/{id}", "2xx")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"1", "2", "3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/files/"+id, nil))
	}

	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Errorf("Expected 3 requests under the route pattern, got %v", got)
	}
}

func TestLoggingMiddleware_UnmatchedRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)
	r.NotFound(NotFoundHandler)
	// chi only runs the middleware stack once a route exists.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "4xx")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scan/wp-admin.php", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("Expected unmatched request to be counted once, got %v", got)
	}
}

func TestLoggingMiddleware_RequestID(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter("development", &buf)
	t.Cleanup(func() { logger.InitWithWriter("test", &bytes.Buffer{}) })

	handler := chimiddleware.RequestID(LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-Id", "req-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, "request_id=req-123") {
		t.Errorf("Expected request id in log line, got %q", out)
	}
	if !strings.Contains(out, "route=unmatched") {
		t.Errorf("Expected route attribute in log line, got %q", out)
	}
}
