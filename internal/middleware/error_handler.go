package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/agjmills/cloudfiles/internal/apperror"
	"github.com/agjmills/cloudfiles/internal/logger"
	"github.com/agjmills/cloudfiles/internal/respond"
)

// NotFoundHandler answers unknown routes with the JSON error envelope.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	respond.Fail(w, apperror.KindNotFound, "route not found")
}

func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	respond.Fail(w, apperror.KindMethodNotAllowed, "method not allowed")
}

// InternalErrorHandler writes the opaque 500 envelope.
func InternalErrorHandler(w http.ResponseWriter, r *http.Request) {
	respond.Fail(w, apperror.KindInternal, "something went wrong")
}

// RecoverMiddleware catches panics, logs them with the stack and request id,
// and answers with a 500 envelope. http.ErrAbortHandler is re-panicked so the
// server can abort the connection.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.FromContext(r.Context()).Error("panic recovered",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			InternalErrorHandler(w, r)
		}()
		next.ServeHTTP(w, r)
	})
}
