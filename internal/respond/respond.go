// Package respond writes the JSON envelopes every API endpoint returns.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agjmills/cloudfiles/internal/apperror"
	"github.com/agjmills/cloudfiles/internal/logger"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type successBody struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type errorBody struct {
	Status  string                `json:"status"`
	Kind    apperror.Kind         `json:"kind"`
	Message string                `json:"message,omitempty"`
	Errors  []apperror.FieldError `json:"errors,omitempty"`
}

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func Success(w http.ResponseWriter, status int, message string, data any) {
	JSON(w, status, successBody{Status: statusSuccess, Message: message, Data: data})
}

func OK(w http.ResponseWriter, data any) {
	Success(w, http.StatusOK, "", data)
}

// Error maps err onto its kind's status. Errors that are not *apperror.Error
// are logged with the request id and replaced by an opaque message.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		logger.FromContext(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		appErr = apperror.New(apperror.KindInternal, "something went wrong")
	}

	body := errorBody{Status: statusError, Kind: appErr.Kind}
	if len(appErr.Fields) > 0 {
		body.Errors = appErr.Fields
	} else {
		body.Message = appErr.Message
	}
	JSON(w, appErr.Kind.Status(), body)
}

// Fail writes an error envelope for kind without logging or wrapping.
func Fail(w http.ResponseWriter, kind apperror.Kind, message string) {
	JSON(w, kind.Status(), errorBody{Status: statusError, Kind: kind, Message: message})
}
