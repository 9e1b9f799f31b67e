package http

import (
	"encoding/json"
	"errors"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"net/http"
)

// SetDefaultHeaders sets the content type and the CORS headers of every response.
func SetDefaultHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Accept,Authorization,Accept-Language,Content-Type,Content-Language,X-Access-Key")
}

type errorBody struct {
	Error string `json:"error"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errtype.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errtype.ErrBadInput):
		return http.StatusBadRequest
	case errors.Is(err, errtype.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errtype.ErrTaskAlreadyQueued), errors.Is(err, errtype.ErrRunAlreadyActive),
		errors.Is(err, errtype.ErrLockBusy):
		return http.StatusConflict
	case errors.Is(err, errtype.ErrMisconfigured):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func apiError(w http.ResponseWriter, logger log.Logger, err error) {
	SetDefaultHeaders(w)
	code := statusOf(err)
	msg := http.StatusText(code)
	if code == http.StatusInternalServerError {
		_ = level.Error(logger).Log("msg", "request failed", "err", err)
	} else {
		msg = err.Error()
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}

func apiSuccess(w http.ResponseWriter, logger log.Logger, data interface{}) {
	SetDefaultHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		_ = level.Warn(logger).Log("msg", "encode response", "err", err)
	}
}
