package api

import (
	"compress/gzip"
	"encoding/json"
	"net/http"
	"strings"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
)

// respondWithJSON responds to an HTTP request with a JSON payload
func respondWithJSON(w http.ResponseWriter, r *http.Request, code int, payload any, options *ServerOptions) {
	response, err := json.Marshal(payload)
	if err != nil {
		respondWithError(w, r, http.StatusInternalServerError, "failed to marshal response", options)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if options.CompressionEnabled && int64(len(response)) >= options.CompressionThreshold &&
		strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.WriteHeader(code)
		gz := gzip.NewWriter(w)
		defer gz.Close()
		gz.Write(response)
		return
	}
	w.WriteHeader(code)
	w.Write(response)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string          `json:"error"`
	Kind  syncErrors.Kind `json:"kind,omitempty"`
}

// respondWithError responds to an HTTP request with an error message
func respondWithError(w http.ResponseWriter, r *http.Request, code int, message string, options *ServerOptions) {
	respondWithJSON(w, r, code, errorBody{Error: message}, options)
}

// respondWithSyncError maps an engine error onto a status code by its kind.
func respondWithSyncError(w http.ResponseWriter, r *http.Request, err error, options *ServerOptions) {
	kind := syncErrors.KindOf(err)
	respondWithJSON(w, r, statusForKind(kind), errorBody{Error: err.Error(), Kind: kind}, options)
}

func statusForKind(kind syncErrors.Kind) int {
	switch kind {
	case syncErrors.KindInvalid, syncErrors.KindConfig, syncErrors.KindRuleEvaluation:
		return http.StatusBadRequest
	case syncErrors.KindUnauthorized:
		return http.StatusForbidden
	case syncErrors.KindNotFound:
		return http.StatusNotFound
	case syncErrors.KindVersionConflict, syncErrors.KindDataConflict, syncErrors.KindAlreadyResolved:
		return http.StatusConflict
	case syncErrors.KindRateLimited:
		return http.StatusTooManyRequests
	case syncErrors.KindCapacity:
		return http.StatusServiceUnavailable
	case syncErrors.KindTransient, syncErrors.KindPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
