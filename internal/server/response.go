package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentmesh/worldgate/pkg/types"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error types.CodedError `json:"error"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeCodedError writes an error response for a specific code.
func writeCodedError(w http.ResponseWriter, code, message string) {
	writeJSON(w, statusForCode(code), ErrorResponse{
		Error: types.CodedError{Code: code, Message: message},
	})
}

// codedOf normalizes any error into a CodedError, keeping the stable
// code when the error carries one.
func codedOf(err error) *types.CodedError {
	var ce *types.CodedError
	if errors.As(err, &ce) {
		return ce
	}
	return &types.CodedError{Code: types.CodeOf(err), Message: err.Error()}
}

// writeError maps any error onto the wire.
func writeError(w http.ResponseWriter, err error) {
	ce := codedOf(err)
	writeJSON(w, statusForCode(ce.Code), ErrorResponse{Error: *ce})
}

// statusForCode maps stable error codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case types.ErrCodeInvalidParams, types.ErrCodeMissingArgument, types.ErrCodeUnknownCommand:
		return http.StatusBadRequest
	case types.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case types.ErrCodeForbidden:
		return http.StatusForbidden
	case types.ErrCodeNotFound:
		return http.StatusNotFound
	case types.ErrCodeAlreadySpawned, types.ErrCodeSpawnRequired:
		return http.StatusConflict
	case types.ErrCodeNotConnected:
		return http.StatusGone
	case types.ErrCodeSpawnFailed, types.ErrCodeUploadFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
