package server

import (
	"io"
	"net/http"

	"github.com/agentmesh/worldgate/pkg/types"
)

// listAvatarLibrary handles GET /api/avatars.
func (s *Server) listAvatarLibrary(w http.ResponseWriter, r *http.Request) {
	var avatars map[string]string
	if s.avatars != nil {
		avatars = s.avatars.Library()
	}
	writeJSON(w, http.StatusOK, types.AvatarLibraryPayload{Avatars: avatars})
}

// uploadAvatar handles POST /api/avatars. The body is the raw asset;
// the filename hint rides in the query string. Authenticated via
// bearer token.
func (s *Server) uploadAvatar(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := s.interp.Limits().UploadMaxBytes
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		writeCodedError(w, types.ErrCodeInvalidParams, "unreadable request body")
		return
	}

	cmd, err := s.interp.NewUploadAvatar(data, r.URL.Query().Get("filename"))
	if err != nil {
		writeError(w, err)
		return
	}

	ack, err := s.registry.Dispatch(r.Context(), sess, cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{OK: true, Result: ack})
}
