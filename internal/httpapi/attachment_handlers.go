package httpapi

import (
	"encoding/base64"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/octoplane/octoplane/internal/attachments"
	"github.com/octoplane/octoplane/pkg/types"
)

const maxAttachmentBytes = 25 << 20

// uploadAttachment stores the request body as a new attachment scoped to
// the session named by the route, returning an id the client embeds in
// its next send_message/send_parts mux command.
func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeAPIError(w, types.NewError(types.ErrPayloadTooLarge, "attachment exceeds size limit"))
		return
	}

	id := uuid.NewString()
	rec := attachments.Record{
		Filename:    r.URL.Query().Get("filename"),
		ContentType: r.Header.Get("Content-Type"),
		Data:        data,
	}
	if err := s.attachments.Put(r.Context(), sess.ID, id, rec); err != nil {
		writeAPIError(w, types.Wrap(types.ErrInternal, "store attachment", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"attachment_id": id})
}

// getAttachment serves back a previously uploaded attachment's bytes.
func (s *Server) getAttachment(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "attachmentID")

	rec, err := s.attachments.Get(r.Context(), sess.ID, id)
	if err != nil {
		writeAPIError(w, types.NewError(types.ErrNotFound, "attachment not found"))
		return
	}

	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Data)
}

// attachmentDataURL is a convenience the session dispatcher could use to
// inline small attachments directly into an agent command payload
// instead of a second round trip; unused until an agent integration
// needs it, kept here because it is the natural sibling of Put/Get.
func attachmentDataURL(rec attachments.Record) string {
	return "data:" + rec.ContentType + ";base64," + base64.StdEncoding.EncodeToString(rec.Data)
}
