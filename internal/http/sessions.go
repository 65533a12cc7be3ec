package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"speaker-transcription-service/internal/models"
	"speaker-transcription-service/internal/service/session"
)

var errSessionNotFound = errors.New("session not found")

type sessionSummary struct {
	SessionID string `json:"sessionId"`
	Provider  string `json:"provider"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	Words     int    `json:"words"`
	Speakers  int    `json:"speakers"`
}

type speakerView struct {
	SpeakerID  int                 `json:"speakerId"`
	Transcript string              `json:"transcript"`
	Words      []models.WordRecord `json:"words"`
}

type validateKeyRequest struct {
	Key string `json:"key"`
}

type validateKeyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func summarize(c *session.Controller) sessionSummary {
	s := sessionSummary{
		SessionID: c.ID(),
		Provider:  c.Provider(),
		State:     c.State().String(),
		Words:     len(c.Words()),
		Speakers:  len(c.Groups()),
	}
	if err := c.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

// validateKey applies the local credential format check without contacting
// a vendor.
func (h *handlers) validateKey(w http.ResponseWriter, r *http.Request) {
	var req validateKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Validator.ValidateKey(req.Key); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, validateKeyResponse{Valid: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, validateKeyResponse{Valid: true})
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	ctrls := h.app.Sessions.List()
	out := make([]sessionSummary, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, summarize(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) lookup(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	c, ok := h.app.Sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound)
	}
	return c, ok
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, summarize(c))
	}
}

func (h *handlers) getWords(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, c.Words())
	}
}

// getSpeakers returns the speaker groups ordered by speaker id.
func (h *handlers) getSpeakers(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	groups := c.Groups()
	out := make([]speakerView, 0, len(groups))
	for _, id := range groups.Speakers() {
		g := groups[id]
		out = append(out, speakerView{SpeakerID: id, Transcript: g.Transcript, Words: g.Words})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.app.EndSession(c)
	h.log.Info().Str("sessionId", c.ID()).Msg("Session deleted")
	w.WriteHeader(http.StatusNoContent)
}
