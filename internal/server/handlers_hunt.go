package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/mux"

	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/middleware"
)

var huntNamePattern = regexp.MustCompile(`^[\w. -]{1,100}$`)

// handleHuntList returns every hunt, redacting the ones the caller may not
// inspect so the overall queue is still visible.
func (s *Server) handleHuntList(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFrom(r.Context())
	hunts, err := s.es.ListHunts(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list hunts")
		writeError(w, http.StatusInternalServerError, "failed to list hunts")
		return
	}

	out := make([]interface{}, 0, len(hunts))
	for _, h := range hunts {
		if h.CanView(u.UserID, u.CreateEnabled) {
			out = append(out, huntWithID(h))
		} else {
			out = append(out, h.Redacted())
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out, "recordsTotal": len(hunts)})
}

func huntWithID(h *esstore.Hunt) map[string]json.RawMessage {
	enc, err := json.Marshal(h)
	if err != nil {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(enc, &m); err != nil {
		return nil
	}
	idJSON, _ := json.Marshal(h.ID)
	m["id"] = idJSON
	return m
}

type huntRequest struct {
	Name       string            `json:"name"`
	Users      []string          `json:"users,omitempty"`
	Query      esstore.HuntQuery `json:"query"`
	Src        bool              `json:"src"`
	Dst        bool              `json:"dst"`
	Type       string            `json:"type"`
	SearchType string            `json:"searchType"`
	Search     string            `json:"search"`
	Size       int               `json:"size"`
	Notifier   string            `json:"notifier,omitempty"`
	// TotalSessions is the caller's estimate, checked against the per-user
	// ceiling before the hunt is admitted.
	TotalSessions int64 `json:"totalSessions"`
}

// handleHuntCreate validates and queues a hunt, then nudges the engine.
func (s *Server) handleHuntCreate(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFrom(r.Context())

	var req huntRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if err := validateHuntRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := int64(s.cfg.HuntLimit)
	if u.CreateEnabled {
		limit = int64(s.cfg.HuntAdminLimit)
	}
	if req.TotalSessions > limit {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("hunt covers %d sessions, limit is %d", req.TotalSessions, limit))
		return
	}

	h := &esstore.Hunt{
		Name:       req.Name,
		UserID:     u.UserID,
		Users:      req.Users,
		Status:     esstore.HuntStatusQueued,
		Query:      req.Query,
		Src:        req.Src,
		Dst:        req.Dst,
		Type:       req.Type,
		SearchType: req.SearchType,
		Search:     req.Search,
		Size:       req.Size,
		Notifier:   req.Notifier,
		Created:    time.Now().UnixMilli(),
	}
	id, err := s.es.CreateHunt(r.Context(), h)
	if err != nil {
		s.log.WithError(err).Error("Failed to create hunt")
		writeError(w, http.StatusInternalServerError, "failed to create hunt")
		return
	}
	s.huntEngine.Wake()

	text := "hunt queued"
	if req.TotalSessions > int64(s.cfg.HuntWarn) {
		text = fmt.Sprintf("hunt queued; searching %d sessions will take a while", req.TotalSessions)
	}
	writeJSON(w, http.StatusOK, apiResult{Success: true, Text: text, Data: map[string]string{"id": id}})
}

func validateHuntRequest(req *huntRequest) error {
	if !huntNamePattern.MatchString(req.Name) {
		return fmt.Errorf("hunt name must be 1-100 word characters")
	}
	if req.Search == "" {
		return fmt.Errorf("hunt search pattern is required")
	}
	switch req.SearchType {
	case esstore.HuntSearchASCII, esstore.HuntSearchASCIICase, esstore.HuntSearchHex,
		esstore.HuntSearchRegex, esstore.HuntSearchHexRegex, esstore.HuntSearchWildcard:
	default:
		return fmt.Errorf("unknown search type %q", req.SearchType)
	}
	switch req.Type {
	case esstore.HuntTypeRaw, esstore.HuntTypeReassembled:
	default:
		return fmt.Errorf("hunt type must be raw or reassembled")
	}
	if !req.Src && !req.Dst {
		return fmt.Errorf("at least one of src and dst must be hunted")
	}
	if req.Query.StartTime == 0 || req.Query.StopTime == 0 {
		return fmt.Errorf("hunt query needs startTime and stopTime")
	}
	if req.Query.StopTime <= req.Query.StartTime {
		return fmt.Errorf("hunt query stopTime must be after startTime")
	}
	return nil
}

// loadOwnedHunt fetches a hunt the caller may control.
func (s *Server) loadOwnedHunt(w http.ResponseWriter, r *http.Request) *esstore.Hunt {
	u := middleware.UserFrom(r.Context())
	h, err := s.es.GetHunt(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "hunt not found")
		return nil
	}
	if h.UserID != u.UserID && !u.CreateEnabled {
		writeError(w, http.StatusForbidden, "not your hunt")
		return nil
	}
	return h
}

func (s *Server) handleHuntDelete(w http.ResponseWriter, r *http.Request) {
	h := s.loadOwnedHunt(w, r)
	if h == nil {
		return
	}
	// A running hunt is paused first; the engine drops it at the next
	// checkpoint, before the document disappears.
	if h.Status == esstore.HuntStatusRunning {
		if err := s.es.UpdateHuntFields(r.Context(), h.ID, map[string]interface{}{
			"status": esstore.HuntStatusPaused,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to stop hunt")
			return
		}
	}
	if err := s.es.DeleteHunt(r.Context(), h.ID); err != nil {
		s.log.WithError(err).WithField("hunt", h.ID).Error("Failed to delete hunt")
		writeError(w, http.StatusInternalServerError, "failed to delete hunt")
		return
	}
	writeSuccess(w, "hunt deleted")
}

func (s *Server) handleHuntPause(w http.ResponseWriter, r *http.Request) {
	h := s.loadOwnedHunt(w, r)
	if h == nil {
		return
	}
	switch h.Status {
	case esstore.HuntStatusRunning, esstore.HuntStatusQueued:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("hunt is %s", h.Status))
		return
	}
	if err := s.es.UpdateHuntFields(r.Context(), h.ID, map[string]interface{}{
		"status": esstore.HuntStatusPaused,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to pause hunt")
		return
	}
	writeSuccess(w, "hunt paused")
}

func (s *Server) handleHuntPlay(w http.ResponseWriter, r *http.Request) {
	h := s.loadOwnedHunt(w, r)
	if h == nil {
		return
	}
	if h.Status != esstore.HuntStatusPaused {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("hunt is %s", h.Status))
		return
	}
	if h.Unrunnable {
		writeError(w, http.StatusBadRequest, "hunt is unrunnable; fix the search and create a new one")
		return
	}
	if err := s.es.UpdateHuntFields(r.Context(), h.ID, map[string]interface{}{
		"status": esstore.HuntStatusQueued,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resume hunt")
		return
	}
	s.huntEngine.Wake()
	writeSuccess(w, "hunt resumed")
}
