package server

import (
	"fmt"
	"net/http"
	"regexp"
	"sync"

	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/middleware"
)

var lookupNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,50}$`)

// lookupCreateMu serializes the exists-check-then-create of shortcut names.
var lookupCreateMu sync.Mutex

func (s *Server) handleLookupList(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFrom(r.Context())
	lookups, err := s.es.ListLookups(r.Context(), u.UserID)
	if err != nil {
		s.log.WithError(err).Error("Failed to list lookups")
		writeError(w, http.StatusInternalServerError, "failed to list lookups")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": lookups})
}

func (s *Server) handleLookupCreate(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFrom(r.Context())

	var l esstore.Lookup
	if err := decodeBody(r, &l); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !lookupNamePattern.MatchString(l.Name) {
		writeError(w, http.StatusBadRequest, "lookup name must be 1-50 word characters")
		return
	}
	if len(l.IP)+len(l.String)+len(l.Number) == 0 {
		writeError(w, http.StatusBadRequest, "lookup needs at least one value")
		return
	}
	l.UserID = u.UserID

	lookupCreateMu.Lock()
	defer lookupCreateMu.Unlock()
	if _, err := s.es.GetLookupByName(r.Context(), l.Name); err == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("lookup %s already exists", l.Name))
		return
	}

	id, err := s.es.CreateLookup(r.Context(), &l)
	if err != nil {
		s.log.WithError(err).WithField("lookup", l.Name).Error("Failed to create lookup")
		writeError(w, http.StatusInternalServerError, "failed to create lookup")
		return
	}
	s.compiler.Invalidate(l.Name)
	writeJSON(w, http.StatusOK, apiResult{Success: true, Text: "lookup created", Data: map[string]string{"id": id}})
}

func (s *Server) handleLookupDelete(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFrom(r.Context())
	id := muxVar(r, "id")

	l, err := s.es.GetLookup(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "lookup not found")
		return
	}
	if l.UserID != u.UserID && !u.CreateEnabled {
		writeError(w, http.StatusForbidden, "not your lookup")
		return
	}

	if err := s.es.DeleteLookup(r.Context(), id); err != nil {
		s.log.WithError(err).WithField("lookup", id).Error("Failed to delete lookup")
		writeError(w, http.StatusInternalServerError, "failed to delete lookup")
		return
	}
	s.compiler.Invalidate(l.Name)
	writeSuccess(w, "lookup deleted")
}
