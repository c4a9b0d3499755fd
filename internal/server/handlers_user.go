package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/gorilla/mux"

	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/middleware"
	"github.com/owlcap/owlcap/internal/user"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,80}$`)

// sanitizeUser strips credentials before a user document leaves the API.
func sanitizeUser(u *esstore.User) *esstore.User {
	clean := *u
	clean.PassStore = ""
	return &clean
}

func (s *Server) handleUserCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sanitizeUser(middleware.UserFrom(r.Context())))
}

// handleUserSettings merges the posted keys into the caller's settings.
func (s *Server) handleUserSettings(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFrom(r.Context())

	var settings map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if u.Settings == nil {
		u.Settings = make(map[string]json.RawMessage, len(settings))
	}
	for k, v := range settings {
		u.Settings[k] = v
	}

	if err := s.users.Save(r.Context(), u); err != nil {
		s.log.WithError(err).WithField("user", u.UserID).Error("Failed to save settings")
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeSuccess(w, "settings saved")
}

type passwordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// handleUserPassword changes the caller's password, or another user's when
// the caller is an admin and names one with ?userId=.
func (s *Server) handleUserPassword(w http.ResponseWriter, r *http.Request) {
	caller := middleware.UserFrom(r.Context())

	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	target := caller
	if other := r.URL.Query().Get("userId"); other != "" && other != caller.UserID {
		if !caller.CreateEnabled {
			writeError(w, http.StatusForbidden, "need admin privileges to change another user's password")
			return
		}
		t, err := s.users.Get(r.Context(), other)
		if err != nil {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		target = t
	}

	// Self-service changes must prove the current password; admin resets
	// of other accounts do not.
	if target.UserID == caller.UserID {
		if user.HA1(target.UserID, s.cfg.HTTPRealm, req.CurrentPassword) != target.PassStore {
			writeError(w, http.StatusForbidden, "current password is wrong")
			return
		}
	}

	target.PassStore = user.HA1(target.UserID, s.cfg.HTTPRealm, req.NewPassword)
	if err := s.users.Save(r.Context(), target); err != nil {
		s.log.WithError(err).WithField("user", target.UserID).Error("Failed to save password")
		writeError(w, http.StatusInternalServerError, "failed to save password")
		return
	}
	writeSuccess(w, "password changed")
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	users, err := s.es.ListUsers(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list users")
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	out := make([]*esstore.User, 0, len(users))
	for _, u := range users {
		out = append(out, sanitizeUser(u))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out, "recordsTotal": len(out)})
}

type createUserRequest struct {
	esstore.User
	Password string `json:"password"`
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if !userIDPattern.MatchString(req.UserID) {
		writeError(w, http.StatusBadRequest, "bad userId")
		return
	}
	if req.Password == "" && !req.HeaderAuthEnabled {
		writeError(w, http.StatusBadRequest, "password required unless header auth is enabled")
		return
	}
	if _, err := s.users.Get(r.Context(), req.UserID); err == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("user %s already exists", req.UserID))
		return
	}

	u := req.User
	if u.UserName == "" {
		u.UserName = u.UserID
	}
	if req.Password != "" {
		u.PassStore = user.HA1(u.UserID, s.cfg.HTTPRealm, req.Password)
	}
	if err := s.users.Save(r.Context(), &u); err != nil {
		s.log.WithError(err).WithField("user", u.UserID).Error("Failed to create user")
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeSuccess(w, fmt.Sprintf("user %s created", u.UserID))
}

func (s *Server) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	existing, err := s.users.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	var req esstore.User
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}

	// Identity and credentials are immutable here; the password endpoint
	// owns the latter.
	req.UserID = existing.UserID
	req.ID = existing.ID
	req.PassStore = existing.PassStore
	if req.UserName == "" {
		req.UserName = existing.UserName
	}

	if err := s.users.Save(r.Context(), &req); err != nil {
		s.log.WithError(err).WithField("user", userID).Error("Failed to update user")
		writeError(w, http.StatusInternalServerError, "failed to update user")
		return
	}
	writeSuccess(w, fmt.Sprintf("user %s updated", userID))
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	caller := middleware.UserFrom(r.Context())
	if userID == caller.UserID {
		writeError(w, http.StatusBadRequest, "cannot delete yourself")
		return
	}
	if err := s.users.Delete(r.Context(), userID); err != nil {
		s.log.WithError(err).WithField("user", userID).Error("Failed to delete user")
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	writeSuccess(w, fmt.Sprintf("user %s deleted", userID))
}
