package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/middleware"
)

// handleCronList returns the caller's cron queries; admins see the fleet's.
func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFrom(r.Context())
	queries, err := s.es.ListCronQueries(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list cron queries")
		writeError(w, http.StatusInternalServerError, "failed to list cron queries")
		return
	}

	out := make([]map[string]json.RawMessage, 0, len(queries))
	for _, q := range queries {
		if q.Creator != u.UserID && !u.CreateEnabled {
			continue
		}
		enc, err := json.Marshal(q)
		if err != nil {
			continue
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(enc, &m); err != nil {
			continue
		}
		idJSON, _ := json.Marshal(q.ID)
		m["id"] = idJSON
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

type cronRequest struct {
	Name     string `json:"name"`
	Query    string `json:"query"`
	Tags     string `json:"tags"`
	Action   string `json:"action"`
	Notifier string `json:"notifier"`
	Enabled  *bool  `json:"enabled"`
	// Since is how many hours back the first pass reaches; -1 means from
	// the beginning of the data.
	Since int64 `json:"since"`
}

func (s *Server) validateCronAction(action, tags string) error {
	switch {
	case action == "" || action == "tag":
		if len(strings.TrimSpace(tags)) == 0 {
			return fmt.Errorf("tag action needs tags")
		}
	case strings.HasPrefix(action, "forward:"):
		cluster := strings.TrimPrefix(action, "forward:")
		if _, ok := s.cfg.RemoteClusters[cluster]; !ok {
			return fmt.Errorf("unknown remote cluster %q", cluster)
		}
	default:
		return fmt.Errorf("action must be tag or forward:<cluster>")
	}
	return nil
}

func (s *Server) handleCronCreate(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFrom(r.Context())

	var req cronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if req.Name == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, "name and query are required")
		return
	}
	if err := s.validateCronAction(req.Action, req.Tags); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().Unix()
	lpValue := now
	if req.Since == -1 {
		lpValue = 0
	} else if req.Since > 0 {
		lpValue = now - req.Since*3600
	}

	q := &esstore.CronQuery{
		Creator:  u.UserID,
		Enabled:  true,
		Name:     req.Name,
		Query:    req.Query,
		Tags:     req.Tags,
		Action:   req.Action,
		Notifier: req.Notifier,
		LPValue:  lpValue,
		Created:  now,
	}
	id, err := s.es.CreateCronQuery(r.Context(), q)
	if err != nil {
		s.log.WithError(err).Error("Failed to create cron query")
		writeError(w, http.StatusInternalServerError, "failed to create cron query")
		return
	}
	s.cronEngine.Kick()
	writeJSON(w, http.StatusOK, apiResult{Success: true, Text: "cron query created", Data: map[string]string{"id": id}})
}

// loadOwnedCron fetches a cron query the caller may modify.
func (s *Server) loadOwnedCron(w http.ResponseWriter, r *http.Request) *esstore.CronQuery {
	u := middleware.UserFrom(r.Context())
	q, err := s.es.GetCronQuery(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "cron query not found")
		return nil
	}
	if q.Creator != u.UserID && !u.CreateEnabled {
		writeError(w, http.StatusForbidden, "not your cron query")
		return nil
	}
	return q
}

func (s *Server) handleCronUpdate(w http.ResponseWriter, r *http.Request) {
	q := s.loadOwnedCron(w, r)
	if q == nil {
		return
	}

	var req cronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}

	if req.Name != "" {
		q.Name = req.Name
	}
	if req.Query != "" {
		q.Query = req.Query
	}
	if req.Tags != "" {
		q.Tags = req.Tags
	}
	if req.Action != "" {
		q.Action = req.Action
	}
	if req.Notifier != "" {
		q.Notifier = req.Notifier
	}
	if req.Enabled != nil {
		q.Enabled = *req.Enabled
	}
	if err := s.validateCronAction(q.Action, q.Tags); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.es.SaveCronQuery(r.Context(), q); err != nil {
		s.log.WithError(err).WithField("query", q.ID).Error("Failed to save cron query")
		writeError(w, http.StatusInternalServerError, "failed to save cron query")
		return
	}
	s.cronEngine.Kick()
	writeSuccess(w, "cron query updated")
}

func (s *Server) handleCronDelete(w http.ResponseWriter, r *http.Request) {
	q := s.loadOwnedCron(w, r)
	if q == nil {
		return
	}
	if err := s.es.DeleteCronQuery(r.Context(), q.ID); err != nil {
		s.log.WithError(err).WithField("query", q.ID).Error("Failed to delete cron query")
		writeError(w, http.StatusInternalServerError, "failed to delete cron query")
		return
	}
	writeSuccess(w, "cron query deleted")
}
