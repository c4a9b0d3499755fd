package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/cron"
	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/expression"
	"github.com/owlcap/owlcap/internal/middleware"
	"github.com/owlcap/owlcap/internal/pcap"
)

const (
	defaultPageLength = 100
	maxPageLength     = 10000
)

// sessionQuery is the shared time-and-expression envelope of session
// endpoints, accepted as query parameters or a JSON body.
type sessionQuery struct {
	Expression string `json:"expression"`
	StartTime  int64  `json:"startTime"` // seconds since epoch
	StopTime   int64  `json:"stopTime"`  // seconds since epoch
	Date       int64  `json:"date"`      // hours back from now; -1 = all
	Start      int    `json:"start"`
	Length     int    `json:"length"`
	IDs        string `json:"ids"`
	Tags       string `json:"tags"`
}

func parseSessionQuery(r *http.Request) (*sessionQuery, error) {
	q := &sessionQuery{Length: defaultPageLength}

	if r.Method == http.MethodPost && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(q); err != nil && err != io.EOF {
			return nil, fmt.Errorf("bad request body: %w", err)
		}
	}

	vals := r.URL.Query()
	getInt := func(key string, into *int64) {
		if v := vals.Get(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*into = n
			}
		}
	}
	if v := vals.Get("expression"); v != "" {
		q.Expression = v
	}
	if v := vals.Get("ids"); v != "" {
		q.IDs = v
	}
	if v := vals.Get("tags"); v != "" {
		q.Tags = v
	}
	getInt("startTime", &q.StartTime)
	getInt("stopTime", &q.StopTime)
	getInt("date", &q.Date)
	if v := vals.Get("length"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Length = n
		}
	}
	if v := vals.Get("start"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Start = n
		}
	}

	if q.Length <= 0 {
		q.Length = defaultPageLength
	}
	if q.Length > maxPageLength {
		q.Length = maxPageLength
	}

	// date is the UI shorthand; explicit start/stop win.
	if q.StartTime == 0 && q.StopTime == 0 {
		now := time.Now().Unix()
		q.StopTime = now
		if q.Date == -1 {
			q.StartTime = 0
		} else if q.Date > 0 {
			q.StartTime = now - q.Date*3600
		} else {
			q.StartTime = now - 3600
		}
	}
	return q, nil
}

// clampToTimeLimit enforces a user's queryable window.
func clampToTimeLimit(q *sessionQuery, u *esstore.User) {
	if u.TimeLimit <= 0 {
		return
	}
	floor := time.Now().Unix() - u.TimeLimit*3600
	if q.StartTime < floor {
		q.StartTime = floor
	}
	if q.StopTime < q.StartTime {
		q.StopTime = q.StartTime
	}
}

func (s *Server) buildFilters(r *http.Request, q *sessionQuery) ([]expression.Filter, error) {
	u := middleware.UserFrom(r.Context())
	clampToTimeLimit(q, u)
	return s.compiler.BuildSessionFilter(r.Context(), expression.SessionQueryOpts{
		Expression:       q.Expression,
		ForcedExpression: u.Expression,
		StartMs:          q.StartTime * 1000,
		StopMs:           q.StopTime * 1000,
	})
}

// handleSessionSearch answers the session list view.
func (s *Server) handleSessionSearch(w http.ResponseWriter, r *http.Request) {
	q, err := parseSessionQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filters, err := s.buildFilters(r, q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.es.SearchSessions(r.Context(), map[string]interface{}{
		"from":  q.Start,
		"size":  q.Length,
		"sort":  []interface{}{map[string]interface{}{"lastPacket": "desc"}},
		"query": map[string]interface{}{"bool": map[string]interface{}{"filter": filters}},
	})
	if err != nil {
		s.log.WithError(err).Error("Session search failed")
		writeError(w, http.StatusInternalServerError, "session search failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":            sessionsWithIDs(page.Sessions),
		"recordsTotal":    page.Total,
		"recordsFiltered": page.Total,
	})
}

// sessionsWithIDs re-attaches the document id, which the session's own JSON
// encoding deliberately omits.
func sessionsWithIDs(sessions []*esstore.Session) []map[string]json.RawMessage {
	out := make([]map[string]json.RawMessage, 0, len(sessions))
	for _, sess := range sessions {
		enc, err := json.Marshal(sess)
		if err != nil {
			continue
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(enc, &m); err != nil {
			continue
		}
		idJSON, _ := json.Marshal(sess.ID)
		m["id"] = idJSON
		out = append(out, m)
	}
	return out
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.es.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, sessionsWithIDs([]*esstore.Session{sess})[0])
}

// handleSessionsPcap streams the raw packets of the requested sessions as a
// single PCAP download. Sessions owned by peers are fetched through them and
// spliced into the same stream.
func (s *Server) handleSessionsPcap(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "no session ids given")
		return
	}
	u := middleware.UserFrom(r.Context())

	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	w.Header().Set("Content-Disposition", `attachment; filename="sessions.pcap"`)

	headerWritten := false
	for _, id := range ids {
		sess, err := s.es.GetSession(r.Context(), id)
		if err != nil {
			s.log.WithError(err).WithField("session", id).Warn("Skipping missing session in pcap export")
			continue
		}

		if s.resolver.IsLocal(sess.Node) {
			err = s.pcaps.EachSessionPacket(r.Context(), sess, pcap.ModeRead, func(h *pcap.Handle, offset int64) error {
				if !headerWritten {
					raw := h.FileHeader().Raw
					if _, err := w.Write(raw[:]); err != nil {
						return err
					}
					headerWritten = true
				}
				pkt, err := h.ReadPacket(offset)
				if err != nil {
					return err
				}
				if _, err := w.Write(pkt.Header[:]); err != nil {
					return err
				}
				_, err = w.Write(pkt.Data)
				return err
			})
		} else {
			err = s.spliceRemotePcap(w, r, sess, u.UserID, &headerWritten)
		}
		if err != nil {
			s.log.WithError(err).WithField("session", id).Warn("Failed to export session pcap")
		}
	}
}

// spliceRemotePcap pulls one session's pcap from its owning node, dropping
// the peer's global header when ours is already on the wire.
func (s *Server) spliceRemotePcap(w io.Writer, r *http.Request, sess *esstore.Session, userID string, headerWritten *bool) error {
	path := "/api/sessions.pcap?ids=" + url.QueryEscape(sess.ID)
	resp, err := s.proxy.Get(r.Context(), sess.Node, path, userID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node %s returned %s", sess.Node, resp.Status)
	}

	body := resp.Body
	var header [pcap.FileHeaderLen]byte
	if _, err := io.ReadFull(body, header[:]); err != nil {
		return err
	}
	if !*headerWritten {
		if _, err := w.Write(header[:]); err != nil {
			return err
		}
		*headerWritten = true
	}
	_, err = io.Copy(w, body)
	return err
}

// handleAddTags adds tags to the given sessions.
func (s *Server) handleAddTags(w http.ResponseWriter, r *http.Request) {
	q, err := parseSessionQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tags := cron.SanitizeTags(q.Tags)
	if len(tags) == 0 {
		writeError(w, http.StatusBadRequest, "no valid tags given")
		return
	}
	ids := splitIDs(q.IDs)
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "no session ids given")
		return
	}

	for _, id := range ids {
		sess, err := s.es.GetSession(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
			return
		}
		if err := s.es.AddTagsToSession(r.Context(), sess, tags); err != nil {
			s.log.WithError(err).WithField("session", id).Error("Failed to add tags")
			writeError(w, http.StatusInternalServerError, "failed to add tags")
			return
		}
	}
	writeSuccess(w, fmt.Sprintf("tagged %d sessions", len(ids)))
}

// handleSessionsDelete scrubs the given sessions, routing each to its owning
// node.
func (s *Server) handleSessionsDelete(w http.ResponseWriter, r *http.Request) {
	what, err := pcap.ParseWhatToRemove(r.URL.Query().Get("whatToRemove"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "no session ids given")
		return
	}
	u := middleware.UserFrom(r.Context())

	for _, id := range ids {
		sess, err := s.es.GetSession(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
			return
		}
		if s.resolver.IsLocal(sess.Node) {
			err = s.scrubber.Scrub(r.Context(), sess, what, u.UserID)
		} else {
			err = s.scrubRemote(r, sess, what, u.UserID)
		}
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"session": id,
				"node":    sess.Node,
			}).Error("Failed to scrub session")
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to scrub session %s", id))
			return
		}
	}
	writeSuccess(w, fmt.Sprintf("scrubbed %d sessions", len(ids)))
}

func (s *Server) scrubRemote(r *http.Request, sess *esstore.Session, what pcap.WhatToRemove, userID string) error {
	path := fmt.Sprintf("/%s/delete/%s/%s", url.PathEscape(sess.Node), what, url.PathEscape(sess.ID))
	resp, err := s.proxy.Get(r.Context(), sess.Node, path, userID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node %s returned %s", sess.Node, resp.Status)
	}
	return nil
}

// handleNodeDelete is the owning-node scrub RPC.
func (s *Server) handleNodeDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !s.resolver.IsLocal(vars["node"]) {
		s.proxy.Forward(w, r, vars["node"], middleware.UserFrom(r.Context()).UserID)
		return
	}

	what, err := pcap.ParseWhatToRemove(vars["what"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.es.GetSession(r.Context(), vars["sessionId"])
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !s.resolver.IsLocal(sess.Node) {
		writeError(w, http.StatusBadRequest, "session not owned by this node")
		return
	}

	if err := s.scrubber.Scrub(r.Context(), sess, what, middleware.UserFrom(r.Context()).UserID); err != nil {
		s.log.WithError(err).WithField("session", sess.ID).Error("Scrub failed")
		writeError(w, http.StatusInternalServerError, "scrub failed")
		return
	}
	writeSuccess(w, "scrubbed")
}

// handleSendSession is the peer RPC asking this node to forward one of its
// sessions to a remote cluster.
func (s *Server) handleSendSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	if !p.PeerAuth {
		writeError(w, http.StatusForbidden, "peer token required")
		return
	}
	vars := mux.Vars(r)
	if !s.resolver.IsLocal(vars["node"]) {
		s.proxy.Forward(w, r, vars["node"], p.User.UserID)
		return
	}

	clusterName := r.URL.Query().Get("cluster")
	tags := cron.SanitizeTags(r.URL.Query().Get("tags"))
	if err := s.forwarder.SendLocal(r.Context(), vars["sessionId"], clusterName, tags, p.User.UserID); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"session": vars["sessionId"],
			"cluster": clusterName,
		}).Error("Failed to forward session")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, "forwarded")
}

// handleRemoteHunt is the peer RPC searching one locally owned session for a
// hunt's pattern. Errors travel in the reply body so the caller can tell a
// search failure from an unreachable node.
func (s *Server) handleRemoteHunt(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	vars := mux.Vars(r)
	if !s.resolver.IsLocal(vars["node"]) {
		s.proxy.Forward(w, r, vars["node"], p.User.UserID)
		return
	}

	matched, err := s.huntEngine.RemoteSessionSearch(r.Context(), vars["huntId"], vars["sessionId"])
	res := map[string]interface{}{"matched": matched}
	if err != nil {
		res["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, res)
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
