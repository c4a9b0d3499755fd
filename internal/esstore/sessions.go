package esstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SessionsIndex is the wildcard pattern covering all session indices.
const SessionsIndex = "sessions2-*"

// scrollKeepAlive is how long Elasticsearch keeps a scroll cursor between
// page fetches. Background engines fetch well within this.
const scrollKeepAlive = 5 * time.Minute

// SessionPage is one page of session search or scroll results.
type SessionPage struct {
	ScrollID string
	Total    int64
	Sessions []*Session
}

func (s *Store) decodeSessionPage(res searchResponse) *SessionPage {
	page := &SessionPage{
		ScrollID: res.ScrollID,
		Total:    res.Hits.Total.Value,
	}
	for _, h := range res.Hits.Hits {
		sess := &Session{}
		if len(h.Source) > 0 {
			if err := sess.UnmarshalJSON(h.Source); err != nil {
				s.log.WithError(err).WithField("id", h.ID).Warn("Skipping undecodable session document")
				continue
			}
		}
		sess.ID = h.ID
		sess.Index = h.Index
		page.Sessions = append(page.Sessions, sess)
	}
	return page
}

// GetSession fetches one session document by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	body, err := encodeBody(map[string]interface{}{
		"query": map[string]interface{}{
			"ids": map[string]interface{}{"values": []string{id}},
		},
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(SessionsIndex)),
		s.es.Search.WithBody(body),
		s.es.Search.WithSize(1),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}

	page := s.decodeSessionPage(res)
	if len(page.Sessions) == 0 {
		return nil, fmt.Errorf("session %s: 404 not found", id)
	}
	return page.Sessions[0], nil
}

// SearchSessions runs a plain (non-scrolling) session search with the given
// raw request body.
func (s *Store) SearchSessions(ctx context.Context, body interface{}) (*SessionPage, error) {
	r, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(SessionsIndex)),
		s.es.Search.WithBody(r),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}
	return s.decodeSessionPage(res), nil
}

// ScrollSessions opens a scroll cursor over the sessions matching body and
// returns the first page.
func (s *Store) ScrollSessions(ctx context.Context, body interface{}) (*SessionPage, error) {
	r, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(SessionsIndex)),
		s.es.Search.WithBody(r),
		s.es.Search.WithScroll(scrollKeepAlive),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}
	return s.decodeSessionPage(res), nil
}

// ScrollNext fetches the next page of an open scroll.
func (s *Store) ScrollNext(ctx context.Context, scrollID string) (*SessionPage, error) {
	resp, err := s.es.Scroll(
		s.es.Scroll.WithContext(ctx),
		s.es.Scroll.WithScrollID(scrollID),
		s.es.Scroll.WithScroll(scrollKeepAlive),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}
	return s.decodeSessionPage(res), nil
}

// ClearScroll releases a scroll cursor early.
func (s *Store) ClearScroll(ctx context.Context, scrollID string) error {
	if scrollID == "" {
		return nil
	}
	resp, err := s.es.ClearScroll(
		s.es.ClearScroll.WithContext(ctx),
		s.es.ClearScroll.WithScrollID(scrollID),
	)
	return decodeResponse(resp, err, nil)
}

// UpdateSession applies a partial document update to a session.
func (s *Store) UpdateSession(ctx context.Context, sess *Session, doc map[string]interface{}) error {
	body, err := encodeBody(map[string]interface{}{"doc": doc})
	if err != nil {
		return err
	}
	resp, err := s.es.Update(
		s.sessionIndexFor(sess), sess.ID, body,
		s.es.Update.WithContext(ctx),
		s.es.Update.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}

// DeleteSession removes a session document (the "spi" half of a scrub).
func (s *Store) DeleteSession(ctx context.Context, sess *Session) error {
	resp, err := s.es.Delete(
		s.sessionIndexFor(sess), sess.ID,
		s.es.Delete.WithContext(ctx),
		s.es.Delete.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}

// AddTagsToSession appends tags to a session with a scripted update so that
// concurrent additions from cron and users are both preserved.
func (s *Store) AddTagsToSession(ctx context.Context, sess *Session, tags []string) error {
	script := `
		if (ctx._source.tags == null) { ctx._source.tags = params.tags; }
		else { for (t in params.tags) { if (!ctx._source.tags.contains(t)) { ctx._source.tags.add(t); } } }`
	body, err := encodeBody(map[string]interface{}{
		"script": map[string]interface{}{
			"source": strings.TrimSpace(script),
			"lang":   "painless",
			"params": map[string]interface{}{"tags": tags},
		},
	})
	if err != nil {
		return err
	}
	resp, err := s.es.Update(
		s.sessionIndexFor(sess), sess.ID, body,
		s.es.Update.WithContext(ctx),
		s.es.Update.WithRetryOnConflict(3),
	)
	return decodeResponse(resp, err, nil)
}

// AddHuntToSession records a hunt match on the session document.
func (s *Store) AddHuntToSession(ctx context.Context, sess *Session, huntID, huntName string) error {
	script := `
		if (ctx._source.huntId == null) { ctx._source.huntId = [params.huntId]; }
		else if (!ctx._source.huntId.contains(params.huntId)) { ctx._source.huntId.add(params.huntId); }
		if (ctx._source.huntName == null) { ctx._source.huntName = [params.huntName]; }
		else if (!ctx._source.huntName.contains(params.huntName)) { ctx._source.huntName.add(params.huntName); }`
	body, err := encodeBody(map[string]interface{}{
		"script": map[string]interface{}{
			"source": strings.TrimSpace(script),
			"lang":   "painless",
			"params": map[string]interface{}{"huntId": huntID, "huntName": huntName},
		},
	})
	if err != nil {
		return err
	}
	resp, err := s.es.Update(
		s.sessionIndexFor(sess), sess.ID, body,
		s.es.Update.WithContext(ctx),
		s.es.Update.WithRetryOnConflict(3),
	)
	return decodeResponse(resp, err, nil)
}

// CreateSession indexes a received session document into the daily index
// derived from its first packet time.
func (s *Store) CreateSession(ctx context.Context, sess *Session) (string, error) {
	body, err := encodeBody(sess)
	if err != nil {
		return "", err
	}
	index := sess.Index
	if index == "" {
		day := time.UnixMilli(sess.FirstPacket).UTC().Format("060102")
		index = s.index("sessions2-" + day)
	}
	var res struct {
		ID string `json:"_id"`
	}
	resp, err := s.es.Index(
		index, body,
		s.es.Index.WithContext(ctx),
	)
	if err := decodeResponse(resp, err, &res); err != nil {
		return "", err
	}
	sess.ID = res.ID
	sess.Index = index
	return res.ID, nil
}

func (s *Store) sessionIndexFor(sess *Session) string {
	if sess.Index != "" {
		return sess.Index
	}
	return s.index(SessionsIndex)
}
