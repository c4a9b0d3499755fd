package esstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// HuntsIndex holds one document per hunt job.
const HuntsIndex = "hunts"

// CreateHunt indexes a new hunt and returns its generated id.
func (s *Store) CreateHunt(ctx context.Context, h *Hunt) (string, error) {
	id := uuid.New().String()
	body, err := encodeBody(h)
	if err != nil {
		return "", err
	}
	resp, err := s.es.Index(
		s.index(HuntsIndex), body,
		s.es.Index.WithContext(ctx),
		s.es.Index.WithDocumentID(id),
		s.es.Index.WithRefresh("true"),
	)
	if err := decodeResponse(resp, err, nil); err != nil {
		return "", err
	}
	h.ID = id
	return id, nil
}

// GetHunt fetches one hunt by id.
func (s *Store) GetHunt(ctx context.Context, id string) (*Hunt, error) {
	resp, err := s.es.Get(
		s.index(HuntsIndex), id,
		s.es.Get.WithContext(ctx),
	)
	var res getResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, fmt.Errorf("hunt %s: 404 not found", id)
	}
	h := &Hunt{}
	if err := h.UnmarshalJSON(res.Source); err != nil {
		return nil, fmt.Errorf("failed to decode hunt %s: %w", id, err)
	}
	h.ID = id
	return h, nil
}

// ListHunts returns all hunts sorted by creation time, newest first.
func (s *Store) ListHunts(ctx context.Context) ([]*Hunt, error) {
	body, err := encodeBody(map[string]interface{}{
		"size": 10000,
		"sort": []interface{}{map[string]interface{}{"created": "desc"}},
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(HuntsIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}

	hunts := make([]*Hunt, 0, len(res.Hits.Hits))
	for _, hh := range res.Hits.Hits {
		h := &Hunt{}
		if err := h.UnmarshalJSON(hh.Source); err != nil {
			s.log.WithError(err).WithField("id", hh.ID).Warn("Skipping undecodable hunt document")
			continue
		}
		h.ID = hh.ID
		hunts = append(hunts, h)
	}
	return hunts, nil
}

// huntsByStatus returns hunts with the given status, oldest created first.
func (s *Store) huntsByStatus(ctx context.Context, status string, size int) ([]*Hunt, error) {
	body, err := encodeBody(map[string]interface{}{
		"size":  size,
		"sort":  []interface{}{map[string]interface{}{"created": "asc"}},
		"query": map[string]interface{}{"term": map[string]interface{}{"status": status}},
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(HuntsIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}

	hunts := make([]*Hunt, 0, len(res.Hits.Hits))
	for _, hh := range res.Hits.Hits {
		h := &Hunt{}
		if err := h.UnmarshalJSON(hh.Source); err != nil {
			continue
		}
		h.ID = hh.ID
		hunts = append(hunts, h)
	}
	return hunts, nil
}

// RunningHunt returns the hunt currently marked running, if any. Used for
// crash recovery: a restart of the hunt-enabled node adopts it.
func (s *Store) RunningHunt(ctx context.Context) (*Hunt, error) {
	hunts, err := s.huntsByStatus(ctx, HuntStatusRunning, 1)
	if err != nil {
		return nil, err
	}
	if len(hunts) == 0 {
		return nil, nil
	}
	return hunts[0], nil
}

// NextQueuedHunt returns the oldest queued hunt, if any.
func (s *Store) NextQueuedHunt(ctx context.Context) (*Hunt, error) {
	hunts, err := s.huntsByStatus(ctx, HuntStatusQueued, 1)
	if err != nil {
		return nil, err
	}
	if len(hunts) == 0 {
		return nil, nil
	}
	return hunts[0], nil
}

// SaveHunt writes the whole hunt document back, last-writer-wins, with
// refresh so subsequent reads observe it.
func (s *Store) SaveHunt(ctx context.Context, h *Hunt) error {
	body, err := encodeBody(h)
	if err != nil {
		return err
	}
	resp, err := s.es.Index(
		s.index(HuntsIndex), body,
		s.es.Index.WithContext(ctx),
		s.es.Index.WithDocumentID(h.ID),
		s.es.Index.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}

// UpdateHuntFields applies a partial update to a hunt document. Checkpoints
// use this to avoid racing a concurrent pause write on other fields.
func (s *Store) UpdateHuntFields(ctx context.Context, id string, doc map[string]interface{}) error {
	body, err := encodeBody(map[string]interface{}{"doc": doc})
	if err != nil {
		return err
	}
	resp, err := s.es.Update(
		s.index(HuntsIndex), id, body,
		s.es.Update.WithContext(ctx),
		s.es.Update.WithRefresh("true"),
		s.es.Update.WithRetryOnConflict(3),
	)
	return decodeResponse(resp, err, nil)
}

// DeleteHunt removes a hunt document.
func (s *Store) DeleteHunt(ctx context.Context, id string) error {
	resp, err := s.es.Delete(
		s.index(HuntsIndex), id,
		s.es.Delete.WithContext(ctx),
		s.es.Delete.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}
