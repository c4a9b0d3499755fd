package esstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// QueriesIndex holds one document per cron query.
const QueriesIndex = "queries"

// CreateCronQuery indexes a new cron query and returns its generated id.
func (s *Store) CreateCronQuery(ctx context.Context, q *CronQuery) (string, error) {
	id := uuid.New().String()
	body, err := encodeBody(q)
	if err != nil {
		return "", err
	}
	resp, err := s.es.Index(
		s.index(QueriesIndex), body,
		s.es.Index.WithContext(ctx),
		s.es.Index.WithDocumentID(id),
		s.es.Index.WithRefresh("true"),
	)
	if err := decodeResponse(resp, err, nil); err != nil {
		return "", err
	}
	q.ID = id
	return id, nil
}

// GetCronQuery fetches one cron query by id.
func (s *Store) GetCronQuery(ctx context.Context, id string) (*CronQuery, error) {
	resp, err := s.es.Get(
		s.index(QueriesIndex), id,
		s.es.Get.WithContext(ctx),
	)
	var res getResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, fmt.Errorf("cron query %s: 404 not found", id)
	}
	q := &CronQuery{}
	if err := q.UnmarshalJSON(res.Source); err != nil {
		return nil, fmt.Errorf("failed to decode cron query %s: %w", id, err)
	}
	q.ID = id
	return q, nil
}

// ListCronQueries returns every cron query. The fleet never has more than a
// few hundred; the engine loads them all each tick.
func (s *Store) ListCronQueries(ctx context.Context) ([]*CronQuery, error) {
	body, err := encodeBody(map[string]interface{}{"size": 1000})
	if err != nil {
		return nil, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(QueriesIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}

	queries := make([]*CronQuery, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		q := &CronQuery{}
		if err := q.UnmarshalJSON(h.Source); err != nil {
			s.log.WithError(err).WithField("id", h.ID).Warn("Skipping undecodable cron query document")
			continue
		}
		q.ID = h.ID
		queries = append(queries, q)
	}
	return queries, nil
}

// SaveCronQuery writes the whole cron query document back.
func (s *Store) SaveCronQuery(ctx context.Context, q *CronQuery) error {
	body, err := encodeBody(q)
	if err != nil {
		return err
	}
	resp, err := s.es.Index(
		s.index(QueriesIndex), body,
		s.es.Index.WithContext(ctx),
		s.es.Index.WithDocumentID(q.ID),
		s.es.Index.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}

// UpdateCronQueryFields applies a partial update to a cron query. The engine
// commits {lpValue, lastRun, count} through this after each drained window.
func (s *Store) UpdateCronQueryFields(ctx context.Context, id string, doc map[string]interface{}) error {
	body, err := encodeBody(map[string]interface{}{"doc": doc})
	if err != nil {
		return err
	}
	resp, err := s.es.Update(
		s.index(QueriesIndex), id, body,
		s.es.Update.WithContext(ctx),
		s.es.Update.WithRefresh("true"),
		s.es.Update.WithRetryOnConflict(3),
	)
	return decodeResponse(resp, err, nil)
}

// DeleteCronQuery removes a cron query document.
func (s *Store) DeleteCronQuery(ctx context.Context, id string) error {
	resp, err := s.es.Delete(
		s.index(QueriesIndex), id,
		s.es.Delete.WithContext(ctx),
		s.es.Delete.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}
