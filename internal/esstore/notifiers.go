package esstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// NotifiersIndex holds shared, named alert destinations.
const NotifiersIndex = "notifiers"

// Notifier is a named alert destination hunts and cron queries can fire.
type Notifier struct {
	ID      string            `json:"-"`
	Name    string            `json:"name"`
	Type    string            `json:"type"` // webhook, slack
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Created int64             `json:"created,omitempty"`
	UserID  string            `json:"userId,omitempty"`
}

// GetNotifierByName returns the notifier with the given name.
func (s *Store) GetNotifierByName(ctx context.Context, name string) (*Notifier, error) {
	body, err := encodeBody(map[string]interface{}{
		"size":  1,
		"query": map[string]interface{}{"term": map[string]interface{}{"name": name}},
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(NotifiersIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}
	if len(res.Hits.Hits) == 0 {
		return nil, fmt.Errorf("notifier %s: 404 not found", name)
	}
	n := &Notifier{}
	if err := json.Unmarshal(res.Hits.Hits[0].Source, n); err != nil {
		return nil, fmt.Errorf("failed to decode notifier %s: %w", name, err)
	}
	n.ID = res.Hits.Hits[0].ID
	return n, nil
}

// ListNotifiers returns every configured notifier.
func (s *Store) ListNotifiers(ctx context.Context) ([]*Notifier, error) {
	body, err := encodeBody(map[string]interface{}{"size": 1000})
	if err != nil {
		return nil, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(NotifiersIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}

	notifiers := make([]*Notifier, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		n := &Notifier{}
		if err := json.Unmarshal(h.Source, n); err != nil {
			continue
		}
		n.ID = h.ID
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}

// SaveNotifier writes a notifier keyed by its name.
func (s *Store) SaveNotifier(ctx context.Context, n *Notifier) error {
	body, err := encodeBody(n)
	if err != nil {
		return err
	}
	resp, err := s.es.Index(
		s.index(NotifiersIndex), body,
		s.es.Index.WithContext(ctx),
		s.es.Index.WithDocumentID(n.Name),
		s.es.Index.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}

// DeleteNotifier removes a notifier by name.
func (s *Store) DeleteNotifier(ctx context.Context, name string) error {
	resp, err := s.es.Delete(
		s.index(NotifiersIndex), name,
		s.es.Delete.WithContext(ctx),
		s.es.Delete.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}
