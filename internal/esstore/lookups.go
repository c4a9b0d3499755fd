package esstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// LookupsIndex holds named expression shortcuts.
const LookupsIndex = "lookups"

// GetLookupByName returns the shortcut with the given name, or a 404 error.
func (s *Store) GetLookupByName(ctx context.Context, name string) (*Lookup, error) {
	body, err := encodeBody(map[string]interface{}{
		"size":  1,
		"query": map[string]interface{}{"term": map[string]interface{}{"name": name}},
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(LookupsIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}
	if len(res.Hits.Hits) == 0 {
		return nil, fmt.Errorf("lookup %s: 404 not found", name)
	}
	l := &Lookup{}
	if err := json.Unmarshal(res.Hits.Hits[0].Source, l); err != nil {
		return nil, fmt.Errorf("failed to decode lookup %s: %w", name, err)
	}
	l.ID = res.Hits.Hits[0].ID
	return l, nil
}

// GetLookup returns a shortcut by document id.
func (s *Store) GetLookup(ctx context.Context, id string) (*Lookup, error) {
	resp, err := s.es.Get(
		s.index(LookupsIndex), id,
		s.es.Get.WithContext(ctx),
	)
	var res getResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, fmt.Errorf("lookup %s: 404 not found", id)
	}
	l := &Lookup{}
	if err := json.Unmarshal(res.Source, l); err != nil {
		return nil, fmt.Errorf("failed to decode lookup %s: %w", id, err)
	}
	l.ID = res.ID
	return l, nil
}

// ListLookups returns the shortcuts visible to userID: its own plus shared.
func (s *Store) ListLookups(ctx context.Context, userID string) ([]*Lookup, error) {
	body, err := encodeBody(map[string]interface{}{
		"size": 10000,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"should": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"userId": userID}},
					map[string]interface{}{"term": map[string]interface{}{"shared": true}},
				},
				"minimum_should_match": 1,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(LookupsIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}

	lookups := make([]*Lookup, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		l := &Lookup{}
		if err := json.Unmarshal(h.Source, l); err != nil {
			continue
		}
		l.ID = h.ID
		lookups = append(lookups, l)
	}
	return lookups, nil
}

// CreateLookup indexes a new shortcut and returns its id. Callers hold the
// lookup mutex across the existence check and this create.
func (s *Store) CreateLookup(ctx context.Context, l *Lookup) (string, error) {
	id := uuid.New().String()
	body, err := encodeBody(l)
	if err != nil {
		return "", err
	}
	resp, err := s.es.Index(
		s.index(LookupsIndex), body,
		s.es.Index.WithContext(ctx),
		s.es.Index.WithDocumentID(id),
		s.es.Index.WithRefresh("true"),
	)
	if err := decodeResponse(resp, err, nil); err != nil {
		return "", err
	}
	l.ID = id
	return id, nil
}

// LookupValues flattens a shortcut's ip/string/number lists into the value
// set the expression compiler substitutes in.
func (s *Store) LookupValues(ctx context.Context, name string) ([]string, error) {
	l, err := s.GetLookupByName(ctx, name)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(l.IP)+len(l.String)+len(l.Number))
	values = append(values, l.IP...)
	values = append(values, l.String...)
	for _, n := range l.Number {
		values = append(values, fmt.Sprintf("%d", n))
	}
	return values, nil
}

// DeleteLookup removes a shortcut.
func (s *Store) DeleteLookup(ctx context.Context, id string) error {
	resp, err := s.es.Delete(
		s.index(LookupsIndex), id,
		s.es.Delete.WithContext(ctx),
		s.es.Delete.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}
