package esstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// UsersIndex holds one document per viewer account.
const UsersIndex = "users"

// GetUser fetches one user by userId.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	resp, err := s.es.Get(
		s.index(UsersIndex), userID,
		s.es.Get.WithContext(ctx),
	)
	var res getResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, fmt.Errorf("user %s: 404 not found", userID)
	}
	u := &User{}
	if err := json.Unmarshal(res.Source, u); err != nil {
		return nil, fmt.Errorf("failed to decode user %s: %w", userID, err)
	}
	u.ID = userID
	return u, nil
}

// ListUsers returns every user.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	body, err := encodeBody(map[string]interface{}{"size": 10000})
	if err != nil {
		return nil, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(UsersIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}

	users := make([]*User, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		u := &User{}
		if err := json.Unmarshal(h.Source, u); err != nil {
			s.log.WithError(err).WithField("id", h.ID).Warn("Skipping undecodable user document")
			continue
		}
		u.ID = h.ID
		users = append(users, u)
	}
	return users, nil
}

// SaveUser writes a user document keyed by its userId.
func (s *Store) SaveUser(ctx context.Context, u *User) error {
	body, err := encodeBody(u)
	if err != nil {
		return err
	}
	resp, err := s.es.Index(
		s.index(UsersIndex), body,
		s.es.Index.WithContext(ctx),
		s.es.Index.WithDocumentID(u.UserID),
		s.es.Index.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}

// DeleteUser removes a user document.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	resp, err := s.es.Delete(
		s.index(UsersIndex), userID,
		s.es.Delete.WithContext(ctx),
		s.es.Delete.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}
