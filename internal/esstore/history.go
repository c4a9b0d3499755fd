package esstore

import (
	"context"
	"time"
)

// HistoryIndex is the append-only per-request audit log.
const HistoryIndex = "history"

// AppendHistory indexes one audit row. History is fire-and-forget from the
// request path; callers log failures but never surface them to the user.
func (s *Store) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	body, err := encodeBody(e)
	if err != nil {
		return err
	}
	resp, err := s.es.Index(
		s.index(HistoryIndex), body,
		s.es.Index.WithContext(ctx),
	)
	return decodeResponse(resp, err, nil)
}
