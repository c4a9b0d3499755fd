package esstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// FilesIndex maps (node, num) to the PCAP file written by a capture node.
const FilesIndex = "files"

// GetFile returns the file row for (node, num).
func (s *Store) GetFile(ctx context.Context, node string, num int64) (*File, error) {
	body, err := encodeBody(map[string]interface{}{
		"size": 1,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"node": node}},
					map[string]interface{}{"term": map[string]interface{}{"num": num}},
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(FilesIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}
	if len(res.Hits.Hits) == 0 {
		return nil, fmt.Errorf("file %s-%d: 404 not found", node, num)
	}
	return decodeFileHit(res.Hits.Hits[0])
}

// OldestFiles returns up to size unlocked files on the given node whose names
// fall under any of the directory wildcards, oldest first. The ExpiryEngine
// walks this list when a device runs below its free-space target.
func (s *Store) OldestFiles(ctx context.Context, node string, dirWildcards []string, size int) ([]*File, error) {
	should := make([]interface{}, 0, len(dirWildcards))
	for _, w := range dirWildcards {
		should = append(should, map[string]interface{}{
			"wildcard": map[string]interface{}{"name": w},
		})
	}
	body, err := encodeBody(map[string]interface{}{
		"size": size,
		"sort": []interface{}{map[string]interface{}{"first": "asc"}},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"node": node}},
					map[string]interface{}{
						"bool": map[string]interface{}{
							"should":               should,
							"minimum_should_match": 1,
						},
					},
				},
				"must_not": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"locked": 1}},
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(FilesIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, err
	}

	files := make([]*File, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		f, err := decodeFileHit(h)
		if err != nil {
			s.log.WithError(err).WithField("id", h.ID).Warn("Skipping undecodable file document")
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

// FileCount returns the number of files on node under the wildcards, locked
// or not. The expiry hard floor counts every remaining file.
func (s *Store) FileCount(ctx context.Context, node string, dirWildcards []string) (int64, error) {
	should := make([]interface{}, 0, len(dirWildcards))
	for _, w := range dirWildcards {
		should = append(should, map[string]interface{}{
			"wildcard": map[string]interface{}{"name": w},
		})
	}
	body, err := encodeBody(map[string]interface{}{
		"size": 0,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"node": node}},
					map[string]interface{}{
						"bool": map[string]interface{}{
							"should":               should,
							"minimum_should_match": 1,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return 0, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(FilesIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return 0, err
	}
	return res.Hits.Total.Value, nil
}

// ListFiles returns one page of file rows, oldest first. An empty node lists
// the whole fleet.
func (s *Store) ListFiles(ctx context.Context, node string, from, size int) ([]*File, int64, error) {
	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if node != "" {
		query = map[string]interface{}{"term": map[string]interface{}{"node": node}}
	}
	body, err := encodeBody(map[string]interface{}{
		"from":  from,
		"size":  size,
		"sort":  []interface{}{map[string]interface{}{"first": "asc"}},
		"query": query,
	})
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index(FilesIndex)),
		s.es.Search.WithBody(body),
	)
	var res searchResponse
	if err := decodeResponse(resp, err, &res); err != nil {
		return nil, 0, err
	}

	files := make([]*File, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		f, err := decodeFileHit(h)
		if err != nil {
			continue
		}
		files = append(files, f)
	}
	return files, res.Hits.Total.Value, nil
}

// SaveFile writes a file row keyed by (node, num), the same identity GetFile
// resolves by.
func (s *Store) SaveFile(ctx context.Context, f *File) error {
	body, err := encodeBody(f)
	if err != nil {
		return err
	}
	id := f.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d", f.Node, f.Num)
		f.ID = id
	}
	resp, err := s.es.Index(
		s.index(FilesIndex), body,
		s.es.Index.WithContext(ctx),
		s.es.Index.WithDocumentID(id),
		s.es.Index.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}

// DeleteFile removes a file row from the index.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	resp, err := s.es.Delete(
		s.index(FilesIndex), id,
		s.es.Delete.WithContext(ctx),
		s.es.Delete.WithRefresh("true"),
	)
	return decodeResponse(resp, err, nil)
}

func decodeFileHit(h hit) (*File, error) {
	f := &File{}
	if err := json.Unmarshal(h.Source, f); err != nil {
		return nil, err
	}
	f.ID = h.ID
	return f, nil
}
