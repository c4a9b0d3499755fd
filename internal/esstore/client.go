// Package esstore is the typed facade over the Elasticsearch indices the
// viewer consumes: sessions, hunts, cron queries, users, files, lookups and
// the append-only history log.
package esstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/config"
)

// Store wraps the Elasticsearch client with index naming and response
// decoding shared by all the per-index facades.
type Store struct {
	es     *elasticsearch.Client
	prefix string
	log    *logrus.Entry
}

// New creates a Store connected to the configured Elasticsearch endpoints.
func New(cfg *config.Config) (*Store, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.ElasticsearchURLs(),
		Username:  cfg.ElasticsearchUser,
		Password:  cfg.ElasticsearchPassword,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &Store{
		es:     es,
		prefix: cfg.ElasticsearchPrefix,
		log:    logrus.WithField("component", "esstore"),
	}, nil
}

// NewWithClient creates a Store around an existing client. Used by tests.
func NewWithClient(es *elasticsearch.Client, prefix string) *Store {
	return &Store{
		es:     es,
		prefix: prefix,
		log:    logrus.WithField("component", "esstore"),
	}
}

func (s *Store) index(name string) string {
	return s.prefix + name
}

// hit is a single search hit.
type hit struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
}

// searchResponse is the subset of an Elasticsearch search/scroll response the
// facades need.
type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []hit `json:"hits"`
	} `json:"hits"`
}

type getResponse struct {
	ID     string          `json:"_id"`
	Found  bool            `json:"found"`
	Source json.RawMessage `json:"_source"`
}

// decodeResponse consumes and closes an esapi response, returning an error on
// transport failure or any non-2xx status, otherwise decoding into out.
func decodeResponse(res *esapi.Response, err error, out interface{}) error {
	if err != nil {
		return fmt.Errorf("elasticsearch request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("elasticsearch error: %s: %s", res.Status(), bytes.TrimSpace(body))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode elasticsearch response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err wraps a 404 from Elasticsearch.
func IsNotFound(err error) bool {
	return err != nil && errNotFoundIn(err.Error())
}

func errNotFoundIn(msg string) bool {
	return bytes.Contains([]byte(msg), []byte("404"))
}

func encodeBody(v interface{}) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return &buf, nil
}

// Health pings the cluster; used at boot to fail fast on a bad endpoint.
func (s *Store) Health(ctx context.Context) error {
	resp, err := s.es.Ping(s.es.Ping.WithContext(ctx))
	return decodeResponse(resp, err, nil)
}
