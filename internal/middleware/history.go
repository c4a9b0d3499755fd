package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/esstore"
)

// historyBodyLimit caps how much request body the audit row keeps.
const historyBodyLimit = 4096

// passwordScrub blanks password-bearing fields before a body is persisted to
// the history index.
var passwordScrub = regexp.MustCompile(`("(?:password|newPassword|currentPassword|passStore)"\s*:\s*")[^"]*(")`)

// HistorySink receives one audit row per recorded request. Implemented by
// esstore.
type HistorySink interface {
	AppendHistory(ctx context.Context, e *esstore.HistoryEntry) error
}

// History records authenticated API calls to the history index. Peer
// requests are skipped; they would double-log every proxied call.
func History(sink HistorySink, api string) func(http.Handler) http.Handler {
	log := logrus.WithField("component", "history")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFrom(r.Context())
			if p == nil || p.PeerAuth {
				next.ServeHTTP(w, r)
				return
			}

			var body string
			if r.Body != nil && r.ContentLength != 0 {
				buf, err := io.ReadAll(io.LimitReader(r.Body, historyBodyLimit))
				if err == nil {
					r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), r.Body))
					body = ScrubPasswords(string(buf))
				}
			}

			start := time.Now()
			next.ServeHTTP(w, r)

			entry := &esstore.HistoryEntry{
				Timestamp: start.Unix(),
				UserID:    p.User.UserID,
				API:       api,
				Query:     scrubQuery(r.URL.Query()),
				Body:      body,
				QueryTime: time.Since(start).Milliseconds(),
			}
			if err := sink.AppendHistory(r.Context(), entry); err != nil {
				log.WithError(err).WithField("api", api).Warn("Failed to append history entry")
			}
		})
	}
}

// ScrubPasswords blanks password values in a JSON body.
func ScrubPasswords(body string) string {
	return passwordScrub.ReplaceAllString(body, "${1}${2}")
}

func scrubQuery(q url.Values) string {
	for key := range q {
		switch key {
		case "password", "newPassword", "currentPassword":
			q.Set(key, "")
		}
	}
	return q.Encode()
}
