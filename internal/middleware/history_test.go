package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owlcap/owlcap/internal/esstore"
)

type fakeHistorySink struct {
	entries []*esstore.HistoryEntry
}

func (f *fakeHistorySink) AppendHistory(ctx context.Context, e *esstore.HistoryEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func withTestPrincipal(r *http.Request, userID string, peer bool) *http.Request {
	return WithPrincipal(r, &Principal{User: &esstore.User{UserID: userID, Enabled: true}, PeerAuth: peer})
}

func TestHistoryRecordsRequest(t *testing.T) {
	sink := &fakeHistorySink{}
	var seenBody string
	handler := History(sink, "sessions")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"expression":"ip.src == 10.0.0.1","password":"hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions?date=1&password=hunter2", strings.NewReader(body))
	req = withTestPrincipal(req, "alice", false)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, body, seenBody, "the handler still sees the full body")

	require.Len(t, sink.entries, 1)
	e := sink.entries[0]
	assert.Equal(t, "alice", e.UserID)
	assert.Equal(t, "sessions", e.API)
	assert.Contains(t, e.Body, "ip.src == 10.0.0.1")
	assert.NotContains(t, e.Body, "hunter2", "passwords never reach the history index")
	assert.NotContains(t, e.Query, "hunter2")
	assert.Contains(t, e.Query, "date=1")
	assert.NotZero(t, e.Timestamp)
}

func TestHistorySkipsPeerRequests(t *testing.T) {
	sink := &fakeHistorySink{}
	handler := History(sink, "sessions")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := withTestPrincipal(httptest.NewRequest(http.MethodGet, "/api/sessions", nil), "alice", true)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// And requests that never authenticated.
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	assert.Empty(t, sink.entries)
}

func TestScrubPasswords(t *testing.T) {
	in := `{"password":"a","newPassword":"b","currentPassword":"c","passStore":"d","keep":"me"}`
	out := ScrubPasswords(in)
	assert.NotContains(t, out, `"a"`)
	assert.Contains(t, out, `"password":""`)
	assert.Contains(t, out, `"newPassword":""`)
	assert.Contains(t, out, `"currentPassword":""`)
	assert.Contains(t, out, `"passStore":""`)
	assert.Contains(t, out, `"keep":"me"`)
}
