package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owlcap/owlcap/internal/esstore"
)

type fakeNotifierSource struct {
	byName map[string]*esstore.Notifier
}

func (f *fakeNotifierSource) GetNotifierByName(ctx context.Context, name string) (*esstore.Notifier, error) {
	n, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("notifier %s: 404 not found", name)
	}
	return n, nil
}

func TestFireWebhook(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(&fakeNotifierSource{byName: map[string]*esstore.Notifier{
		"oncall": {Name: "oncall", Type: "webhook", URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer tok"}},
	}}, "cap01")

	require.NoError(t, m.Fire(context.Background(), "oncall", "Hunt finished", "3 of 9 matched"))

	assert.Equal(t, "Bearer tok", gotAuth)
	var alert Alert
	require.NoError(t, json.Unmarshal(gotBody, &alert))
	assert.Equal(t, "Hunt finished", alert.Title)
	assert.Equal(t, "3 of 9 matched", alert.Message)
	assert.Equal(t, "cap01", alert.Node)
	assert.NotZero(t, alert.SentAt)
}

func TestFireSlackFormat(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(&fakeNotifierSource{byName: map[string]*esstore.Notifier{
		"slack": {Name: "slack", Type: "slack", URL: srv.URL},
	}}, "cap01")

	require.NoError(t, m.Fire(context.Background(), "slack", "Hunt finished", "all done"))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Contains(t, payload["text"], "Hunt finished")
	assert.Contains(t, payload["text"], "all done")
	assert.Contains(t, payload["text"], "cap01")
}

func TestFireRetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(&fakeNotifierSource{byName: map[string]*esstore.Notifier{
		"flaky": {Name: "flaky", Type: "webhook", URL: srv.URL},
	}}, "cap01")

	require.NoError(t, m.Fire(context.Background(), "flaky", "t", "m"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFireUnknownNotifier(t *testing.T) {
	m := NewManager(&fakeNotifierSource{byName: map[string]*esstore.Notifier{}}, "cap01")
	assert.Error(t, m.Fire(context.Background(), "ghost", "t", "m"))

	// Empty name means no notifier configured; that is not an error.
	assert.NoError(t, m.Fire(context.Background(), "", "t", "m"))
}
