package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owlcap/owlcap/internal/cluster"
	"github.com/owlcap/owlcap/internal/config"
	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/pcap"
)

func TestParseSessionQueryDefaults(t *testing.T) {
	before := time.Now().Unix()
	q, err := parseSessionQuery(httptest.NewRequest("GET", "/api/sessions", nil))
	require.NoError(t, err)
	after := time.Now().Unix()

	assert.Equal(t, defaultPageLength, q.Length)
	assert.GreaterOrEqual(t, q.StopTime, before)
	assert.LessOrEqual(t, q.StopTime, after)
	// No date given means the last hour.
	assert.Equal(t, q.StopTime-3600, q.StartTime)
}

func TestParseSessionQueryDateShorthand(t *testing.T) {
	q, err := parseSessionQuery(httptest.NewRequest("GET", "/api/sessions?date=-1", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.StartTime, "date=-1 reaches back to the beginning")
	assert.NotZero(t, q.StopTime)

	q, err = parseSessionQuery(httptest.NewRequest("GET", "/api/sessions?date=5", nil))
	require.NoError(t, err)
	assert.Equal(t, q.StopTime-5*3600, q.StartTime)

	// Explicit times win over the shorthand.
	q, err = parseSessionQuery(httptest.NewRequest("GET", "/api/sessions?date=5&startTime=100&stopTime=200", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(100), q.StartTime)
	assert.Equal(t, int64(200), q.StopTime)
}

func TestParseSessionQueryJSONBody(t *testing.T) {
	body := `{"expression":"node == cap01","startTime":100,"stopTime":200,"length":50}`
	r := httptest.NewRequest("POST", "/api/sessions?expression=node+%3D%3D+cap02", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	q, err := parseSessionQuery(r)
	require.NoError(t, err)
	// Query parameters override the body.
	assert.Equal(t, "node == cap02", q.Expression)
	assert.Equal(t, int64(100), q.StartTime)
	assert.Equal(t, int64(200), q.StopTime)
	assert.Equal(t, 50, q.Length)

	r = httptest.NewRequest("POST", "/api/sessions", strings.NewReader(`{broken`))
	r.Header.Set("Content-Type", "application/json")
	_, err = parseSessionQuery(r)
	assert.Error(t, err)
}

func TestParseSessionQueryEmptyJSONBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/sessions", strings.NewReader(""))
	r.Header.Set("Content-Type", "application/json")
	q, err := parseSessionQuery(r)
	require.NoError(t, err)
	assert.Equal(t, defaultPageLength, q.Length)
}

func TestParseSessionQueryLengthClamps(t *testing.T) {
	q, err := parseSessionQuery(httptest.NewRequest("GET", "/api/sessions?length=-5", nil))
	require.NoError(t, err)
	assert.Equal(t, defaultPageLength, q.Length)

	q, err = parseSessionQuery(httptest.NewRequest("GET", "/api/sessions?length=999999", nil))
	require.NoError(t, err)
	assert.Equal(t, maxPageLength, q.Length)

	q, err = parseSessionQuery(httptest.NewRequest("GET", "/api/sessions?length=250&start=500", nil))
	require.NoError(t, err)
	assert.Equal(t, 250, q.Length)
	assert.Equal(t, 500, q.Start)
}

func TestClampToTimeLimit(t *testing.T) {
	now := time.Now().Unix()

	// No limit leaves the window alone.
	q := &sessionQuery{StartTime: 100, StopTime: 200}
	clampToTimeLimit(q, &esstore.User{})
	assert.Equal(t, int64(100), q.StartTime)

	// A 1-hour limit lifts an ancient start up to the floor.
	q = &sessionQuery{StartTime: 100, StopTime: now}
	clampToTimeLimit(q, &esstore.User{TimeLimit: 1})
	assert.GreaterOrEqual(t, q.StartTime, now-3600)
	assert.Equal(t, now, q.StopTime)

	// A window entirely before the floor collapses to an empty one.
	q = &sessionQuery{StartTime: 100, StopTime: 200}
	clampToTimeLimit(q, &esstore.User{TimeLimit: 1})
	assert.Equal(t, q.StartTime, q.StopTime)
}

func TestSplitIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitIDs(" a, ,b ,"))
	assert.Equal(t, []string{"s1"}, splitIDs("s1"))
	assert.Nil(t, splitIDs(""))
}

func TestScrubRemoteUsesGetRPC(t *testing.T) {
	var gotMethod, gotPath string
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Write([]byte(`{"success":true,"text":"scrubbed"}`))
	}))
	defer peer.Close()

	cfg := &config.Config{
		NodeName:       "cap01",
		ViewPort:       8005,
		ServerSecret:   "fleet-secret",
		PasswordSecret: "pass-secret",
		Nodes:          map[string]config.NodeConfig{"cap02": {ViewURL: peer.URL}},
	}
	auth, err := cluster.NewAuth(cfg.ServerSecret, cfg.PasswordSecret)
	require.NoError(t, err)
	resolver := cluster.NewResolver(cfg)
	s := &Server{cfg: cfg, resolver: resolver, proxy: cluster.NewProxy(resolver, auth)}

	what, err := pcap.ParseWhatToRemove("pcap")
	require.NoError(t, err)
	sess := &esstore.Session{ID: "s1", Node: "cap02"}
	r := httptest.NewRequest("POST", "/api/sessions/delete", nil)

	require.NoError(t, s.scrubRemote(r, sess, what, "alice"))
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/cap02/delete/pcap/s1", gotPath)
}

func TestSessionsWithIDs(t *testing.T) {
	sess := &esstore.Session{}
	require.NoError(t, json.Unmarshal([]byte(`{"node":"cap01","srcIp":"10.0.0.1","http.uri":["/x"]}`), sess))
	sess.ID = "s1"

	out := sessionsWithIDs([]*esstore.Session{sess})
	require.Len(t, out, 1)
	assert.Equal(t, json.RawMessage(`"s1"`), out[0]["id"])
	assert.Equal(t, json.RawMessage(`"cap01"`), out[0]["node"])
	assert.Contains(t, out[0], "http.uri")
}
