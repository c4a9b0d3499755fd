package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owlcap/owlcap/internal/cluster"
	"github.com/owlcap/owlcap/internal/config"
	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/user"
)

type fakeUserSource struct {
	mu    sync.Mutex
	users map[string]*esstore.User
}

func (f *fakeUserSource) GetUser(ctx context.Context, userID string) (*esstore.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: 404 not found", userID)
	}
	return u, nil
}

func (f *fakeUserSource) SaveUser(ctx context.Context, u *esstore.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UserID] = u
	return nil
}

func (f *fakeUserSource) ListUsers(ctx context.Context) ([]*esstore.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*esstore.User
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeUserSource) DeleteUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, userID)
	return nil
}

type authFixture struct {
	authn *Authenticator
	auth  *cluster.Auth
	src   *fakeUserSource
}

func newAuthFixture(t *testing.T, cfg *config.Config) *authFixture {
	t.Helper()
	if cfg.HTTPRealm == "" {
		cfg.HTTPRealm = "Owlcap"
	}
	if cfg.PasswordSecret == "" {
		cfg.PasswordSecret = "password-secret"
	}
	if cfg.ServerSecret == "" {
		cfg.ServerSecret = "server-secret"
	}

	auth, err := cluster.NewAuth(cfg.ServerSecret, cfg.PasswordSecret)
	require.NoError(t, err)

	src := &fakeUserSource{users: map[string]*esstore.User{
		"alice": {
			UserID:            "alice",
			Enabled:           true,
			WebEnabled:        true,
			HeaderAuthEnabled: true,
			PassStore:         user.HA1("alice", cfg.HTTPRealm, "hunter2"),
		},
		"mallory": {UserID: "mallory", Enabled: false},
	}}
	return &authFixture{
		authn: NewAuthenticator(cfg, auth, user.NewCache(src)),
		auth:  auth,
		src:   src,
	}
}

// echoPrincipal reports the resolved identity so tests can assert on it.
func echoPrincipal() (http.Handler, *Principal) {
	captured := &Principal{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := PrincipalFrom(r.Context()); p != nil {
			*captured = *p
		}
		w.WriteHeader(http.StatusOK)
	}), captured
}

func TestAuthPeerToken(t *testing.T) {
	f := newAuthFixture(t, &config.Config{})
	handler, got := echoPrincipal()

	token, err := f.auth.Sign("alice", "/api/sessions", "server-secret")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set(cluster.PeerAuthHeader, token)
	rec := httptest.NewRecorder()
	f.authn.Wrap(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, got.PeerAuth)
	assert.Equal(t, "alice", got.User.UserID)
	assert.Empty(t, rec.Result().Cookies(), "peer requests get no csrf cookie")
}

func TestAuthPeerTokenUnknownUserIsSynthetic(t *testing.T) {
	f := newAuthFixture(t, &config.Config{})
	handler, got := echoPrincipal()

	token, err := f.auth.Sign("remote-operator", "/api/x", "server-secret")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set(cluster.PeerAuthHeader, token)
	rec := httptest.NewRecorder()
	f.authn.Wrap(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "remote-operator", got.User.UserID)
	assert.True(t, got.User.Enabled)
}

func TestAuthReceiveRequiresPeerToken(t *testing.T) {
	f := newAuthFixture(t, &config.Config{RegressionTests: true})

	req := httptest.NewRequest(http.MethodPost, ReceivePath, strings.NewReader("data"))
	rec := httptest.NewRecorder()
	f.authn.Wrap(http.NotFoundHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestAuthReceiveAcceptsRemoteClusterSecret(t *testing.T) {
	f := newAuthFixture(t, &config.Config{
		RemoteClusters: map[string]config.RemoteClusterConfig{
			"upstream": {URL: "https://up.example:8005", ServerSecret: "upstream-secret"},
		},
	})
	handler, got := echoPrincipal()

	// The sending cluster seals with its own server secret, not ours.
	sender, err := cluster.NewAuth("upstream-secret", "whatever")
	require.NoError(t, err)
	token, err := sender.Sign("forwarder", ReceivePath, "upstream-secret")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, ReceivePath, strings.NewReader("data"))
	req.Header.Set(cluster.PeerAuthHeader, token)
	rec := httptest.NewRecorder()
	f.authn.Wrap(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, got.PeerAuth)
	assert.Equal(t, "forwarder", got.User.UserID)
}

func TestAuthHeader(t *testing.T) {
	f := newAuthFixture(t, &config.Config{
		UserNameHeader:        "remote_user",
		RequiredAuthHeader:    "x-auth-group",
		RequiredAuthHeaderVal: "staff,admins",
	})
	handler, got := echoPrincipal()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("remote_user", "alice")
	req.Header.Set("x-auth-group", "staff")
	rec := httptest.NewRecorder()
	f.authn.Wrap(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", got.User.UserID)
	assert.False(t, got.PeerAuth)

	// The GET handed out a csrf cookie for the UI.
	var csrf *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == cluster.CSRFCookie {
			csrf = c
		}
	}
	require.NotNil(t, csrf)
	assert.NoError(t, f.auth.VerifyCSRF(csrf.Value, "alice"))
}

func TestAuthHeaderGroupMismatch(t *testing.T) {
	f := newAuthFixture(t, &config.Config{
		UserNameHeader:        "remote_user",
		RequiredAuthHeader:    "x-auth-group",
		RequiredAuthHeaderVal: "staff",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("remote_user", "alice")
	req.Header.Set("x-auth-group", "guests")
	rec := httptest.NewRecorder()
	f.authn.Wrap(http.NotFoundHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHeaderDisabledUser(t *testing.T) {
	f := newAuthFixture(t, &config.Config{UserNameHeader: "remote_user"})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("remote_user", "mallory")
	rec := httptest.NewRecorder()
	f.authn.Wrap(http.NotFoundHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHeaderAutoCreate(t *testing.T) {
	f := newAuthFixture(t, &config.Config{
		UserNameHeader:     "remote_user",
		UserAutoCreateTmpl: `{"userName":"$userId","enabled":true,"webEnabled":true,"headerAuthEnabled":true}`,
	})
	handler, got := echoPrincipal()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("remote_user", "newhire")
	rec := httptest.NewRecorder()
	f.authn.Wrap(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "newhire", got.User.UserID)
	assert.NotNil(t, f.src.users["newhire"], "template user was persisted")
}

func TestAuthDigestFullFlow(t *testing.T) {
	f := newAuthFixture(t, &config.Config{})
	handler, got := echoPrincipal()
	wrapped := f.authn.Wrap(handler)

	// First request with no credentials earns a challenge.
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	m := regexp.MustCompile(`nonce="([^"]+)"`).FindStringSubmatch(challenge)
	require.Len(t, m, 2)
	nonce := m[1]

	// Answer it.
	ha1 := user.HA1("alice", "Owlcap", "hunter2")
	uri := "/api/sessions"
	ha2 := md5hex("GET:" + uri)
	response := md5hex(ha1 + ":" + nonce + ":00000001:cn:auth:" + ha2)
	authz := fmt.Sprintf(`Digest username="alice", realm="Owlcap", nonce="%s", uri="%s", qop=auth, nc=00000001, cnonce="cn", response="%s"`,
		nonce, uri, response)

	req := httptest.NewRequest(http.MethodGet, uri, nil)
	req.Header.Set("Authorization", authz)
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", got.User.UserID)

	// A wrong password fails with a fresh challenge.
	bad := strings.Replace(authz, response, md5hex("nope"), 1)
	req = httptest.NewRequest(http.MethodGet, uri, nil)
	req.Header.Set("Authorization", bad)
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestAuthRegressionAnonymous(t *testing.T) {
	f := newAuthFixture(t, &config.Config{RegressionTests: true})
	handler, got := echoPrincipal()

	rec := httptest.NewRecorder()
	f.authn.Wrap(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", got.User.UserID)
	assert.True(t, got.User.CreateEnabled)
}

func TestAuthCSRFEnforcedOnMutations(t *testing.T) {
	f := newAuthFixture(t, &config.Config{RegressionTests: true})
	handler, _ := echoPrincipal()
	wrapped := f.authn.Wrap(handler)

	// POST without the header is rejected.
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/hunt", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "csrf")

	// With a token signed for the same user it passes.
	token, err := f.auth.SignCSRF("anonymous")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/hunt", nil)
	req.Header.Set(cluster.CSRFHeader, token)
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A token minted for a different user does not.
	other, err := f.auth.SignCSRF("bob")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/hunt", nil)
	req.Header.Set(cluster.CSRFHeader, other)
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
