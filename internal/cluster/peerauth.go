package cluster

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// PeerAuthHeader carries the signed node-to-node token.
const PeerAuthHeader = "x-moloch-auth"

// CSRFHeader carries the anti-CSRF token on mutating endpoints.
const CSRFHeader = "x-moloch-cookie"

// CSRFCookie is the cookie the UI token is set in.
const CSRFCookie = "MOLOCH-COOKIE"

// peerTokenMaxSkew is the accept window for peer tokens. Deliberately much
// tighter than the CSRF window: peer tokens are minted per request.
const peerTokenMaxSkew = 120 * time.Second

// csrfMaxSkew is the accept window for the UI CSRF token.
const csrfMaxSkew = 2400 * time.Second

// PeerToken is the payload of an x-moloch-auth header.
type PeerToken struct {
	Date   int64  `json:"date"` // ms since epoch
	PID    int    `json:"pid"`
	UserID string `json:"user"`
	Path   string `json:"path"`
}

// CSRFToken is the payload of the UI cookie token.
type CSRFToken struct {
	Date   int64  `json:"date"` // ms since epoch
	PID    int    `json:"pid"`
	UserID string `json:"user"`
}

// Auth signs and verifies short-lived AES-sealed tokens between nodes and for
// the UI CSRF cookie.
type Auth struct {
	serverSecret   string
	passwordSecret string
	peerGCM        cipher.AEAD
	csrfGCM        cipher.AEAD
}

// NewAuth creates an Auth. serverSecret seals peer tokens; passwordSecret
// seals the CSRF cookie. Keys are derived once up front.
func NewAuth(serverSecret, passwordSecret string) (*Auth, error) {
	peerGCM, err := newGCM(serverSecret)
	if err != nil {
		return nil, err
	}
	csrfGCM, err := newGCM(passwordSecret)
	if err != nil {
		return nil, err
	}
	return &Auth{
		serverSecret:   serverSecret,
		passwordSecret: passwordSecret,
		peerGCM:        peerGCM,
		csrfGCM:        csrfGCM,
	}, nil
}

// gcmFor returns the cached AEAD when secret matches a configured one,
// deriving a fresh key only for per-node or remote-cluster overrides.
func (a *Auth) gcmFor(secret string) (cipher.AEAD, error) {
	switch secret {
	case "", a.serverSecret:
		return a.peerGCM, nil
	case a.passwordSecret:
		return a.csrfGCM, nil
	}
	return newGCM(secret)
}

// Sign emits a token for a request to path on behalf of userID, sealed with
// secret (per-target-node secrets override the fleet secret).
func (a *Auth) Sign(userID, path, secret string) (string, error) {
	gcm, err := a.gcmFor(secret)
	if err != nil {
		return "", err
	}
	tok := PeerToken{
		Date:   time.Now().UnixMilli(),
		PID:    os.Getpid(),
		UserID: userID,
		Path:   path,
	}
	return seal(gcm, tok)
}

// Verify decodes a peer token and enforces the path binding and the skew
// window. Returns the embedded userID on success.
func (a *Auth) Verify(token, requestPath string) (string, error) {
	return a.VerifyWithSecret(token, requestPath, a.serverSecret)
}

// VerifyWithSecret is Verify with an explicit secret, for remote-cluster
// receive endpoints configured with their own serverSecret.
func (a *Auth) VerifyWithSecret(token, requestPath, secret string) (string, error) {
	gcm, err := a.gcmFor(secret)
	if err != nil {
		return "", err
	}
	var tok PeerToken
	if err := open(gcm, token, &tok); err != nil {
		return "", fmt.Errorf("invalid peer token: %w", err)
	}
	if tok.Path != requestPath {
		return "", fmt.Errorf("peer token path mismatch: token %q, request %q", tok.Path, requestPath)
	}
	if skew := time.Since(time.UnixMilli(tok.Date)); skew > peerTokenMaxSkew || skew < -peerTokenMaxSkew {
		return "", fmt.Errorf("peer token expired: skew %s", skew)
	}
	return tok.UserID, nil
}

// SignCSRF emits the UI cookie token for userID.
func (a *Auth) SignCSRF(userID string) (string, error) {
	tok := CSRFToken{
		Date:   time.Now().UnixMilli(),
		PID:    os.Getpid(),
		UserID: userID,
	}
	return seal(a.csrfGCM, tok)
}

// VerifyCSRF checks a cookie token against the authenticated user.
func (a *Auth) VerifyCSRF(token, userID string) error {
	var tok CSRFToken
	if err := open(a.csrfGCM, token, &tok); err != nil {
		return fmt.Errorf("invalid csrf token: %w", err)
	}
	if tok.UserID != userID {
		return fmt.Errorf("csrf token user mismatch")
	}
	if skew := time.Since(time.UnixMilli(tok.Date)); skew > csrfMaxSkew || skew < -csrfMaxSkew {
		return fmt.Errorf("csrf token expired: skew %s", skew)
	}
	return nil
}

// seal AES-GCM encrypts the JSON encoding of v and returns it
// base64-encoded, nonce prepended.
func seal(gcm cipher.AEAD, v interface{}) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func open(gcm cipher.AEAD, token string, v interface{}) error {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("bad encoding: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return fmt.Errorf("token too short")
	}
	plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}
	return json.Unmarshal(plain, v)
}

// tokenKeySalt is fixed fleet-wide: both ends derive the same key from the
// shared secret.
var tokenKeySalt = []byte("owlcap-token-v1")

func newGCM(secret string) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), tokenKeySalt, 4096, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
