package hunt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owlcap/owlcap/internal/esstore"
)

func TestCompileMatcherASCII(t *testing.T) {
	m, err := compileMatcher(esstore.HuntSearchASCII, "PassWord")
	require.NoError(t, err)
	assert.True(t, m.Match([]byte("the password is hunter2")))
	assert.True(t, m.Match([]byte("PASSWORD=x")))
	assert.False(t, m.Match([]byte("pass word")))

	m, err = compileMatcher(esstore.HuntSearchASCIICase, "PassWord")
	require.NoError(t, err)
	assert.True(t, m.Match([]byte("my PassWord here")))
	assert.False(t, m.Match([]byte("my password here")))
}

func TestCompileMatcherHex(t *testing.T) {
	m, err := compileMatcher(esstore.HuntSearchHex, "DE AD BE EF")
	require.NoError(t, err)
	assert.True(t, m.Match([]byte{0x01, 0xde, 0xad, 0xbe, 0xef, 0x02}))
	assert.False(t, m.Match([]byte{0xde, 0xad, 0xbe}))
}

func TestCompileMatcherRegex(t *testing.T) {
	m, err := compileMatcher(esstore.HuntSearchRegex, `GET /[a-z]+\.php`)
	require.NoError(t, err)
	assert.True(t, m.Match([]byte("GET /shell.php HTTP/1.1")))
	assert.False(t, m.Match([]byte("GET /index.html HTTP/1.1")))

	_, err = compileMatcher(esstore.HuntSearchRegex, `(unclosed`)
	assert.Error(t, err)
}

func TestCompileMatcherHexRegex(t *testing.T) {
	m, err := compileMatcher(esstore.HuntSearchHexRegex, `dead(00)+beef`)
	require.NoError(t, err)
	assert.True(t, m.Match([]byte{0xde, 0xad, 0x00, 0x00, 0xbe, 0xef}))
	assert.False(t, m.Match([]byte{0xde, 0xad, 0xbe, 0xef}))
}

func TestCompileMatcherWildcard(t *testing.T) {
	m, err := compileMatcher(esstore.HuntSearchWildcard, "user=*&pass=?????")
	require.NoError(t, err)
	assert.True(t, m.Match([]byte("user=bob&pass=12345")))
	assert.False(t, m.Match([]byte("user=bob&pass=123")))
}

func TestCompileMatcherUnknownType(t *testing.T) {
	_, err := compileMatcher("fuzzy", "x")
	assert.Error(t, err)
}

func TestWildcardToRegex(t *testing.T) {
	assert.Equal(t, `a(?s:.*)b`, wildcardToRegex("a*b"))
	assert.Equal(t, `a(?s:.)b`, wildcardToRegex("a?b"))
	// Regex metacharacters in the pattern are literal.
	assert.Equal(t, `a\.b\[c\]`, wildcardToRegex("a.b[c]"))
}
