package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://idp.example.com"
	testAudience = "conduit"
	testKeyID    = "test-key-id"
)

type testIDP struct {
	key    *rsa.PrivateKey
	server *httptest.Server
}

func (p *testIDP) jwksURL() string {
	return p.server.URL + "/.well-known/jwks.json"
}

func (p *testIDP) config() Config {
	return Config{JWKSURL: p.jwksURL(), Issuer: testIssuer, Audience: testAudience}
}

// newTestIDP serves the public half of a fresh RSA key as a JWKS.
func newTestIDP(t testing.TB) *testIDP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	body, err := json.Marshal(set)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)

	return &testIDP{key: key, server: server}
}

// sign issues a token for subject. extra overrides or adds claims.
func sign(t testing.TB, key *rsa.PrivateKey, subject string, extra map[string]any) string {
	t.Helper()

	token := jwt.New()
	require.NoError(t, token.Set(jwt.IssuerKey, testIssuer))
	require.NoError(t, token.Set(jwt.AudienceKey, testAudience))
	require.NoError(t, token.Set(jwt.SubjectKey, subject))
	require.NoError(t, token.Set(jwt.IssuedAtKey, time.Now()))
	require.NoError(t, token.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	for k, v := range extra {
		require.NoError(t, token.Set(k, v))
	}

	priv, err := jwk.FromRaw(key)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, testKeyID))

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)
	return string(signed)
}
