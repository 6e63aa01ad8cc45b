package rest

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/conduit/pkg/httpclient"
)

// call is an API request before it is encoded.
type call struct {
	method   string
	path     string
	encoding string
	query    url.Values
	params   url.Values
	header   http.Header
}

// authenticator adds credentials to a call.
type authenticator interface {
	sign(ctx context.Context, c *call) error

	// invalidate drops cached credentials after the API rejected them.
	invalidate()
}

func newAuthenticator(cfg *Config, client *httpclient.Client) authenticator {
	switch cfg.Auth.Type {
	case AuthBearer:
		return headerAuth{name: "Authorization", value: "Bearer " + cfg.Auth.Token}
	case AuthHeader:
		return headerAuth{name: cfg.Auth.Header, value: cfg.Auth.Token}
	case AuthBasic:
		return basicAuth{username: cfg.Auth.Username, password: cfg.Auth.Password}
	case AuthShiprocket:
		return &tokenAuth{
			client:   client,
			loginURL: cfg.BaseURL + "/auth/login",
			email:    cfg.Auth.Email,
			password: cfg.Auth.Password,
			ttl:      cfg.Auth.TokenTTL,
			now:      time.Now,
		}
	case AuthPayU:
		return payuAuth{key: cfg.Auth.Key, salt: cfg.Auth.Salt}
	default:
		return noAuth{}
	}
}

type noAuth struct{}

func (noAuth) sign(context.Context, *call) error { return nil }
func (noAuth) invalidate()                       {}

type headerAuth struct {
	name  string
	value string
}

func (h headerAuth) sign(_ context.Context, c *call) error {
	c.header.Set(h.name, h.value)
	return nil
}

func (headerAuth) invalidate() {}

type basicAuth struct {
	username string
	password string
}

func (b basicAuth) sign(_ context.Context, c *call) error {
	req := http.Request{Header: c.header}
	req.SetBasicAuth(b.username, b.password)
	return nil
}

func (basicAuth) invalidate() {}

// tokenAuth logs in with email and password and reuses the bearer token
// until it expires. Concurrent calls share one login.
type tokenAuth struct {
	client   *httpclient.Client
	loginURL string
	email    string
	password string
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
	group   singleflight.Group
}

func (t *tokenAuth) sign(ctx context.Context, c *call) error {
	token, err := t.current(ctx)
	if err != nil {
		return err
	}
	c.header.Set("Authorization", "Bearer "+token)
	return nil
}

func (t *tokenAuth) current(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && t.now().Before(t.expires) {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	v, err, _ := t.group.Do("login", func() (any, error) {
		token, err := t.login(ctx)
		if err != nil {
			return "", err
		}
		t.mu.Lock()
		t.token, t.expires = token, t.now().Add(t.ttl)
		t.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (t *tokenAuth) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"email": t.email, "password": t.password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.loginURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("login response carried no token")
	}
	slog.Debug("Obtained API token", "url", t.loginURL)
	return out.Token, nil
}

func (t *tokenAuth) invalidate() {
	t.mu.Lock()
	t.token = ""
	t.mu.Unlock()
}

// payuAuth signs merchant API calls. The hash covers the key, the command,
// the first variable and the salt.
type payuAuth struct {
	key  string
	salt string
}

func (p payuAuth) sign(_ context.Context, c *call) error {
	command := c.params.Get("command")
	if command == "" {
		return fmt.Errorf("payu: call has no command")
	}
	c.params.Set("key", p.key)
	c.params.Set("hash", payuHash(p.key, command, c.params.Get("var1"), p.salt))
	return nil
}

func (payuAuth) invalidate() {}

func payuHash(key, command, var1, salt string) string {
	sum := sha512.Sum512([]byte(key + "|" + command + "|" + var1 + "|" + salt))
	return hex.EncodeToString(sum[:])
}
