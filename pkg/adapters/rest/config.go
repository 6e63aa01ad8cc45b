package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kadirpekel/conduit/pkg/httpclient"
)

// Auth types.
const (
	AuthNone       = "none"
	AuthBearer     = "bearer"
	AuthHeader     = "header"
	AuthBasic      = "basic"
	AuthShiprocket = "shiprocket"
	AuthPayU       = "payu"
)

// Body encodings for endpoint parameters.
const (
	EncodingQuery = "query"
	EncodingForm  = "form"
	EncodingJSON  = "json"
)

// Config is the connection block of an HTTP API source.
type Config struct {
	BaseURL    string                `yaml:"base_url"`
	Auth       AuthConfig            `yaml:"auth,omitempty"`
	Headers    map[string]string     `yaml:"headers,omitempty"`
	Timeout    time.Duration         `yaml:"timeout,omitempty" jsonschema:"default=30s"`
	RateLimit  float64               `yaml:"rate_limit,omitempty"`
	Burst      int                   `yaml:"burst,omitempty"`
	MaxRetries int                   `yaml:"max_retries,omitempty" jsonschema:"default=2"`
	TLS        *httpclient.TLSConfig `yaml:"tls,omitempty"`

	// HealthPath is probed by HealthCheck. Empty probes the base URL.
	HealthPath string `yaml:"health_path,omitempty"`

	Endpoints []EndpointConfig `yaml:"endpoints,omitempty"`
}

// AuthConfig selects how requests are authenticated. Which fields apply
// depends on Type.
type AuthConfig struct {
	Type string `yaml:"type,omitempty" jsonschema:"enum=none,enum=bearer,enum=header,enum=basic,enum=shiprocket,enum=payu"`

	Token    string `yaml:"token,omitempty"`
	Header   string `yaml:"header,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// Email and Password log in to Shiprocket. Tokens are reused for
	// TokenTTL.
	Email    string        `yaml:"email,omitempty"`
	TokenTTL time.Duration `yaml:"token_ttl,omitempty"`

	// Key and Salt sign PayU merchant API calls.
	Key  string `yaml:"key,omitempty"`
	Salt string `yaml:"salt,omitempty"`
}

// EndpointConfig maps one entity to an API call.
type EndpointConfig struct {
	Entity      string `yaml:"entity"`
	Description string `yaml:"description,omitempty"`
	Method      string `yaml:"method,omitempty" jsonschema:"default=GET"`
	Path        string `yaml:"path"`
	Encoding    string `yaml:"encoding,omitempty" jsonschema:"enum=query,enum=form,enum=json"`

	// Params are sent on every call using Encoding. Query is always sent
	// in the URL.
	Params map[string]string `yaml:"params,omitempty"`
	Query  map[string]string `yaml:"query,omitempty"`

	// RecordsPath is the dotted path of the record array in the response.
	// Empty means the response itself.
	RecordsPath string `yaml:"records_path,omitempty"`

	// FromParam and ToParam carry the time range, formatted with
	// TimeLayout.
	FromParam  string `yaml:"from_param,omitempty"`
	ToParam    string `yaml:"to_param,omitempty"`
	TimeLayout string `yaml:"time_layout,omitempty" jsonschema:"default=2006-01-02"`

	// TimeField is the record field used to enforce the time range on the
	// returned records.
	TimeField string `yaml:"time_field,omitempty"`

	LimitParam string `yaml:"limit_param,omitempty"`

	// FilterParams maps filter names to request parameters. Other filters
	// are applied to the returned records.
	FilterParams map[string]string `yaml:"filter_params,omitempty"`
}

// SupportsTimeRange reports whether the endpoint can honor a time range.
func (e *EndpointConfig) SupportsTimeRange() bool {
	return (e.FromParam != "" && e.ToParam != "") || e.TimeField != ""
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Auth.Type == "" {
		c.Auth.Type = AuthNone
	}
	if c.Auth.Type == AuthShiprocket && c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 216 * time.Hour
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	for i := range c.Endpoints {
		e := &c.Endpoints[i]
		if e.Method == "" {
			e.Method = http.MethodGet
		}
		e.Method = strings.ToUpper(e.Method)
		if e.Encoding == "" {
			e.Encoding = EncodingQuery
		}
		if e.TimeLayout == "" {
			e.TimeLayout = time.DateOnly
		}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base_url %q", c.BaseURL)
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}

	switch c.Auth.Type {
	case AuthNone:
	case AuthBearer:
		if c.Auth.Token == "" {
			return fmt.Errorf("auth: token is required for bearer")
		}
	case AuthHeader:
		if c.Auth.Header == "" || c.Auth.Token == "" {
			return fmt.Errorf("auth: header and token are required")
		}
	case AuthBasic:
		if c.Auth.Username == "" {
			return fmt.Errorf("auth: username is required for basic")
		}
	case AuthShiprocket:
		if c.Auth.Email == "" || c.Auth.Password == "" {
			return fmt.Errorf("auth: email and password are required for shiprocket")
		}
	case AuthPayU:
		if c.Auth.Key == "" || c.Auth.Salt == "" {
			return fmt.Errorf("auth: key and salt are required for payu")
		}
	default:
		return fmt.Errorf("auth: unknown type %q", c.Auth.Type)
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, e := range c.Endpoints {
		if e.Entity == "" || e.Path == "" {
			return fmt.Errorf("endpoints[%d]: entity and path are required", i)
		}
		if seen[e.Entity] {
			return fmt.Errorf("endpoints[%d]: duplicate entity %q", i, e.Entity)
		}
		seen[e.Entity] = true
		switch e.Encoding {
		case EncodingQuery, EncodingForm, EncodingJSON:
		default:
			return fmt.Errorf("endpoints[%d]: unknown encoding %q", i, e.Encoding)
		}
		if e.Encoding != EncodingQuery && e.Method == http.MethodGet {
			return fmt.Errorf("endpoints[%d]: %s encoding needs a request body, not GET", i, e.Encoding)
		}
	}
	return nil
}

func (c *Config) endpoint(entity string) (EndpointConfig, bool) {
	for _, e := range c.Endpoints {
		if e.Entity == entity {
			return e, true
		}
	}
	return EndpointConfig{}, false
}
