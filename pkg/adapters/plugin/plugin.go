// Package plugin runs adapters as separate processes over hashicorp
// go-plugin. A plugin binary implements Backend and calls Serve; the host
// starts it on first use and speaks net/rpc to it.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

// Scheme handled by this package.
const Scheme = "plugin"

// Name is the dispensed plugin name.
const Name = "adapter"

// Handshake must match between host and plugin binaries.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CONDUIT_PLUGIN",
	MagicCookieValue: "conduit_adapter_v1",
}

// Backend is implemented by plugin binaries. Queries are opaque JSON owned
// by the plugin.
type Backend interface {
	Configure(ctx context.Context, settings map[string]any) error
	Translate(ctx context.Context, intent *adapter.Intent) (json.RawMessage, error)
	Execute(ctx context.Context, query json.RawMessage) ([]adapter.Record, error)
	Introspect(ctx context.Context) ([]adapter.SchemaChunk, error)
	HealthCheck(ctx context.Context) bool
}

// Serve runs b as a plugin. It is called from the plugin's main and does
// not return.
func Serve(b Backend) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]goplugin.Plugin{Name: &AdapterPlugin{Impl: b}},
	})
}

// Config is the connection block of a plugin source.
type Config struct {
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	StartTimeout time.Duration     `yaml:"start_timeout,omitempty" jsonschema:"default=30s"`
	LogLevel     string            `yaml:"log_level,omitempty" jsonschema:"default=info"`

	// Settings are handed to the plugin's Configure.
	Settings map[string]any `yaml:"settings,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// Query is a plugin-defined query.
type Query struct {
	Payload json.RawMessage
}

func (*Query) QueryKind() string { return "plugin" }

// Option configures an Adapter.
type Option func(*Adapter)

// WithBackend uses b instead of launching the configured command.
func WithBackend(b Backend) Option {
	return func(a *Adapter) {
		a.backend = b
	}
}

// Adapter is a source served by a plugin process.
type Adapter struct {
	desc   adapter.Descriptor
	cfg    Config
	logger hclog.Logger

	mu         sync.Mutex
	client     *goplugin.Client
	backend    Backend
	configured bool
}

// New creates an adapter for desc. The plugin process starts on first use.
func New(desc adapter.Descriptor, opts ...Option) (*Adapter, error) {
	var cfg Config
	if err := adapter.DecodeConnection(desc, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("source %q: %w", desc.ID, err)
	}
	a := &Adapter{
		desc: desc,
		cfg:  cfg,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:   "conduit-plugin." + desc.ID,
			Level:  hclog.LevelFromString(cfg.LogLevel),
			Output: os.Stderr,
		}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Register adds the plugin scheme to s.
func Register(s *adapter.Schemes) error {
	return s.Register(Scheme, func(desc adapter.Descriptor) (adapter.Adapter, error) {
		return New(desc)
	})
}

func (a *Adapter) Descriptor() adapter.Descriptor { return a.desc.Clone() }

// remote returns a configured backend, launching the plugin if needed.
// A crashed plugin is relaunched.
func (a *Adapter) remote(ctx context.Context) (Backend, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil && a.client.Exited() {
		a.logger.Warn("plugin exited, restarting", "command", a.cfg.Command)
		a.client, a.backend, a.configured = nil, nil, false
	}
	if a.backend == nil {
		if err := a.launch(); err != nil {
			return nil, err
		}
	}
	if !a.configured {
		settings := a.cfg.Settings
		if settings == nil {
			settings = map[string]any{}
		}
		if err := a.backend.Configure(ctx, settings); err != nil {
			return nil, a.convert(fmt.Errorf("configure: %w", err))
		}
		a.configured = true
	}
	return a.backend, nil
}

func (a *Adapter) launch() error {
	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range a.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          map[string]goplugin.Plugin{Name: &AdapterPlugin{}},
		Cmd:              cmd,
		Logger:           a.logger,
		StartTimeout:     a.cfg.StartTimeout,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return adapter.NewExecutionError(a.desc.ID, true, fmt.Errorf("failed to start plugin: %w", err))
	}
	raw, err := rpcClient.Dispense(Name)
	if err != nil {
		client.Kill()
		return adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("failed to dispense plugin: %w", err))
	}
	backend, ok := raw.(Backend)
	if !ok {
		client.Kill()
		return adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("plugin returned %T", raw))
	}
	a.client, a.backend = client, backend
	a.logger.Debug("plugin started", "command", a.cfg.Command)
	return nil
}

// convert maps plugin failures onto the adapter error types.
func (a *Adapter) convert(err error) error {
	var remote *remoteError
	var execErr *adapter.ExecutionError
	var te *adapter.TranslationError
	switch {
	case errors.As(err, &remote):
		converted := remote.wire.toError(a.desc.ID)
		if errors.As(converted, &te) {
			return converted
		}
		return adapter.NewExecutionError(a.desc.ID, adapter.IsRetryable(converted), err)
	case errors.As(err, &execErr), errors.As(err, &te):
		return err
	default:
		// Transport failures usually mean the process died.
		return adapter.NewExecutionError(a.desc.ID, true, err)
	}
}

func (a *Adapter) Translate(ctx context.Context, in *adapter.Intent) (adapter.BackendQuery, error) {
	b, err := a.remote(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := b.Translate(ctx, in)
	if err != nil {
		return nil, a.convert(err)
	}
	return &Query{Payload: payload}, nil
}

func (a *Adapter) Execute(ctx context.Context, q adapter.BackendQuery) ([]adapter.Record, error) {
	query, ok := q.(*Query)
	if !ok {
		return nil, adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("unexpected query type %T", q))
	}
	b, err := a.remote(ctx)
	if err != nil {
		return nil, err
	}
	records, err := b.Execute(ctx, query.Payload)
	if err != nil {
		return nil, a.convert(err)
	}
	for i := range records {
		records[i] = adapter.NewRecord(a.desc.ID, records[i].RecordType, records[i].Fields)
	}
	return records, nil
}

func (a *Adapter) Introspect(ctx context.Context) ([]adapter.SchemaChunk, error) {
	b, err := a.remote(ctx)
	if err != nil {
		return nil, err
	}
	chunks, err := b.Introspect(ctx)
	if err != nil {
		return nil, a.convert(err)
	}
	for i := range chunks {
		chunks[i].SourceID = a.desc.ID
		if chunks[i].ID == "" {
			chunks[i].ID = a.desc.ID + ":" + chunks[i].Entity
		}
	}
	return chunks, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	b, err := a.remote(ctx)
	if err != nil {
		return false
	}
	return b.HealthCheck(ctx)
}

// Close stops the plugin process.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Kill()
		a.client = nil
	}
	a.backend, a.configured = nil, false
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
