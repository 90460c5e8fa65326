package mcp

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// TransportKind selects how a managed server is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// DefaultCallTimeout bounds a single tool call when the config does not set
// its own.
const DefaultCallTimeout = 30 * time.Second

// ServerConfig is the tagged union of per-transport configurations. Concrete
// types are *StdioConfig, *HTTPConfig, and *SSEConfig; construct them through
// the New* helpers or FromDefinition so placeholder expansion and validation
// run exactly once.
type ServerConfig interface {
	ID() string
	Kind() TransportKind
	Validate() error

	base() *BaseConfig
}

// BaseConfig carries the fields shared by every transport.
type BaseConfig struct {
	ServerID    string
	Name        string
	CallTimeout time.Duration
	// Disabled keeps the server registered but refuses to start it.
	Disabled bool
}

func (b *BaseConfig) ID() string        { return b.ServerID }
func (b *BaseConfig) base() *BaseConfig { return b }

// DisplayName returns the configured name, falling back to the id.
func (b *BaseConfig) DisplayName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.ServerID
}

// StdioConfig launches a local child process speaking MCP over stdin/stdout.
type StdioConfig struct {
	BaseConfig
	Command string
	Args    []string
	Env     map[string]string
}

func (c *StdioConfig) Kind() TransportKind { return TransportStdio }

func (c *StdioConfig) Validate() error {
	if c.ServerID == "" {
		return &ConfigError{ServerID: c.ServerID, Field: "id", Reason: "server id is required"}
	}
	if c.Command == "" {
		return &ConfigError{ServerID: c.ServerID, Field: "command", Reason: "command is required"}
	}
	return nil
}

// HTTPConfig connects to a streamable HTTP MCP endpoint, falling back to SSE
// when the endpoint rejects the streamable transport.
type HTTPConfig struct {
	BaseConfig
	Endpoint string
	Headers  map[string]string
}

func (c *HTTPConfig) Kind() TransportKind { return TransportHTTP }

func (c *HTTPConfig) Validate() error {
	return validateEndpoint(c.ServerID, c.Endpoint)
}

// SSEConfig connects to a legacy server-sent-events MCP endpoint.
type SSEConfig struct {
	BaseConfig
	Endpoint string
	Headers  map[string]string
}

func (c *SSEConfig) Kind() TransportKind { return TransportSSE }

func (c *SSEConfig) Validate() error {
	return validateEndpoint(c.ServerID, c.Endpoint)
}

func validateEndpoint(serverID, endpoint string) error {
	if serverID == "" {
		return &ConfigError{ServerID: serverID, Field: "id", Reason: "server id is required"}
	}
	if endpoint == "" {
		return &ConfigError{ServerID: serverID, Field: "url", Reason: "url is required"}
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return &ConfigError{ServerID: serverID, Field: "url", Reason: fmt.Sprintf("invalid url: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigError{ServerID: serverID, Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return nil
}

// NewStdioConfig builds a stdio config, expanding ${VAR} placeholders in the
// command, arguments, and environment values.
func NewStdioConfig(id, command string, args []string, env map[string]string) (*StdioConfig, error) {
	cfg := &StdioConfig{
		BaseConfig: BaseConfig{ServerID: id, CallTimeout: DefaultCallTimeout},
		Command:    expandPlaceholders(command),
		Args:       expandSlice(args),
		Env:        expandMapValues(env),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewHTTPConfig builds an HTTP config, expanding ${VAR} placeholders in the
// endpoint and header values.
func NewHTTPConfig(id, endpoint string, headers map[string]string) (*HTTPConfig, error) {
	cfg := &HTTPConfig{
		BaseConfig: BaseConfig{ServerID: id, CallTimeout: DefaultCallTimeout},
		Endpoint:   expandPlaceholders(endpoint),
		Headers:    expandMapValues(headers),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewSSEConfig builds an SSE config, expanding ${VAR} placeholders in the
// endpoint and header values.
func NewSSEConfig(id, endpoint string, headers map[string]string) (*SSEConfig, error) {
	cfg := &SSEConfig{
		BaseConfig: BaseConfig{ServerID: id, CallTimeout: DefaultCallTimeout},
		Endpoint:   expandPlaceholders(endpoint),
		Headers:    expandMapValues(headers),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Definition is the on-disk form of a server entry in the config file.
type Definition struct {
	Transport      string            `json:"transport" mapstructure:"transport"`
	Name           string            `json:"name,omitempty" mapstructure:"name"`
	Enabled        *bool             `json:"enabled,omitempty" mapstructure:"enabled"`
	Command        string            `json:"command,omitempty" mapstructure:"command"`
	Args           []string          `json:"args,omitempty" mapstructure:"args"`
	Env            map[string]string `json:"env,omitempty" mapstructure:"env"`
	URL            string            `json:"url,omitempty" mapstructure:"url"`
	Headers        map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
}

// FromDefinition resolves a Definition into a concrete ServerConfig.
func FromDefinition(id string, def Definition) (ServerConfig, error) {
	var (
		cfg ServerConfig
		err error
	)
	switch TransportKind(def.Transport) {
	case TransportStdio:
		cfg, err = NewStdioConfig(id, def.Command, def.Args, def.Env)
	case TransportHTTP:
		cfg, err = NewHTTPConfig(id, def.URL, def.Headers)
	case TransportSSE:
		cfg, err = NewSSEConfig(id, def.URL, def.Headers)
	default:
		return nil, &ConfigError{ServerID: id, Field: "transport", Reason: fmt.Sprintf("unknown transport %q", def.Transport)}
	}
	if err != nil {
		return nil, err
	}
	base := cfg.base()
	base.Name = def.Name
	if def.TimeoutSeconds > 0 {
		base.CallTimeout = time.Duration(def.TimeoutSeconds) * time.Second
	}
	// Absent means enabled; only an explicit false disables.
	if def.Enabled != nil && !*def.Enabled {
		base.Disabled = true
	}
	return cfg, nil
}

// expandPlaceholders resolves $VAR and ${VAR} from the process environment.
// Unset variables expand to the empty string rather than failing, so a config
// referencing an optional secret still loads.
func expandPlaceholders(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

func expandSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = expandPlaceholders(s)
	}
	return out
}

func expandMapValues(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = expandPlaceholders(v)
	}
	return out
}
