package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	clientName    = "steward"
	clientVersion = "1.0.0"

	// httpMaxRetries is handed to the streamable transport for transparent
	// reconnects below the supervision layer.
	httpMaxRetries = 2
)

// Conn is one live MCP session. *sessionConn implements it over the SDK;
// tests substitute fakes through Options.Dialer.
type Conn interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	Ping(ctx context.Context) error
	SessionID() string

	// Close asks the session to shut down gracefully. Kill tears the
	// transport down immediately. Wait blocks until the session ends.
	Close() error
	Kill() error
	Wait() error
}

// Dialer establishes a connection for a config. stderr receives the child
// process's stderr stream on stdio transports.
type Dialer func(ctx context.Context, cfg ServerConfig, stderr io.Writer) (Conn, error)

// Dial connects using the transport selected by the config.
func Dial(ctx context.Context, cfg ServerConfig, stderr io.Writer) (Conn, error) {
	impl := &mcpsdk.Implementation{Name: clientName, Version: clientVersion}

	switch c := cfg.(type) {
	case *StdioConfig:
		return dialStdio(ctx, impl, c, stderr)
	case *HTTPConfig:
		return dialHTTP(ctx, impl, c)
	case *SSEConfig:
		return dialSSE(ctx, impl, c)
	default:
		return nil, &ConfigError{ServerID: cfg.ID(), Field: "transport", Reason: fmt.Sprintf("unsupported config type %T", cfg)}
	}
}

func dialStdio(ctx context.Context, impl *mcpsdk.Implementation, cfg *StdioConfig, stderr io.Writer) (Conn, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}

	client := mcpsdk.NewClient(impl, nil)
	session, err := client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to launch %q: %w", cfg.Command, err)
	}
	return &sessionConn{session: session, cmd: cmd}, nil
}

// dialHTTP tries the streamable transport first and falls back to SSE so
// older servers keep working behind the same config.
func dialHTTP(ctx context.Context, impl *mcpsdk.Implementation, cfg *HTTPConfig) (Conn, error) {
	httpClient := headerClient(cfg.Headers)

	streamable := &mcpsdk.StreamableClientTransport{
		Endpoint:   cfg.Endpoint,
		HTTPClient: httpClient,
		MaxRetries: httpMaxRetries,
	}
	session, streamErr := mcpsdk.NewClient(impl, nil).Connect(ctx, streamable, nil)
	if streamErr == nil {
		return &sessionConn{session: session}, nil
	}
	if ctx.Err() != nil {
		return nil, streamErr
	}

	sse := &mcpsdk.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: httpClient}
	session, err := mcpsdk.NewClient(impl, nil).Connect(ctx, sse, nil)
	if err != nil {
		return nil, fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err)
	}
	return &sessionConn{session: session}, nil
}

func dialSSE(ctx context.Context, impl *mcpsdk.Implementation, cfg *SSEConfig) (Conn, error) {
	sse := &mcpsdk.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: headerClient(cfg.Headers)}
	session, err := mcpsdk.NewClient(impl, nil).Connect(ctx, sse, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", cfg.Endpoint, err)
	}
	return &sessionConn{session: session}, nil
}

type sessionConn struct {
	session *mcpsdk.ClientSession
	cmd     *exec.Cmd
}

func (c *sessionConn) CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	return c.session.CallTool(ctx, params)
}

func (c *sessionConn) ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error) {
	return c.session.ListTools(ctx, params)
}

func (c *sessionConn) Ping(ctx context.Context) error {
	return c.session.Ping(ctx, nil)
}

func (c *sessionConn) SessionID() string { return c.session.ID() }

func (c *sessionConn) Close() error { return c.session.Close() }

func (c *sessionConn) Kill() error {
	if c.cmd != nil && c.cmd.Process != nil {
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	}
	return c.session.Close()
}

func (c *sessionConn) Wait() error { return c.session.Wait() }

// headerClient clones the default HTTP client with a transport that injects
// the configured headers on every request.
func headerClient(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return http.DefaultClient
	}
	clone := *http.DefaultClient
	clone.Transport = &headerRoundTripper{next: http.DefaultTransport, headers: headers}
	return &clone
}

type headerRoundTripper struct {
	next    http.RoundTripper
	headers map[string]string
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	return rt.next.RoundTrip(req)
}
