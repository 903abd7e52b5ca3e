package upstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/locker"
)

const (
	clientName    = "mcpgateway"
	clientVersion = "1.0.0"
)

// ConnectionOptions carries the per-tenant context a connection is built with.
type ConnectionOptions struct {
	UserID string
	OrgID  string

	// AccessToken, when non-empty, is attached as a bearer Authorization
	// header on remote transports.
	AccessToken string

	// RemoteOnly refuses stdio transports entirely.
	RemoteOnly bool

	// IdleDisconnect auto-disconnects the client after this long without a
	// tool call. Zero disables the timer.
	IdleDisconnect time.Duration

	Logger *zap.Logger
}

// Connection is one client connection to an upstream MCP server. The server
// config is immutable for the connection's lifetime; changing it means
// discarding the connection and creating a new one.
//
// Connect never returns an error: transport and auth failures are recorded
// in the connection status so a broken upstream degrades the tenant's tool
// set instead of failing the whole request.
type Connection struct {
	cfg            *config.ServerConfig
	userID         string
	orgID          string
	remoteOnly     bool
	idleDisconnect time.Duration
	logger         *zap.Logger

	// connectLock serializes connection establishment; concurrent Connect
	// callers wait for the in-flight attempt and adopt its outcome.
	connectLock *locker.Locker

	mu            sync.RWMutex
	client        *client.Client
	accessToken   string
	connected     bool
	lastError     string
	oauthRequired bool
	// tools survives disconnects so tool listings keep working while the
	// upstream is temporarily down.
	tools     []ToolInfo
	idleTimer *time.Timer
}

// NewConnection creates a disconnected connection for the given server
// config. The first Connect or CallTool establishes the session.
func NewConnection(cfg *config.ServerConfig, opts ConnectionOptions) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		cfg:            cfg,
		userID:         opts.UserID,
		orgID:          opts.OrgID,
		accessToken:    opts.AccessToken,
		remoteOnly:     opts.RemoteOnly,
		idleDisconnect: opts.IdleDisconnect,
		logger:         logger.With(zap.String("server", cfg.Name)),
		connectLock:    locker.New(),
	}
}

// Config returns the immutable server config this connection was built from.
func (c *Connection) Config() *config.ServerConfig {
	return c.cfg
}

// IsConnected reports whether a live client session exists.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Status returns a snapshot of the connection state.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		ServerID:      c.cfg.ID,
		ServerName:    c.cfg.Name,
		Connected:     c.connected,
		LastError:     c.lastError,
		OAuthRequired: c.oauthRequired,
		ToolCount:     len(c.tools),
	}
}

// Connect establishes the client session if one is not already live. Exactly
// one goroutine performs the handshake; concurrent callers block until it
// finishes and share its outcome through Status.
func (c *Connection) Connect(ctx context.Context) {
	if c.IsConnected() {
		return
	}

	if !c.connectLock.TryLock() {
		if err := c.connectLock.WaitContext(ctx); err != nil {
			c.logger.Debug("Gave up waiting for in-flight connect", zap.Error(err))
		}
		return
	}
	defer c.connectLock.Unlock()

	// Another caller may have finished the handshake between our check and
	// acquiring the lock.
	if c.IsConnected() {
		return
	}

	c.establish(ctx)
}

// establish performs transport creation, the MCP handshake and the initial
// tool listing. Must be called with the connect lock held.
func (c *Connection) establish(ctx context.Context) {
	mcpClient, err := c.buildAndInitialize(ctx)
	if err != nil {
		c.recordFailure(err)
		return
	}

	tools, err := listTools(ctx, mcpClient)
	if err != nil {
		mcpClient.Close()
		c.recordFailure(fmt.Errorf("failed to list tools: %w", err))
		return
	}

	c.mu.Lock()
	c.client = mcpClient
	c.connected = true
	c.lastError = ""
	c.oauthRequired = false
	c.tools = tools
	c.mu.Unlock()

	c.touchIdleTimer()
	c.logger.Info("Connected to upstream server", zap.Int("tools", len(tools)))
}

// buildAndInitialize creates the transport-appropriate client and runs the
// MCP initialize handshake on it.
func (c *Connection) buildAndInitialize(ctx context.Context) (*client.Client, error) {
	if c.cfg.IsStdio() {
		if c.remoteOnly {
			return nil, fmt.Errorf("server %q uses a stdio transport but remote-only mode is enabled", c.cfg.Name)
		}
		return c.connectStdio(ctx)
	}
	return c.connectRemote(ctx)
}

// connectStdio spawns the server subprocess with the process environment
// plus the config's extra variables.
func (c *Connection) connectStdio(ctx context.Context) (*client.Client, error) {
	if c.cfg.Command == "" {
		return nil, fmt.Errorf("server %q has no command for stdio transport", c.cfg.Name)
	}

	env := os.Environ()
	for k, v := range c.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	stdioTransport := transport.NewStdio(c.cfg.Command, env, c.cfg.Args...)
	mcpClient := client.NewClient(stdioTransport)

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start stdio transport: %w", err)
	}
	if err := c.initialize(ctx, mcpClient); err != nil {
		mcpClient.Close()
		return nil, err
	}
	return mcpClient, nil
}

// connectRemote tries streamable HTTP first and falls back to SSE when the
// protocol is auto. Auth failures abort the fallback because no transport
// will fare better with the same credentials.
func (c *Connection) connectRemote(ctx context.Context) (*client.Client, error) {
	var protocols []string
	switch c.cfg.Protocol {
	case config.ProtocolStreamableHTTP:
		protocols = []string{config.ProtocolStreamableHTTP}
	case config.ProtocolSSE:
		protocols = []string{config.ProtocolSSE}
	default:
		protocols = []string{config.ProtocolStreamableHTTP, config.ProtocolSSE}
	}

	var lastErr error
	for _, protocol := range protocols {
		mcpClient, err := c.connectRemoteWith(ctx, protocol)
		if err == nil {
			return mcpClient, nil
		}
		lastErr = err
		if isAuthError(err) {
			break
		}
		c.logger.Debug("Transport attempt failed",
			zap.String("protocol", protocol), zap.Error(err))
	}
	return nil, lastErr
}

func (c *Connection) connectRemoteWith(ctx context.Context, protocol string) (*client.Client, error) {
	headers := make(map[string]string, len(c.cfg.Headers)+1)
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	var mcpClient *client.Client
	var err error
	switch protocol {
	case config.ProtocolSSE:
		mcpClient, err = client.NewSSEMCPClient(c.cfg.URL, client.WithHeaders(headers))
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE client: %w", err)
		}
		// The SSE stream must outlive the connect call.
		if err = mcpClient.Start(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to start SSE transport: %w", err)
		}
	default:
		var httpTransport *transport.StreamableHTTP
		httpTransport, err = transport.NewStreamableHTTP(c.cfg.URL, transport.WithHTTPHeaders(headers))
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable HTTP transport: %w", err)
		}
		mcpClient = client.NewClient(httpTransport)
		if err = mcpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start streamable HTTP transport: %w", err)
		}
	}

	if err := c.initialize(ctx, mcpClient); err != nil {
		mcpClient.Close()
		return nil, err
	}
	return mcpClient, nil
}

func (c *Connection) initialize(ctx context.Context, mcpClient *client.Client) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := mcpClient.Initialize(ctx, initRequest)
	if err != nil {
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	c.logger.Debug("MCP session initialized",
		zap.String("upstream_name", serverInfo.ServerInfo.Name),
		zap.String("upstream_version", serverInfo.ServerInfo.Version))
	return nil
}

func listTools(ctx context.Context, mcpClient *client.Client) ([]ToolInfo, error) {
	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, tool := range result.Tools {
		tools = append(tools, ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return tools, nil
}

// recordFailure captures a connect failure in the status, classifying auth
// failures so callers know an OAuth flow is needed rather than a retry.
func (c *Connection) recordFailure(err error) {
	authRequired := isAuthError(err)

	c.mu.Lock()
	c.connected = false
	c.client = nil
	c.lastError = err.Error()
	c.oauthRequired = authRequired
	c.mu.Unlock()

	if authRequired {
		c.logger.Warn("Upstream server requires authorization", zap.Error(err))
	} else {
		c.logger.Warn("Failed to connect to upstream server", zap.Error(err))
	}
}

// CallTool invokes a tool on the upstream server, reconnecting lazily after a
// clean disconnect. A connection whose last attempt failed fails fast with the
// recorded error instead of hammering the broken upstream on every call. It
// always returns a result; failures come back as error results, never as Go
// errors.
func (c *Connection) CallTool(ctx context.Context, toolName string, args map[string]any) *mcp.CallToolResult {
	c.touchIdleTimer()

	if !c.IsConnected() {
		c.mu.RLock()
		failed := c.lastError
		c.mu.RUnlock()
		if failed != "" {
			return mcp.NewToolResultError(fmt.Sprintf("server %s is unavailable: %s", c.cfg.Name, failed))
		}
		c.Connect(ctx)
	}

	c.mu.RLock()
	mcpClient := c.client
	connected := c.connected
	lastError := c.lastError
	c.mu.RUnlock()

	if !connected || mcpClient == nil {
		if lastError == "" {
			lastError = "not connected"
		}
		return mcp.NewToolResultError(fmt.Sprintf("server %s is unavailable: %s", c.cfg.Name, lastError))
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = toolName
	request.Params.Arguments = args

	result, err := mcpClient.CallTool(ctx, request)
	// The idle countdown restarts from the call's completion, so a long call
	// postpones auto-disconnect the same way a fresh one does.
	c.touchIdleTimer()
	if err != nil {
		c.recordCallFailure(err)
		return mcp.NewToolResultError(fmt.Sprintf("tool call %s on %s failed: %s", toolName, c.cfg.Name, err.Error()))
	}
	return result
}

// recordCallFailure updates the status after a failed call. The session is
// kept; the next call either succeeds or reconnects.
func (c *Connection) recordCallFailure(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	if isAuthError(err) {
		c.oauthRequired = true
	}
	c.mu.Unlock()
	c.logger.Warn("Tool call failed", zap.Error(err))
}

// Tools returns the server's tool listing, connecting first when needed. A
// listing cached from a previous session is served even while disconnected.
func (c *Connection) Tools(ctx context.Context) []ToolInfo {
	if !c.IsConnected() {
		c.Connect(ctx)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make([]ToolInfo, len(c.tools))
	copy(tools, c.tools)
	return tools
}

// UpdateToken replaces the bearer token used by future connection attempts.
// A live session keeps its current credentials until reconnect.
func (c *Connection) UpdateToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// Disconnect closes the client session. An in-flight connect is waited out
// first so we never close a half-established session. The cached tool
// listing is kept.
func (c *Connection) Disconnect(ctx context.Context) {
	if err := c.connectLock.WaitContext(ctx); err != nil {
		c.logger.Debug("Disconnect proceeding despite in-flight connect", zap.Error(err))
	}

	c.mu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	mcpClient := c.client
	c.client = nil
	c.connected = false
	c.mu.Unlock()

	if mcpClient != nil {
		mcpClient.Close()
		c.logger.Debug("Disconnected from upstream server")
	}
}

// touchIdleTimer restarts the idle auto-disconnect countdown. The latest
// call wins; a pending timer is discarded.
func (c *Connection) touchIdleTimer() {
	if c.idleDisconnect <= 0 {
		return
	}

	c.mu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.idleDisconnect, func() {
		c.logger.Debug("Idle timeout reached, disconnecting",
			zap.Duration("idle_disconnect", c.idleDisconnect))
		c.Disconnect(context.Background())
	})
	c.mu.Unlock()
}

// isAuthError reports whether the error means the upstream wants an OAuth
// authorization rather than a plain retry. The transport surfaces a typed
// sentinel for the structured case; raw HTTP 401 responses from servers
// that skip the OAuth discovery dance are matched by message.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrOAuthAuthorizationRequired) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "Unauthorized") ||
		strings.Contains(msg, "invalid_token")
}
