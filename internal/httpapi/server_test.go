package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/cache"
	"mcpgateway-go/internal/gateway"
	"mcpgateway-go/internal/oauth"
	"mcpgateway-go/internal/storage"
	"mcpgateway-go/internal/upstream"
)

type apiEnv struct {
	t       *testing.T
	api     *Server
	mcpAddr string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	logger := zap.NewNop()

	mcpSrv := mcpserver.NewMCPServer("alpha", "1.0.0-test", mcpserver.WithToolCapabilities(true))
	mcpSrv.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the message back"),
			mcp.WithString("msg", mcp.Description("Message to echo")),
		),
		func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := request.GetArguments()
			msg, _ := args["msg"].(string)
			return mcp.NewToolResultText(fmt.Sprintf("echo: %s", msg)), nil
		},
	)
	upstreamSrv := httptest.NewServer(mcpserver.NewStreamableHTTPServer(mcpSrv))
	t.Cleanup(upstreamSrv.Close)

	store, err := storage.NewManager(t.TempDir(), logger.Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	provider := oauth.NewProvider(store, logger)
	unified := cache.NewUnifiedCache(cache.NewMemoryStore(), store, provider, time.Minute, logger)
	pool := upstream.NewPool(unified, upstream.PoolOptions{Logger: logger})
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	gw := gateway.New(store, unified, pool, logger)
	return &apiEnv{
		t:       t,
		api:     NewServer(gw, logger),
		mcpAddr: upstreamSrv.URL,
	}
}

// do performs a request as the given tenant and decodes the envelope.
func (e *apiEnv) do(method, path, userID, orgID string, body any) (int, apiResponse) {
	e.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set(headerUserID, userID)
	}
	if orgID != "" {
		req.Header.Set(headerOrgID, orgID)
	}
	rec := httptest.NewRecorder()
	e.api.Router().ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(e.t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func (e *apiEnv) dataMap(resp apiResponse) map[string]any {
	e.t.Helper()
	data, ok := resp.Data.(map[string]any)
	require.True(e.t, ok, "data is %T", resp.Data)
	return data
}

func TestAPI_Healthz(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.api.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_RequiresUserHeader(t *testing.T) {
	env := newAPIEnv(t)

	code, resp := env.do(http.MethodGet, "/api/v1/servers", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, headerUserID)
}

func TestAPI_ServerLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	code, resp := env.do(http.MethodPost, "/api/v1/servers", "u1", "", map[string]any{
		"name":     "alpha",
		"url":      env.mcpAddr,
		"protocol": "streamable-http",
	})
	require.Equal(t, http.StatusOK, code, "error: %s", resp.Error)
	require.True(t, resp.Success)
	server := env.dataMap(resp)["server"].(map[string]any)
	serverID := server["id"].(string)
	require.NotEmpty(t, serverID)

	code, resp = env.do(http.MethodGet, "/api/v1/servers", "u1", "", nil)
	require.Equal(t, http.StatusOK, code)
	servers := env.dataMap(resp)["servers"].([]any)
	assert.Len(t, servers, 1)

	// Other tenants see nothing.
	code, resp = env.do(http.MethodGet, "/api/v1/servers", "u2", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, env.dataMap(resp)["servers"])

	code, resp = env.do(http.MethodGet, "/api/v1/servers/"+serverID, "u1", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alpha", env.dataMap(resp)["server"].(map[string]any)["name"])

	code, resp = env.do(http.MethodDelete, "/api/v1/servers/"+serverID, "u1", "", nil)
	require.Equal(t, http.StatusOK, code, "error: %s", resp.Error)

	code, _ = env.do(http.MethodGet, "/api/v1/servers/"+serverID, "u1", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_SaveServerRejectsInvalidConfig(t *testing.T) {
	env := newAPIEnv(t)

	code, resp := env.do(http.MethodPost, "/api/v1/servers", "u1", "", map[string]any{
		"name": "broken",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
}

func TestAPI_ToolsAndCall(t *testing.T) {
	env := newAPIEnv(t)

	code, resp := env.do(http.MethodPost, "/api/v1/servers", "u1", "", map[string]any{
		"name":     "alpha",
		"url":      env.mcpAddr,
		"protocol": "streamable-http",
	})
	require.Equal(t, http.StatusOK, code, "error: %s", resp.Error)

	code, resp = env.do(http.MethodGet, "/api/v1/tools", "u1", "", nil)
	require.Equal(t, http.StatusOK, code)
	tools := env.dataMap(resp)["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "alpha:echo", tools[0].(map[string]any)["key"])

	code, resp = env.do(http.MethodPost, "/api/v1/tools/call", "u1", "", map[string]any{
		"tool": "alpha:echo",
		"args": map[string]any{"msg": "ping"},
	})
	require.Equal(t, http.StatusOK, code, "error: %s", resp.Error)
	assert.True(t, resp.Success)

	// Unknown server name is the caller's mistake.
	code, resp = env.do(http.MethodPost, "/api/v1/tools/call", "u1", "", map[string]any{
		"tool": "nope:echo",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)

	code, _ = env.do(http.MethodPost, "/api/v1/tools/call", "u1", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_StatusEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	code, resp := env.do(http.MethodPost, "/api/v1/servers", "u1", "", map[string]any{
		"name":     "alpha",
		"url":      env.mcpAddr,
		"protocol": "streamable-http",
	})
	require.Equal(t, http.StatusOK, code, "error: %s", resp.Error)

	code, resp = env.do(http.MethodGet, "/api/v1/status", "u1", "", nil)
	require.Equal(t, http.StatusOK, code)
	servers := env.dataMap(resp)["servers"].([]any)
	require.Len(t, servers, 1)
	status := servers[0].(map[string]any)
	assert.Equal(t, true, status["connected"])
}

func TestAPI_TokenEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	code, resp := env.do(http.MethodPost, "/api/v1/servers", "u1", "", map[string]any{
		"name":            "alpha",
		"url":             env.mcpAddr,
		"protocol":        "streamable-http",
		"oauth_server_id": "oauth-1",
	})
	require.Equal(t, http.StatusOK, code, "error: %s", resp.Error)
	serverID := env.dataMap(resp)["server"].(map[string]any)["id"].(string)

	code, resp = env.do(http.MethodPost, "/api/v1/servers/"+serverID+"/token", "u1", "", map[string]any{
		"access_token": "tok-1",
		"expires_in":   3600,
	})
	require.Equal(t, http.StatusOK, code, "error: %s", resp.Error)
	assert.NotEmpty(t, env.dataMap(resp)["token_id"])

	code, resp = env.do(http.MethodPost, "/api/v1/servers/"+serverID+"/token", "u1", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "access_token")

	code, _ = env.do(http.MethodDelete, "/api/v1/servers/"+serverID+"/token", "u1", "", nil)
	assert.Equal(t, http.StatusOK, code)

	// Tokens for unknown servers are rejected.
	code, _ = env.do(http.MethodPost, "/api/v1/servers/missing/token", "u1", "", map[string]any{
		"access_token": "tok-1",
	})
	assert.Equal(t, http.StatusNotFound, code)
}
