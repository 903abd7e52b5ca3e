package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"mcpgateway-go/internal/cache"
	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/oauth"
	"mcpgateway-go/internal/storage"
)

// upstreamFixture is one in-process MCP server reachable over streamable
// HTTP, with counters for handshake and auth observations.
type upstreamFixture struct {
	srv       *httptest.Server
	initCalls atomic.Int64
	requests  atomic.Int64
	delay     atomic.Int64 // milliseconds added to every request
	lastAuth  atomic.Value // string
}

func (f *upstreamFixture) URL() string { return f.srv.URL }

func (f *upstreamFixture) Close() { f.srv.Close() }

// newUpstreamFixture starts an MCP server with a single echo tool. When
// requireToken is non-empty, requests without that bearer token get a 401.
func newUpstreamFixture(t *testing.T, name, requireToken string) *upstreamFixture {
	t.Helper()

	mcpServer := server.NewMCPServer(name, "1.0.0-test", server.WithToolCapabilities(true))
	mcpServer.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the message back"),
			mcp.WithString("msg", mcp.Description("Message to echo")),
		),
		func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := request.GetArguments()
			msg, _ := args["msg"].(string)
			return mcp.NewToolResultText(fmt.Sprintf("%s says: %s", name, msg)), nil
		},
	)

	fixture := &upstreamFixture{}
	handler := server.NewStreamableHTTPServer(mcpServer)
	fixture.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fixture.requests.Add(1)
		if d := fixture.delay.Load(); d > 0 {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}
		fixture.lastAuth.Store(r.Header.Get("Authorization"))
		if requireToken != "" && r.Header.Get("Authorization") != "Bearer "+requireToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodPost {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			r.Body.Close()
			if bytes.Contains(body, []byte(`"initialize"`)) {
				fixture.initCalls.Add(1)
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(fixture.Close)
	return fixture
}

func remoteConfig(id, name, url string) *config.ServerConfig {
	return &config.ServerConfig{
		ID:       id,
		Name:     name,
		URL:      url,
		Protocol: config.ProtocolStreamableHTTP,
		Enabled:  true,
	}
}

// fakeData is an in-memory DataSource for pool tests. A non-zero listDelay
// slows GetAllServers down to widen initialization windows.
type fakeData struct {
	mu        sync.Mutex
	listDelay time.Duration
	records   map[string]*storage.ServerRecord
	tokens    map[string]*oauth.Token
}

func newFakeData() *fakeData {
	return &fakeData{
		records: make(map[string]*storage.ServerRecord),
		tokens:  make(map[string]*oauth.Token),
	}
}

func (f *fakeData) putServer(record *storage.ServerRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.ID] = record
}

func (f *fakeData) dropServer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
}

func (f *fakeData) putToken(serverID string, token *oauth.Token) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[serverID] = token
}

func (f *fakeData) GetAllServers(_ context.Context, userID, orgID string) ([]*storage.ServerRecord, error) {
	if f.listDelay > 0 {
		time.Sleep(f.listDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.ServerRecord
	for _, record := range f.records {
		if record.VisibleTo(userID, orgID) {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeData) GetServerData(_ context.Context, userID, orgID, serverID string, _ config.CredentialType) (*cache.ServerData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[serverID]
	if !ok || !record.VisibleTo(userID, orgID) {
		return nil, nil
	}
	return &cache.ServerData{Server: record, Token: f.tokens[serverID]}, nil
}
