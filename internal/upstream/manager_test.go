package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager("u1", "", ManagerOptions{Logger: zap.NewNop()})
	t.Cleanup(func() { m.Cleanup(context.Background()) })
	return m
}

func TestManager_InitConnectsAllServers(t *testing.T) {
	alpha := newUpstreamFixture(t, "alpha", "")
	beta := newUpstreamFixture(t, "beta", "")
	m := newTestManager(t)

	ctx := context.Background()
	m.Init(ctx, []ServerEntry{
		{Config: remoteConfig("s1", "alpha", alpha.URL())},
		{Config: remoteConfig("s2", "beta", beta.URL())},
	})

	clients, err := m.GetClients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 2)

	tools, err := m.Tools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "alpha:echo", tools[0].Key)
	assert.Equal(t, "beta:echo", tools[1].Key)
}

func TestManager_InitToleratesFailingServer(t *testing.T) {
	alpha := newUpstreamFixture(t, "alpha", "")
	m := newTestManager(t)

	ctx := context.Background()
	m.Init(ctx, []ServerEntry{
		{Config: remoteConfig("s1", "alpha", alpha.URL())},
		{Config: remoteConfig("s2", "broken", "http://127.0.0.1:1/mcp")},
	})

	// The broken server stays registered with its failure in the status;
	// the healthy one works normally.
	clients, err := m.GetClients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 2)

	tools, err := m.Tools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "alpha:echo", tools[0].Key)

	statuses := m.Statuses()
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Connected)
	assert.False(t, statuses[1].Connected)
	assert.NotEmpty(t, statuses[1].LastError)
}

func TestManager_CallToolRouting(t *testing.T) {
	alpha := newUpstreamFixture(t, "alpha", "")
	beta := newUpstreamFixture(t, "beta", "")
	m := newTestManager(t)

	ctx := context.Background()
	m.Init(ctx, []ServerEntry{
		{Config: remoteConfig("s1", "alpha", alpha.URL())},
		{Config: remoteConfig("s2", "beta", beta.URL())},
	})

	result, err := m.CallTool(ctx, "beta:echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	_, err = m.CallTool(ctx, "gamma:echo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gamma")

	_, err = m.CallTool(ctx, "not-a-key", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tool key")
}

func TestManager_AddClientValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.AddClient(ctx, &config.ServerConfig{ID: "s1"}, "")
	require.Error(t, err, "config without name or transport must be rejected")

	disabled := remoteConfig("s2", "disabled", "http://127.0.0.1:1/mcp")
	disabled.Enabled = false
	err = m.AddClient(ctx, disabled, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestManager_AddClientRemoteOnly(t *testing.T) {
	m := NewManager("u1", "", ManagerOptions{RemoteOnly: true, Logger: zap.NewNop()})
	defer m.Cleanup(context.Background())

	err := m.AddClient(context.Background(), &config.ServerConfig{
		ID:      "s1",
		Name:    "local",
		Command: "some-binary",
		Enabled: true,
	}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote-only")
}

func TestManager_AddClientRegistersAfterConnect(t *testing.T) {
	fixture := newUpstreamFixture(t, "alpha", "")
	fixture.delay.Store(400)
	m := newTestManager(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- m.AddClient(ctx, remoteConfig("s1", "alpha", fixture.URL()), "")
	}()

	// While the connect attempt is in flight the client must not be visible.
	time.Sleep(100 * time.Millisecond)
	_, err := m.GetClient(ctx, "s1")
	require.Error(t, err)

	require.NoError(t, <-done)
	conn, err := m.GetClient(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, conn.IsConnected())
}

func TestManager_AddClientReplacesExisting(t *testing.T) {
	fixture := newUpstreamFixture(t, "alpha", "")
	m := newTestManager(t)
	ctx := context.Background()

	cfg := remoteConfig("s1", "alpha", fixture.URL())
	require.NoError(t, m.AddClient(ctx, cfg, ""))
	first, err := m.GetClient(ctx, "s1")
	require.NoError(t, err)
	require.True(t, first.IsConnected())

	require.NoError(t, m.AddClient(ctx, cfg, ""))
	second, err := m.GetClient(ctx, "s1")
	require.NoError(t, err)
	assert.NotSame(t, first, second, "replacement must build a new connection")
	assert.False(t, first.IsConnected(), "the replaced connection must be torn down")
	assert.True(t, second.IsConnected())
	assert.Len(t, m.Statuses(), 1, "one id keeps exactly one connection")
}

func TestManager_RemoveClient(t *testing.T) {
	alpha := newUpstreamFixture(t, "alpha", "")
	m := newTestManager(t)

	ctx := context.Background()
	require.NoError(t, m.AddClient(ctx, remoteConfig("s1", "alpha", alpha.URL()), ""))

	require.NoError(t, m.RemoveClient(ctx, "s1"))
	_, err := m.GetClient(ctx, "s1")
	require.Error(t, err)

	err = m.RemoveClient(ctx, "s1")
	require.Error(t, err, "removing an unknown id reports the stale view")
}

func TestManager_RefreshClientReconnects(t *testing.T) {
	fixture := newUpstreamFixture(t, "secured", "v2")
	m := newTestManager(t)

	ctx := context.Background()
	cfg := remoteConfig("s1", "secured", fixture.URL())
	require.NoError(t, m.AddClient(ctx, cfg, "v1"))

	conn, err := m.GetClient(ctx, "s1")
	require.NoError(t, err)
	require.False(t, conn.IsConnected())
	require.True(t, conn.Status().OAuthRequired)

	require.NoError(t, m.RefreshClient(ctx, cfg, "v2"))

	refreshed, err := m.GetClient(ctx, "s1")
	require.NoError(t, err)
	assert.NotSame(t, conn, refreshed, "refresh must rebuild the connection")
	assert.True(t, refreshed.IsConnected())
}

func TestManager_CleanupDisconnectsEverything(t *testing.T) {
	alpha := newUpstreamFixture(t, "alpha", "")
	beta := newUpstreamFixture(t, "beta", "")
	m := NewManager("u1", "", ManagerOptions{Logger: zap.NewNop()})

	ctx := context.Background()
	m.Init(ctx, []ServerEntry{
		{Config: remoteConfig("s1", "alpha", alpha.URL())},
		{Config: remoteConfig("s2", "beta", beta.URL())},
	})

	clients, err := m.GetClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)

	m.Cleanup(ctx)

	for _, conn := range clients {
		assert.False(t, conn.IsConnected())
	}
	assert.Empty(t, m.Statuses())
}
