package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/oauth"
	"mcpgateway-go/internal/storage"
)

type fakeServers struct {
	mu      sync.Mutex
	records map[string]*storage.ServerRecord
	gets    int
	lists   int
}

func newFakeServers(records ...*storage.ServerRecord) *fakeServers {
	f := &fakeServers{records: make(map[string]*storage.ServerRecord)}
	for _, r := range records {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeServers) GetServer(id string) (*storage.ServerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	record, ok := f.records[id]
	if !ok {
		return nil, storage.ErrServerNotFound
	}
	return record, nil
}

func (f *fakeServers) ListServers(userID, orgID string) ([]*storage.ServerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	var out []*storage.ServerRecord
	for _, record := range f.records {
		if record.VisibleTo(userID, orgID) {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeServers) getCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeServers) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

type fakeTokens struct {
	mu    sync.Mutex
	token *oauth.Token
	err   error
	calls int
}

func (f *fakeTokens) GetAccessToken(_ context.Context, _, _, _ string, _ config.CredentialType) (*oauth.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.token, f.err
}

func (f *fakeTokens) tokenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func oauthServer(id, userID, orgID string) *storage.ServerRecord {
	return &storage.ServerRecord{
		ID:             id,
		UserID:         userID,
		OrgID:          orgID,
		Name:           "srv-" + id,
		URL:            fmt.Sprintf("https://%s.example.com/mcp", id),
		CredentialType: config.CredentialPersonal,
		OAuthServerID:  "oauth-" + id,
		Enabled:        true,
	}
}

func newTestCache(servers ServerSource, tokens TokenSource) *UnifiedCache {
	return NewUnifiedCache(NewMemoryStore(), servers, tokens, time.Minute, zap.NewNop())
}

func TestGetServerData_ServedFromCacheOnRepeat(t *testing.T) {
	servers := newFakeServers(oauthServer("s1", "u1", ""))
	tokens := &fakeTokens{token: &oauth.Token{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	cache := newTestCache(servers, tokens)

	ctx := context.Background()
	first, err := cache.GetServerData(ctx, "u1", "", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "tok", first.Token.AccessToken)

	second, err := cache.GetServerData(ctx, "u1", "", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, 1, servers.getCalls(), "repeat read should not hit storage")
	assert.Equal(t, 1, tokens.tokenCalls(), "repeat read should not hit the token source")
}

func TestGetServerData_UnknownServerReturnsNil(t *testing.T) {
	cache := newTestCache(newFakeServers(), &fakeTokens{})

	data, err := cache.GetServerData(context.Background(), "u1", "", "missing", "")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGetServerData_TenantCannotSeeForeignServer(t *testing.T) {
	servers := newFakeServers(oauthServer("s1", "u1", ""))
	cache := newTestCache(servers, &fakeTokens{})

	data, err := cache.GetServerData(context.Background(), "u2", "", "s1", "")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGetServerData_SharedServerVisibleAcrossOrg(t *testing.T) {
	record := oauthServer("s1", "owner", "org1")
	record.CredentialType = config.CredentialShared
	servers := newFakeServers(record)
	tokens := &fakeTokens{token: &oauth.Token{AccessToken: "shared-tok"}}
	cache := newTestCache(servers, tokens)

	data, err := cache.GetServerData(context.Background(), "member", "org1", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "shared-tok", data.Token.AccessToken)
}

func TestGetServerData_OrgVersionBumpForcesRefetch(t *testing.T) {
	record := oauthServer("s1", "u1", "org1")
	servers := newFakeServers(record)
	tokens := &fakeTokens{token: &oauth.Token{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	cache := newTestCache(servers, tokens)

	ctx := context.Background()
	_, err := cache.GetServerData(ctx, "u1", "org1", "s1", "")
	require.NoError(t, err)
	require.Equal(t, 1, tokens.tokenCalls())

	cache.InvalidateOrganizationCache("org1")

	data, err := cache.GetServerData(ctx, "u1", "org1", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, 2, tokens.tokenCalls(), "version bump should force a refetch")
}

func TestGetServerData_ExpiringTokenReusesCachedRecord(t *testing.T) {
	record := oauthServer("s1", "u1", "")
	servers := newFakeServers(record)
	// Within the safety buffer but not yet expired.
	tokens := &fakeTokens{token: &oauth.Token{
		AccessToken: "old",
		ExpiresAt:   time.Now().Add(2 * time.Minute),
	}}
	cache := newTestCache(servers, tokens)

	ctx := context.Background()
	first, err := cache.GetServerData(ctx, "u1", "", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, 1, servers.getCalls())

	// Entry was not cached (TTL would be negative), so the next read fetches
	// the token again, but the server record still comes from storage once
	// per read since nothing was cached.
	tokens.mu.Lock()
	tokens.token = &oauth.Token{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}
	tokens.mu.Unlock()

	second, err := cache.GetServerData(ctx, "u1", "", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "fresh", second.Token.AccessToken)
	assert.Equal(t, 2, tokens.tokenCalls())
}

func TestGetServerData_NearExpiredTokenNotCached(t *testing.T) {
	servers := newFakeServers(oauthServer("s1", "u1", ""))
	tokens := &fakeTokens{token: &oauth.Token{
		AccessToken: "short",
		ExpiresAt:   time.Now().Add(time.Minute),
	}}
	store := NewMemoryStore()
	cache := NewUnifiedCache(store, servers, tokens, time.Minute, zap.NewNop())

	data, err := cache.GetServerData(context.Background(), "u1", "", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, 0, store.Len(), "entry with no safe lifetime should not be cached")
}

func TestGetServerData_TokenFetchFailureDegradesToNoToken(t *testing.T) {
	servers := newFakeServers(oauthServer("s1", "u1", ""))
	tokens := &fakeTokens{err: fmt.Errorf("token backend down")}
	cache := newTestCache(servers, tokens)

	data, err := cache.GetServerData(context.Background(), "u1", "", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Nil(t, data.Token)
}

func TestGetServerData_NoOAuthRegistrationSkipsTokenFetch(t *testing.T) {
	record := oauthServer("s1", "u1", "")
	record.OAuthServerID = ""
	servers := newFakeServers(record)
	tokens := &fakeTokens{}
	cache := newTestCache(servers, tokens)

	data, err := cache.GetServerData(context.Background(), "u1", "", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Nil(t, data.Token)
	assert.Equal(t, 0, tokens.tokenCalls())
}

func TestGetAllServers_VersionGated(t *testing.T) {
	servers := newFakeServers(
		oauthServer("s1", "u1", "org1"),
		oauthServer("s2", "u1", "org1"),
	)
	cache := newTestCache(servers, &fakeTokens{})

	ctx := context.Background()
	list, err := cache.GetAllServers(ctx, "u1", "org1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	require.Equal(t, 1, servers.listCalls())

	_, err = cache.GetAllServers(ctx, "u1", "org1")
	require.NoError(t, err)
	assert.Equal(t, 1, servers.listCalls(), "repeat list should be served from cache")

	cache.InvalidateOrganizationCache("org1")

	_, err = cache.GetAllServers(ctx, "u1", "org1")
	require.NoError(t, err)
	assert.Equal(t, 2, servers.listCalls(), "version bump should force a fresh list")
}

func TestInvalidateAllServersCache(t *testing.T) {
	servers := newFakeServers(oauthServer("s1", "u1", ""))
	cache := newTestCache(servers, &fakeTokens{})

	ctx := context.Background()
	_, err := cache.GetAllServers(ctx, "u1", "")
	require.NoError(t, err)
	require.Equal(t, 1, servers.listCalls())

	cache.InvalidateAllServersCache("u1", "")

	_, err = cache.GetAllServers(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, servers.listCalls())
}

func TestUpdateServerToken_PatchesEntryInPlace(t *testing.T) {
	servers := newFakeServers(oauthServer("s1", "u1", ""))
	tokens := &fakeTokens{token: &oauth.Token{
		AccessToken: "old",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	cache := newTestCache(servers, tokens)

	ctx := context.Background()
	_, err := cache.GetServerData(ctx, "u1", "", "s1", "")
	require.NoError(t, err)

	cache.UpdateServerToken("u1", "", "s1", &oauth.Token{
		AccessToken: "rotated",
		ExpiresAt:   time.Now().Add(time.Hour),
	})

	data, err := cache.GetServerData(ctx, "u1", "", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "rotated", data.Token.AccessToken)
	assert.Equal(t, 1, tokens.tokenCalls(), "patched entry should still be a cache hit")
	assert.Equal(t, 1, servers.getCalls())
}

func TestUpdateServerToken_MissingEntryInvalidates(t *testing.T) {
	servers := newFakeServers(oauthServer("s1", "u1", ""))
	tokens := &fakeTokens{token: &oauth.Token{
		AccessToken: "fresh",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	cache := newTestCache(servers, tokens)

	// No prior read; patching must not fabricate an entry.
	cache.UpdateServerToken("u1", "", "s1", &oauth.Token{AccessToken: "x"})

	data, err := cache.GetServerData(context.Background(), "u1", "", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "fresh", data.Token.AccessToken)
	assert.Equal(t, 1, servers.getCalls())
}

func TestOrgCacheVersion(t *testing.T) {
	cache := newTestCache(newFakeServers(), &fakeTokens{})

	assert.Zero(t, cache.OrgCacheVersion(""), "personal tenants have no version dimension")

	v1 := cache.OrgCacheVersion("org1")
	assert.Positive(t, v1)
	assert.Equal(t, v1, cache.OrgCacheVersion("org1"), "version is stable until bumped")

	cache.InvalidateOrganizationCache("org1")
	v2 := cache.OrgCacheVersion("org1")
	assert.Greater(t, v2, v1)
}

func TestGetAccessToken(t *testing.T) {
	servers := newFakeServers(oauthServer("s1", "u1", ""))
	tokens := &fakeTokens{token: &oauth.Token{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	cache := newTestCache(servers, tokens)

	token, err := cache.GetAccessToken(context.Background(), "u1", "", "s1", "")
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "tok", token.AccessToken)

	missing, err := cache.GetAccessToken(context.Background(), "u1", "", "nope", "")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
