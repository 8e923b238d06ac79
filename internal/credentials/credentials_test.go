package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/markarapor/reportflow/internal/secrets"
	"github.com/markarapor/reportflow/internal/store"
	"github.com/markarapor/reportflow/pkg/schema"
)

// memSecrets is an in-memory secrets.SecretStore.
type memSecrets struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memSecrets) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memSecrets) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *memSecrets) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memSecrets) ListSecrets(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func testVault(t *testing.T) secrets.Vault {
	t.Helper()
	v, err := secrets.NewAESVault(&memSecrets{data: map[string][]byte{}}, secrets.VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	return v
}

// tokenServer is a fake OAuth token endpoint that rotates refresh tokens.
type tokenServer struct {
	*httptest.Server
	calls   atomic.Int32
	lastRT  atomic.Value
	failing atomic.Bool
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		n := ts.calls.Add(1)
		ts.lastRT.Store(r.PostForm.Get("refresh_token"))
		if ts.failing.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
			return
		}
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"access-%d","token_type":"Bearer","expires_in":3600,"refresh_token":"refresh-%d"}`, n, n+1)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestTokenSource(srv *tokenServer, v secrets.Vault) *TokenSource {
	return NewTokenSource(v, OAuthConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
		HTTPClient:   srv.Client(),
	})
}

var adsConn = &schema.Connection{ID: "conn-ads", BrandID: "brand-1", Provider: schema.ProviderGoogleAds, Active: true}

func TestTokenSource_RefreshesAndCaches(t *testing.T) {
	ctx := context.Background()
	srv := newTokenServer(t)
	v := testVault(t)
	ts := newTestTokenSource(srv, v)
	require.NoError(t, ts.StoreRefreshToken(ctx, adsConn.ID, "refresh-1"))

	tok, err := ts.Token(ctx, adsConn)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, "refresh-1", srv.lastRT.Load())

	tok, err = ts.Token(ctx, adsConn)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), srv.calls.Load())

	rotated, err := v.Resolve(ctx, secrets.RefreshTokenRef(adsConn.ID))
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", string(rotated))
}

func TestTokenSource_ForgetUsesRotatedToken(t *testing.T) {
	ctx := context.Background()
	srv := newTokenServer(t)
	ts := newTestTokenSource(srv, testVault(t))
	require.NoError(t, ts.StoreRefreshToken(ctx, adsConn.ID, "refresh-1"))

	_, err := ts.Token(ctx, adsConn)
	require.NoError(t, err)
	ts.Forget(adsConn.ID)

	tok, err := ts.Token(ctx, adsConn)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.Equal(t, "refresh-2", srv.lastRT.Load())
}

func TestTokenSource_ConcurrentCallersShareRefresh(t *testing.T) {
	ctx := context.Background()
	srv := newTokenServer(t)
	ts := newTestTokenSource(srv, testVault(t))
	require.NoError(t, ts.StoreRefreshToken(ctx, adsConn.ID, "refresh-1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.Token(ctx, adsConn)
			assert.NoError(t, err)
			assert.Equal(t, "access-1", tok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestTokenSource_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no refresh token", func(t *testing.T) {
		srv := newTokenServer(t)
		_, err := newTestTokenSource(srv, testVault(t)).Token(ctx, adsConn)
		assert.True(t, schema.IsCode(err, schema.ErrCodeTokenRefresh))
		assert.Zero(t, srv.calls.Load())
	})

	t.Run("revoked grant", func(t *testing.T) {
		srv := newTokenServer(t)
		srv.failing.Store(true)
		ts := newTestTokenSource(srv, testVault(t))
		require.NoError(t, ts.StoreRefreshToken(ctx, adsConn.ID, "refresh-1"))

		_, err := ts.Token(ctx, adsConn)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeTokenRefresh))
		assert.ErrorContains(t, err, "conn-ads")

		var re *oauth2.RetrieveError
		assert.True(t, errors.As(err, &re))
	})
}

// --- connections ---

type fakeConnStore struct {
	conns []*store.Connection
	err   error
}

func (f *fakeConnStore) GetConnection(_ context.Context, id string) (*store.Connection, error) {
	for _, c := range f.conns {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "connection %q not found", id)
}

func (f *fakeConnStore) ListConnections(_ context.Context, filter store.ConnectionFilter) ([]*store.Connection, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*store.Connection
	for _, c := range f.conns {
		if c.BrandID == filter.BrandID && c.Provider == filter.Provider && (!filter.ActiveOnly || c.Active) {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestConnections(t *testing.T) {
	ctx := context.Background()
	fs := &fakeConnStore{conns: []*store.Connection{
		{ID: "old-ga", BrandID: "brand-1", Provider: schema.ProviderGoogleAnalytics, PropertyID: "111", Active: false},
		{ID: "ga", BrandID: "brand-1", Provider: schema.ProviderGoogleAnalytics, PropertyID: "222", Active: true},
		{ID: "ads", BrandID: "brand-2", Provider: schema.ProviderGoogleAds, AccountID: "123-456", Active: true},
	}}
	c := NewConnections(fs)

	conn, err := c.ActiveConnection(ctx, "brand-1", schema.ProviderGoogleAnalytics)
	require.NoError(t, err)
	assert.Equal(t, "ga", conn.ID)
	assert.Equal(t, "222", conn.PropertyID)

	_, err = c.ActiveConnection(ctx, "brand-1", schema.ProviderGoogleAds)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	conn, err = c.GetConnection(ctx, "ads")
	require.NoError(t, err)
	assert.Equal(t, "123-456", conn.AccountID)
	assert.Equal(t, "brand-2", conn.BrandID)

	_, err = c.GetConnection(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	fs.err = errors.New("db locked")
	_, err = c.ActiveConnection(ctx, "brand-1", schema.ProviderGoogleAnalytics)
	assert.EqualError(t, err, "db locked")
}

// --- api keys ---

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	keys := NewAPIKeys(testVault(t))

	got, err := keys.APIKey(ctx, "ws-1", "anthropic")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, keys.SetAPIKey(ctx, "ws-1", "anthropic", "sk-ant-1"))
	got, err = keys.APIKey(ctx, "ws-1", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-1", got)

	got, err = keys.APIKey(ctx, "ws-2", "anthropic")
	require.NoError(t, err)
	assert.Empty(t, got)
}
