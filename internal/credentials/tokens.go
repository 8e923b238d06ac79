package credentials

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/markarapor/reportflow/internal/logging"
	"github.com/markarapor/reportflow/internal/secrets"
	"github.com/markarapor/reportflow/pkg/schema"
)

// GoogleEndpoint is Google's OAuth 2.0 endpoint.
var GoogleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// OAuthConfig identifies the OAuth client used to refresh connection tokens.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint // zero = GoogleEndpoint
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// TokenSource hands out access tokens for connections. Access tokens are kept
// in memory until they expire; refresh tokens live in the vault and are
// rotated there when the provider issues a new one.
type TokenSource struct {
	vault  secrets.Vault
	conf   *oauth2.Config
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
	group  singleflight.Group
}

func NewTokenSource(vault secrets.Vault, cfg OAuthConfig) *TokenSource {
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = GoogleEndpoint
	}
	return &TokenSource{
		vault: vault,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
		},
		client: cfg.HTTPClient,
		logger: logging.OrDiscard(cfg.Logger),
		tokens: make(map[string]*oauth2.Token),
	}
}

// Token returns a valid access token for conn. Concurrent callers for the
// same connection share one refresh.
func (ts *TokenSource) Token(ctx context.Context, conn *schema.Connection) (string, error) {
	if tok := ts.cached(conn.ID); tok != nil {
		return tok.AccessToken, nil
	}
	v, err, _ := ts.group.Do(conn.ID, func() (any, error) {
		if tok := ts.cached(conn.ID); tok != nil {
			return tok, nil
		}
		return ts.refresh(ctx, conn.ID)
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// StoreRefreshToken saves the refresh token granted for a connection and
// drops any access token cached for it.
func (ts *TokenSource) StoreRefreshToken(ctx context.Context, connectionID, refreshToken string) error {
	if err := ts.vault.Store(ctx, secrets.RefreshTokenRef(connectionID), []byte(refreshToken)); err != nil {
		return err
	}
	ts.Forget(connectionID)
	return nil
}

// Forget drops the cached access token, e.g. after the provider rejected it.
func (ts *TokenSource) Forget(connectionID string) {
	ts.mu.Lock()
	delete(ts.tokens, connectionID)
	ts.mu.Unlock()
}

func (ts *TokenSource) cached(connectionID string) *oauth2.Token {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	tok := ts.tokens[connectionID]
	if tok == nil || !tok.Valid() {
		return nil
	}
	return tok
}

func (ts *TokenSource) refresh(ctx context.Context, connectionID string) (*oauth2.Token, error) {
	ref := secrets.RefreshTokenRef(connectionID)
	stored, err := ts.vault.Resolve(ctx, ref)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeTokenRefresh, "no refresh token stored for connection %s", connectionID).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeTokenRefresh, "read refresh token for connection %s: %s", connectionID, err.Error()).WithCause(err)
	}

	if ts.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.client)
	}
	start := time.Now()
	tok, err := ts.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: string(stored)}).Token()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTokenRefresh, "refresh token exchange failed for connection %s: %s", connectionID, err.Error()).WithCause(err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != string(stored) {
		if err := ts.vault.Store(ctx, ref, []byte(tok.RefreshToken)); err != nil {
			ts.logger.WarnContext(ctx, "refresh token rotation not persisted",
				slog.String("connection_id", connectionID), slog.String("error", err.Error()))
		}
	}

	ts.mu.Lock()
	ts.tokens[connectionID] = tok
	ts.mu.Unlock()

	ts.logger.DebugContext(ctx, "access token refreshed",
		slog.String("connection_id", connectionID), slog.Duration("elapsed", time.Since(start)))
	return tok, nil
}
