package dataverse

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/natserract/dataverse/pkg/config"
	httpclient "github.com/natserract/dataverse/pkg/http"
)

// tokenSafetyMargin is shaved off expires_in when a token is cached, so a
// token handed out is never about to expire mid-request.
const tokenSafetyMargin = 30 * time.Second

// AuthToken is a bearer credential for Web API calls. ExpiresAt is stored
// already shortened by the safety margin, so validity is a plain compare.
type AuthToken struct {
	Value     string
	ExpiresAt time.Time
	Scope     string
}

// Valid reports whether the token is still usable at the given instant.
func (t AuthToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// Authenticator yields a bearer token that is valid for the near future.
// Implementations cache and refresh; GetValidToken never returns an
// expired token.
type Authenticator interface {
	GetValidToken(ctx context.Context) (AuthToken, error)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// ClientSecretAuth implements Authenticator with the OAuth2
// client-credentials exchange against the Microsoft identity platform.
//
// Reads of an already-valid token are lock-free for writers (RWMutex read
// path, no network call). When the cached token is absent or expired, the
// first caller starts the exchange and every caller that arrives while it
// is in flight shares its result instead of starting another one.
type ClientSecretAuth struct {
	httpClient *httpclient.Client
	tokenURL   string
	scope      string
	form       url.Values
	logger     *zap.Logger

	mu    sync.RWMutex
	token AuthToken
	group singleflight.Group
}

// NewClientSecretAuth creates the client-credentials authenticator for
// the configured tenant and organization. No exchange happens until the
// first GetValidToken call.
func NewClientSecretAuth(cfg *config.Config, httpClient *httpclient.Client, logger *zap.Logger) *ClientSecretAuth {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("scope", cfg.Scope())

	return &ClientSecretAuth{
		httpClient: httpClient,
		tokenURL:   cfg.TokenURL(),
		scope:      cfg.Scope(),
		form:       form,
		logger:     logger,
	}
}

// GetValidToken returns the cached token while it is valid, otherwise
// performs (or joins) a single in-flight client-credentials exchange.
func (a *ClientSecretAuth) GetValidToken(ctx context.Context) (AuthToken, error) {
	a.mu.RLock()
	token := a.token
	a.mu.RUnlock()

	now := time.Now()
	if token.Valid(now) {
		a.logger.Debug("Using cached access token",
			zap.Duration("remaining", token.ExpiresAt.Sub(now)))
		return token, nil
	}

	v, err, _ := a.group.Do("token", func() (any, error) {
		// A concurrent caller may have refreshed between our read and
		// joining the flight.
		a.mu.RLock()
		cached := a.token
		a.mu.RUnlock()
		if cached.Valid(time.Now()) {
			return cached, nil
		}

		refreshed, err := a.authenticate(ctx)
		if err != nil {
			return AuthToken{}, err
		}

		a.mu.Lock()
		a.token = refreshed
		a.mu.Unlock()
		return refreshed, nil
	})
	if err != nil {
		return AuthToken{}, err
	}

	return v.(AuthToken), nil
}

// Invalidate drops the cached token. The next GetValidToken performs a
// fresh exchange.
func (a *ClientSecretAuth) Invalidate() {
	a.mu.Lock()
	a.token = AuthToken{}
	a.mu.Unlock()
}

func (a *ClientSecretAuth) authenticate(ctx context.Context) (AuthToken, error) {
	a.logger.Info("Access token expired or not available, authenticating",
		zap.String("url", a.tokenURL))

	headers := map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	}

	resp, err := a.httpClient.Post(ctx, a.tokenURL, headers, a.form)
	if err != nil {
		a.logger.Error("Authentication request failed", zap.Error(err), zap.String("url", a.tokenURL))
		return AuthToken{}, classifyTransportErr(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.logger.Error("Authentication failed",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", string(resp.Body)))
		return AuthToken{}, &AuthenticationError{StatusCode: resp.StatusCode, Message: string(resp.Body)}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(resp.Body, &tokenResp); err != nil {
		a.logger.Error("Failed to parse authentication response", zap.Error(err))
		return AuthToken{}, &AuthenticationError{StatusCode: resp.StatusCode, Message: "malformed token response: " + err.Error()}
	}
	if tokenResp.AccessToken == "" {
		return AuthToken{}, &AuthenticationError{StatusCode: resp.StatusCode, Message: "token response carries no access_token"}
	}

	expiresIn := time.Duration(tokenResp.ExpiresIn) * time.Second
	if expiresIn == 0 {
		expiresIn = 20 * time.Minute
	}

	token := AuthToken{
		Value:     tokenResp.AccessToken,
		ExpiresAt: time.Now().Add(expiresIn - tokenSafetyMargin),
		Scope:     a.scope,
	}

	a.logger.Info("Successfully authenticated and cached access token",
		zap.String("token_type", tokenResp.TokenType),
		zap.Duration("expires_in", expiresIn),
		zap.Time("expires_at", token.ExpiresAt))

	return token, nil
}
