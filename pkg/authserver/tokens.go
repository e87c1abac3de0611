package authserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/kv"
)

// Token errors surfaced to the token endpoint, which maps them to RFC 6749
// error codes.
var (
	// ErrInvalidGrant covers bad, expired, or already-used codes and
	// refresh tokens.
	ErrInvalidGrant = errors.New("invalid or expired grant")

	// ErrInvalidToken covers access tokens that do not validate.
	ErrInvalidToken = errors.New("invalid access token")

	// ErrTokenExpired is a distinct case of ErrInvalidToken so the auth
	// middleware can tell the client to refresh rather than re-authorize.
	ErrTokenExpired = errors.New("access token expired")
)

// expLeeway absorbs clock skew when checking token expiry.
const expLeeway = 30 * time.Second

// codeLifetime bounds how long an authorization code may sit unredeemed.
const codeLifetime = 10 * time.Minute

// TokenManager mints and validates the three MCP token classes. All state
// lives in the KV store, so any number of goroutines may share one manager.
type TokenManager struct {
	store kv.Store
	cfg   config.ProviderConfig

	now func() time.Time
}

// NewTokenManager creates a token manager over the given KV store.
func NewTokenManager(store kv.Store, cfg config.ProviderConfig) *TokenManager {
	return &TokenManager{store: store, cfg: cfg, now: time.Now}
}

func newToken(prefix string) string {
	return prefix + rand.Text() + rand.Text()
}

// MintCode creates a single-use authorization code bound to the client,
// user, redirect URI, and PKCE challenge of the authorize request.
func (m *TokenManager) MintCode(ctx context.Context, req *AuthRequest, userID string) (string, error) {
	now := m.now()
	code := AuthorizationCode{
		Code:                newToken(authCodePrefix),
		ClientID:            req.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		IssuedAt:            now,
		ExpiresAt:           now.Add(codeLifetime),
	}

	raw, err := json.Marshal(code)
	if err != nil {
		return "", fmt.Errorf("failed to encode authorization code: %w", err)
	}
	if err := m.store.Set(ctx, append(codesKey, code.Code), raw, codeLifetime); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return code.Code, nil
}

// ConsumeCode atomically redeems an authorization code. The code record is
// removed before any validation result is returned, so a second redemption
// of the same code always fails with ErrInvalidGrant.
func (m *TokenManager) ConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	raw, err := m.store.Take(ctx, append(codesKey, code))
	if err == kv.ErrNotFound {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var record AuthorizationCode
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupt authorization code record: %w", err)
	}
	if m.now().After(record.ExpiresAt) {
		return nil, ErrInvalidGrant
	}
	return &record, nil
}

// MintTokens issues a fresh access + refresh token pair.
func (m *TokenManager) MintTokens(ctx context.Context, clientID, userID string, scopes []string) (*TokenPair, error) {
	now := m.now()

	access := AccessToken{
		Token:     newToken(accessTokenPrefix),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.TokenExpiration),
	}
	refresh := RefreshToken{
		Token:     newToken(refreshTokenPrefix),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.RefreshTokenExpiration),
	}

	accessRaw, err := json.Marshal(access)
	if err != nil {
		return nil, fmt.Errorf("failed to encode access token: %w", err)
	}
	refreshRaw, err := json.Marshal(refresh)
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh token: %w", err)
	}

	if err := m.store.Set(ctx, append(accessKey, access.Token), accessRaw, m.cfg.TokenExpiration+expLeeway); err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}
	if err := m.store.Set(ctx, append(refreshKey, refresh.Token), refreshRaw, m.cfg.RefreshTokenExpiration); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		ExpiresIn:    int64(m.cfg.TokenExpiration.Seconds()),
		Scopes:       scopes,
	}, nil
}

// ValidateAccessToken resolves an access token string to its record.
func (m *TokenManager) ValidateAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	raw, err := m.store.Get(ctx, append(accessKey, token))
	if err == kv.ErrNotFound {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}

	var record AccessToken
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupt access token record: %w", err)
	}
	if record.Expired(m.now(), expLeeway) {
		return nil, ErrTokenExpired
	}
	return &record, nil
}

// Refresh rotates a refresh token: the old token is consumed (and thereby
// invalidated) before the new pair is minted. requestedScopes may narrow the
// original grant but never widen it; empty means "keep the original scopes".
func (m *TokenManager) Refresh(ctx context.Context, refreshToken, clientID string, requestedScopes []string) (*TokenPair, error) {
	raw, err := m.store.Take(ctx, append(refreshKey, refreshToken))
	if err == kv.ErrNotFound {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	var record RefreshToken
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupt refresh token record: %w", err)
	}
	if m.now().After(record.ExpiresAt) {
		return nil, ErrInvalidGrant
	}
	if clientID != "" && record.ClientID != clientID {
		return nil, ErrInvalidGrant
	}

	scopes := record.Scopes
	if len(requestedScopes) > 0 {
		narrowed, ok := narrowScopes(record.Scopes, requestedScopes)
		if !ok {
			return nil, ErrInvalidGrant
		}
		scopes = narrowed
	}

	return m.MintTokens(ctx, record.ClientID, record.UserID, scopes)
}

// Revoke removes an access or refresh token. Unknown tokens revoke cleanly
// (RFC 7009 semantics).
func (m *TokenManager) Revoke(ctx context.Context, token string) error {
	if err := m.store.Delete(ctx, append(accessKey, token)); err != nil {
		return err
	}
	return m.store.Delete(ctx, append(refreshKey, token))
}

// narrowScopes returns requested if every element is contained in granted.
func narrowScopes(granted, requested []string) ([]string, bool) {
	set := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		set[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := set[s]; !ok {
			return nil, false
		}
	}
	return requested, true
}
