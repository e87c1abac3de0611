package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/meridianhq/mcpserve/pkg/audit"
	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/logger"
)

// ErrReauthRequired means the stored grant is no longer usable (revoked or
// the refresh token expired); the user must go through the authorize flow
// again. The auth middleware maps this to 403 third_party_reauth_required.
var ErrReauthRequired = errors.New("upstream re-authorization required")

// Outcome tells callers what the consumer did to satisfy a token request.
type Outcome string

// Outcomes of AccessToken.
const (
	OutcomeNone      Outcome = ""
	OutcomeRefreshed Outcome = "third_party_token_refreshed"
)

// refreshSkew refreshes tokens slightly before their stated expiry so a
// request never goes upstream with a token about to die mid-flight.
const refreshSkew = 2 * time.Minute

// Consumer drives the upstream provider's authorization code flow and keeps
// the per-user credentials fresh.
type Consumer struct {
	cfg      config.ConsumerConfig
	oauth2   *oauth2.Config
	creds    *CredentialStore
	verifier *oidc.IDTokenVerifier // nil unless the provider is OIDC
	auditor  *audit.Logger

	// refreshGroup collapses concurrent refreshes for the same user into
	// one upstream call.
	refreshGroup singleflight.Group

	now func() time.Time
}

// NewConsumer creates a consumer for the configured upstream provider. When
// an issuer is configured, endpoints are discovered via OIDC and id_tokens
// are verified against the provider's keys; otherwise the explicit auth and
// token URLs are used. auditor may be nil.
func NewConsumer(ctx context.Context, cfg config.ConsumerConfig, creds *CredentialStore, auditor *audit.Logger) (*Consumer, error) {
	c := &Consumer{
		cfg: cfg,
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		creds:   creds,
		auditor: auditor,
		now:     time.Now,
	}

	if cfg.Issuer != "" {
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("upstream OIDC discovery failed: %w", err)
		}
		c.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
		if cfg.AuthURL == "" || cfg.TokenURL == "" {
			c.oauth2.Endpoint = provider.Endpoint()
		}
	}
	return c, nil
}

// ProviderID names the upstream provider for credential keying.
func (c *Consumer) ProviderID() string {
	if c.cfg.Provider != "" {
		return c.cfg.Provider
	}
	return "default"
}

// AuthorizeURL builds the upstream authorization URL carrying the given
// state. offline_access is requested so a refresh token comes back.
func (c *Consumer) AuthorizeURL(state string) string {
	return c.oauth2.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode redeems the upstream authorization code, stores the resulting
// credential, and returns the user identity the upstream asserted.
func (c *Consumer) ExchangeCode(ctx context.Context, code string) (string, error) {
	token, err := c.oauth2.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("upstream code exchange failed: %w", err)
	}

	userID, err := c.subjectOf(ctx, token)
	if err != nil {
		return "", err
	}
	cred := &Credential{
		UserID:       userID,
		ProviderID:   c.ProviderID(),
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		Scopes:       c.cfg.Scopes,
	}
	if err := c.creds.Save(ctx, cred); err != nil {
		return "", fmt.Errorf("failed to store upstream credential: %w", err)
	}
	logger.Infow("stored upstream credential", "user_id", userID, "provider", cred.ProviderID)
	return userID, nil
}

// IsAuthenticated reports whether the user has any stored credential for
// this provider. It does not check expiry; AccessToken handles refresh.
func (c *Consumer) IsAuthenticated(ctx context.Context, userID string) bool {
	_, err := c.creds.Get(ctx, userID, c.ProviderID())
	return err == nil
}

// AccessToken returns a currently valid upstream access token for the user,
// refreshing first when the stored one is expired or about to expire. The
// Outcome reports whether a refresh happened so the middleware can surface
// actionTaken to the client.
func (c *Consumer) AccessToken(ctx context.Context, userID string) (string, Outcome, error) {
	cred, err := c.creds.Get(ctx, userID, c.ProviderID())
	if err == ErrNoCredential {
		return "", OutcomeNone, ErrReauthRequired
	}
	if err != nil {
		return "", OutcomeNone, err
	}

	if !cred.ExpiresWithin(c.now(), refreshSkew) {
		return cred.AccessToken, OutcomeNone, nil
	}

	refreshed, err := c.RefreshAccessToken(ctx, userID)
	if err != nil {
		return "", OutcomeNone, err
	}
	return refreshed.AccessToken, OutcomeRefreshed, nil
}

// Verify reports whether the user's stored upstream credential is currently
// usable without attempting a refresh. Used when silent refresh is disabled.
func (c *Consumer) Verify(ctx context.Context, userID string) error {
	cred, err := c.creds.Get(ctx, userID, c.ProviderID())
	if err == ErrNoCredential {
		return ErrReauthRequired
	}
	if err != nil {
		return err
	}
	if cred.ExpiresWithin(c.now(), refreshSkew) {
		return ErrReauthRequired
	}
	return nil
}

// RefreshAccessToken exchanges the stored refresh token for a new access
// token. Concurrent calls for one user share a single upstream request, and
// transient upstream failures are retried with exponential backoff.
func (c *Consumer) RefreshAccessToken(ctx context.Context, userID string) (*Credential, error) {
	result, err, _ := c.refreshGroup.Do(userID, func() (any, error) {
		return c.refresh(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Credential), nil
}

func (c *Consumer) refresh(ctx context.Context, userID string) (*Credential, error) {
	cred, err := c.creds.Get(ctx, userID, c.ProviderID())
	if err == ErrNoCredential {
		return nil, ErrReauthRequired
	}
	if err != nil {
		return nil, err
	}
	if cred.RefreshToken == "" {
		return nil, ErrReauthRequired
	}

	token, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		src := c.oauth2.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
		token, err := src.Token()
		if err != nil {
			if isInvalidGrant(err) {
				return nil, backoff.Permanent(ErrReauthRequired)
			}
			return nil, err
		}
		return token, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		if errors.Is(err, ErrReauthRequired) {
			logger.Infow("upstream grant revoked", "user_id", userID, "provider", c.ProviderID())
			c.auditor.Record(ctx, audit.Event{
				Type:    audit.EventTokenRefreshed,
				Outcome: audit.OutcomeFailure,
				Subject: userID,
				Details: map[string]any{"provider": c.ProviderID(), "reason": "grant revoked"},
			})
			return nil, ErrReauthRequired
		}
		return nil, fmt.Errorf("upstream token refresh failed: %w", err)
	}

	cred.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	cred.ExpiresAt = token.Expiry
	if err := c.creds.Save(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store refreshed credential: %w", err)
	}
	logger.Debugw("refreshed upstream credential", "user_id", userID, "provider", c.ProviderID())
	c.auditor.Record(ctx, audit.Event{
		Type:    audit.EventTokenRefreshed,
		Outcome: audit.OutcomeSuccess,
		Subject: userID,
		Details: map[string]any{"provider": c.ProviderID()},
	})
	return cred, nil
}

// isInvalidGrant recognizes the upstream responses that mean the grant is
// dead rather than the provider being momentarily unavailable.
func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return true
		}
		return retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode == 400 || retrieveErr.Response.StatusCode == 401)
	}
	return false
}

// subjectOf derives a stable user identity from the upstream token: the
// verified id_token sub claim when the provider is OIDC, otherwise a digest
// of the access token. An id_token that fails verification is a hard error,
// never a silent fallback.
func (c *Consumer) subjectOf(ctx context.Context, token *oauth2.Token) (string, error) {
	raw, ok := token.Extra("id_token").(string)
	if ok && raw != "" && c.verifier != nil {
		idToken, err := c.verifier.Verify(ctx, raw)
		if err != nil {
			return "", fmt.Errorf("upstream id_token verification failed: %w", err)
		}
		return idToken.Subject, nil
	}
	sum := sha256.Sum256([]byte(token.AccessToken))
	return "user_" + hex.EncodeToString(sum[:8]), nil
}
