// Package oauth implements the OAuth consumer side of the server: driving an
// upstream provider's authorization code flow on behalf of MCP users and
// storing the resulting credentials encrypted at rest.
package oauth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/meridianhq/mcpserve/pkg/kv"
	"github.com/meridianhq/mcpserve/pkg/logger"
)

const credentialsPrefix = "credentials"

// ErrNoCredential is returned when a user has no stored credential for the
// provider.
var ErrNoCredential = errors.New("no stored credential")

// Credential is a stored upstream token set for one user and provider.
type Credential struct {
	UserID       string    `json:"userId"`
	ProviderID   string    `json:"providerId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scopes       []string  `json:"scopes,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ExpiresWithin reports whether the access token expires within d of now.
// Tokens without an expiry never do.
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !c.ExpiresAt.IsZero() && now.Add(d).After(c.ExpiresAt)
}

// CredentialStore persists upstream credentials in the KV store under
// credentials/<userId>/<providerId>, AES-256-GCM encrypted when a passphrase
// is configured.
type CredentialStore struct {
	store kv.Store

	// key is the sha256 of the configured passphrase; nil disables
	// encryption and records are stored as plain JSON.
	key []byte
}

// NewCredentialStore creates a credential store. An empty passphrase stores
// credentials unencrypted, which is only sensible for local development.
func NewCredentialStore(store kv.Store, passphrase string) *CredentialStore {
	cs := &CredentialStore{store: store}
	if passphrase != "" {
		hash := sha256.Sum256([]byte(passphrase))
		cs.key = hash[:]
	} else {
		logger.Warnf("credential store encryption disabled; set MCP_CREDENTIALS_KEY in production")
	}
	return cs
}

// Save upserts the credential for its user and provider.
func (cs *CredentialStore) Save(ctx context.Context, cred *Credential) error {
	cred.UpdatedAt = time.Now()
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	sealed, err := cs.encrypt(raw)
	if err != nil {
		return err
	}
	return cs.store.Set(ctx, []string{credentialsPrefix, cred.UserID, cred.ProviderID}, sealed, 0)
}

// Get loads a credential. Decryption failures (wrong key, tampered record)
// surface as errors rather than ErrNoCredential so operators notice.
func (cs *CredentialStore) Get(ctx context.Context, userID, providerID string) (*Credential, error) {
	raw, err := cs.store.Get(ctx, []string{credentialsPrefix, userID, providerID})
	if err == kv.ErrNotFound {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	plain, err := cs.decrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential for user %q: %w", userID, err)
	}
	var cred Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return nil, fmt.Errorf("corrupt credential record: %w", err)
	}
	return &cred, nil
}

// Delete removes a credential (revoke / logout). Unknown keys succeed.
func (cs *CredentialStore) Delete(ctx context.Context, userID, providerID string) error {
	return cs.store.Delete(ctx, []string{credentialsPrefix, userID, providerID})
}

func (cs *CredentialStore) encrypt(plain []byte) ([]byte, error) {
	if cs.key == nil {
		return plain, nil
	}
	block, err := aes.NewCipher(cs.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (cs *CredentialStore) decrypt(sealed []byte) ([]byte, error) {
	if cs.key == nil {
		return sealed, nil
	}
	block, err := aes.NewCipher(cs.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
