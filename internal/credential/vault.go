package credential

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/corvohq/driftmail/internal/wire"
)

// Vault implements the bridge's auth and key providers on top of a Store.
// Every method hits the store; account identity and secrets are resolved at
// the moment of use.
type Vault struct {
	Store Store
	Now   func() time.Time
}

func (v *Vault) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// ActiveAccount returns the currently selected account, or "".
func (v *Vault) ActiveAccount() string {
	account, err := v.Store.Get(KeyActiveAccount)
	if err != nil {
		return ""
	}
	return account
}

// AuthHeader builds the Authorization header for the active account. It
// returns "" when no account is selected, no token is stored, or a stored JWT
// is already expired; an empty header aborts bridge readiness. Opaque
// (non-JWT) tokens are passed through as-is.
func (v *Vault) AuthHeader() string {
	account := v.ActiveAccount()
	if account == "" {
		return ""
	}
	token, err := v.Store.Get(TokenKey(account))
	if err != nil || token == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(v.now()) {
			return ""
		}
	}
	return "Bearer " + token
}

// PGPKeys reads the active account's key material and passphrases.
func (v *Vault) PGPKeys() (wire.PGPKeys, error) {
	account := v.ActiveAccount()
	if account == "" {
		return wire.PGPKeys{}, fmt.Errorf("no active account")
	}

	msg := wire.PGPKeys{Account: account, Passphrases: map[string]string{}}

	raw, err := v.Store.Get(PGPKeysKey(account))
	if err != nil {
		return wire.PGPKeys{}, fmt.Errorf("read pgp keys: %w", err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Keys); err != nil {
			return wire.PGPKeys{}, fmt.Errorf("decode pgp keys for %q: %w", account, err)
		}
	}

	raw, err = v.Store.Get(PassphrasesKey(account))
	if err != nil {
		return wire.PGPKeys{}, fmt.Errorf("read pgp passphrases: %w", err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Passphrases); err != nil {
			return wire.PGPKeys{}, fmt.Errorf("decode pgp passphrases for %q: %w", account, err)
		}
	}
	return msg, nil
}

// HasCredentials reports whether an auth header can currently be produced.
// The refresh controller uses this to decide whether to open the
// authenticated push connection.
func (v *Vault) HasCredentials() bool {
	return v.AuthHeader() != ""
}
