// SPDX-License-Identifier: AGPL-3.0-only

package connection

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"github.com/rs/xid"
	"golang.org/x/crypto/hkdf"
)

// SessionKeyLength is the length of a derived session key.
const SessionKeyLength = 32

// NewSessionToken returns a fresh, unique session token.  The token is the
// public half of the session identity; the key derived from it and the
// shared secret proves it.
func NewSessionToken() []byte {
	id := xid.New()
	return id.Bytes()
}

// DeriveSessionKey derives the session key for a token from the out of band
// shared secret (distributed by whatever connect token infrastructure the
// application uses).
func DeriveSessionKey(secret, token []byte) []byte {
	salt := []byte("nettick_session_keymaterial")
	r := hkdf.New(sha256.New, secret, salt, token)
	key := make([]byte, SessionKeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		panic(err)
	}
	return key
}

// Authenticator validates a presented session key.
type Authenticator interface {
	Authenticate(sessionKey []byte) bool
}

// SecretAuthenticator authenticates any key derived from the shared secret
// and a token carried in the key's first xid worth of bytes.
type SecretAuthenticator struct {
	Secret []byte
}

// Authenticate implements Authenticator.  The handshake session key is
// token || DeriveSessionKey(secret, token).
func (a *SecretAuthenticator) Authenticate(sessionKey []byte) bool {
	tokenLen := len(xid.New().Bytes())
	if len(sessionKey) != tokenLen+SessionKeyLength {
		return false
	}
	token, key := sessionKey[:tokenLen], sessionKey[tokenLen:]
	want := DeriveSessionKey(a.Secret, token)
	return hmac.Equal(key, want)
}

// SealSessionKey builds the handshake session key for a token under the
// shared secret, the counterpart of SecretAuthenticator.
func SealSessionKey(secret, token []byte) []byte {
	return append(append([]byte(nil), token...), DeriveSessionKey(secret, token)...)
}

// AcceptAll authenticates everything; for development setups without a
// shared secret.
type AcceptAll struct{}

// Authenticate implements Authenticator.
func (AcceptAll) Authenticate([]byte) bool { return true }
