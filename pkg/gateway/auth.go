package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const (
	// authMaxAttempts is how many bad signatures a connection gets before
	// it is dropped.
	authMaxAttempts = 3

	// challengeTTL bounds how long an issued challenge stays answerable
	challengeTTL = 30 * time.Second
)

// pendingAuth is the server-side state of one outstanding handshake
type pendingAuth struct {
	nonce    string
	issuedAt time.Time
	attempts int
}

// AuthHandler runs the challenge-response handshake. All handshake state
// lives here, keyed by client id; the Client struct never carries secrets.
// Challenges are single-use and expire after challengeTTL.
type AuthHandler struct {
	secret []byte

	mu      sync.Mutex
	pending map[string]*pendingAuth
}

// NewAuthHandler creates an authentication handler for a shared secret
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		secret:  []byte(sharedSecret),
		pending: make(map[string]*pendingAuth),
	}
}

// Challenge issues a fresh random nonce for the client and remembers it.
// Issuing a new challenge invalidates any earlier one for the same client.
func (a *AuthHandler) Challenge(clientID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	nonce := hex.EncodeToString(raw)

	a.mu.Lock()
	a.pruneLocked(time.Now())
	a.pending[clientID] = &pendingAuth{nonce: nonce, issuedAt: time.Now()}
	a.mu.Unlock()

	return nonce, nil
}

// Verify checks a client's signature against its outstanding challenge.
// A valid signature consumes the challenge; repeated failures lock the
// client out.
func (a *AuthHandler) Verify(clientID, signature string) AuthResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pending[clientID]
	if !ok {
		return AuthResult{Event: "auth.failure", Message: "No challenge found", Fatal: true}
	}

	if time.Since(p.issuedAt) > challengeTTL {
		delete(a.pending, clientID)
		return AuthResult{Event: "auth.failure", Message: "Challenge expired", Fatal: true}
	}

	if subtle.ConstantTimeCompare([]byte(a.expectedSignature(p.nonce)), []byte(signature)) != 1 {
		p.attempts++
		if p.attempts >= authMaxAttempts {
			delete(a.pending, clientID)
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts", Fatal: true}
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
	}

	delete(a.pending, clientID)
	return AuthResult{Event: "auth.success", Success: true}
}

// Forget drops any handshake state for a disconnected client
func (a *AuthHandler) Forget(clientID string) {
	a.mu.Lock()
	delete(a.pending, clientID)
	a.mu.Unlock()
}

// expectedSignature is the HMAC-SHA256 of the nonce under the shared secret
func (a *AuthHandler) expectedSignature(nonce string) string {
	h := hmac.New(sha256.New, a.secret)
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

func (a *AuthHandler) pruneLocked(now time.Time) {
	for id, p := range a.pending {
		if now.Sub(p.issuedAt) > challengeTTL {
			delete(a.pending, id)
		}
	}
}
