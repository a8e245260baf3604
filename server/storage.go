package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// InMemoryStore keeps ephemeral state for authorization codes and access
// tokens. Both are checked for logical expiry on every read, so a record that
// outlives its TTL is treated as absent even before the sweeper removes it.
type InMemoryStore struct {
	mu           sync.RWMutex
	authCodes    map[string]AuthorizationCode
	accessTokens map[string]AccessToken
	stopSweep    chan struct{}
	sweepOnce    sync.Once
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		authCodes:    make(map[string]AuthorizationCode),
		accessTokens: make(map[string]AccessToken),
		stopSweep:    make(chan struct{}),
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

// SaveAuthCode persists an authorization code.
func (s *InMemoryStore) SaveAuthCode(code AuthorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.Code] = code
}

// ConsumeAuthCode fetches and removes an authorization code. A code can be
// consumed at most once; an expired code is removed and reported absent.
func (s *InMemoryStore) ConsumeAuthCode(code string) (AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.authCodes[code]
	if !ok {
		return AuthorizationCode{}, false
	}
	delete(s.authCodes, code)
	if time.Now().After(auth.ExpiresAt) {
		return AuthorizationCode{}, false
	}
	return auth, true
}

// SaveAccessToken stores a minted access token.
func (s *InMemoryStore) SaveAccessToken(tok AccessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[tok.Token] = tok
}

// GetAccessToken retrieves a token by its opaque value. Expired tokens are
// pruned on read and reported absent.
func (s *InMemoryStore) GetAccessToken(token string) (AccessToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.accessTokens[token]
	if !ok {
		return AccessToken{}, false
	}
	if time.Now().After(tok.ExpiresAt) {
		delete(s.accessTokens, token)
		return AccessToken{}, false
	}
	return tok, true
}

// DeleteAccessToken removes a token. Idempotent.
func (s *InMemoryStore) DeleteAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessTokens, token)
}

// StartSweeper launches a background loop that clears expired codes and
// tokens so a long-running process stays bounded. Stop with StopSweeper.
func (s *InMemoryStore) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(time.Now())
			case <-s.stopSweep:
				return
			}
		}
	}()
}

// StopSweeper stops the background sweep loop.
func (s *InMemoryStore) StopSweeper() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

func (s *InMemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.authCodes {
		if now.After(v.ExpiresAt) {
			delete(s.authCodes, k)
		}
	}
	for k, v := range s.accessTokens {
		if now.After(v.ExpiresAt) {
			delete(s.accessTokens, k)
		}
	}
}

// Counts reports live record counts, used by tests and the sweeper log line.
func (s *InMemoryStore) Counts() (codes, tokens int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.authCodes), len(s.accessTokens)
}
