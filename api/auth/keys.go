package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionKey is an issued key with its expiry, returned to the client.
type ConnectionKey struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Grant is what a consumed key authorizes.
type Grant struct {
	UserID    string
	SessionID *int64
}

// KeyStore issues single-use connection keys that pre-authorize a
// WebSocket handshake. Browsers cannot attach Authorization headers to
// WebSocket upgrades, so the client fetches a key over authenticated HTTP
// and passes it in the ws URL.
type KeyStore struct {
	mu   sync.Mutex
	keys map[string]keyEntry
	ttl  time.Duration
}

type keyEntry struct {
	grant     Grant
	expiresAt time.Time
}

func NewKeyStore(ttl time.Duration) *KeyStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &KeyStore{
		keys: make(map[string]keyEntry),
		ttl:  ttl,
	}
}

// Issue creates a key bound to userID and an optional session, valid for
// the store's TTL.
func (s *KeyStore) Issue(userID string, sessionID *int64) ConnectionKey {
	key := uuid.Must(uuid.NewV7()).String()
	expiresAt := time.Now().Add(s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune()
	s.keys[key] = keyEntry{
		grant:     Grant{UserID: userID, SessionID: sessionID},
		expiresAt: expiresAt,
	}
	return ConnectionKey{Key: key, ExpiresAt: expiresAt}
}

// Consume redeems a key, deleting it in the same step so a key never
// authorizes two handshakes. Expired keys fail.
func (s *KeyStore) Consume(key string) (Grant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[key]
	if !ok {
		return Grant{}, false
	}
	delete(s.keys, key)

	if time.Now().After(entry.expiresAt) {
		return Grant{}, false
	}
	return entry.grant, true
}

// prune drops expired keys. Caller holds mu.
func (s *KeyStore) prune() {
	now := time.Now()
	for key, entry := range s.keys {
		if now.After(entry.expiresAt) {
			delete(s.keys, key)
		}
	}
}
