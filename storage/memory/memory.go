// Package memory provides an in-memory storage backend, suitable for
// tests and single-process deployments that can tolerate losing grants on
// restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/webstead/indieauth/storage"
)

// Store is an in-memory implementation of storage.Store. A single mutex
// serializes all access, which trivially satisfies the atomicity contract
// of ConsumeCode.
type Store struct {
	mu       sync.Mutex
	clients  map[string]*storage.Client
	codes    map[string]*storage.AuthorizationCode
	tokens   map[string]*storage.AccessToken
	consents map[consentKey]*storage.Consent
	requests []*storage.RequestLog
}

type consentKey struct {
	username string
	clientID string
	scope    string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clients:  make(map[string]*storage.Client),
		codes:    make(map[string]*storage.AuthorizationCode),
		tokens:   make(map[string]*storage.AccessToken),
		consents: make(map[consentKey]*storage.Consent),
	}
}

// FindClient retrieves a client by client_id.
func (s *Store) FindClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyClient(client), nil
}

// UpsertClient inserts or replaces a client record.
func (s *Store) UpsertClient(ctx context.Context, client *storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = copyClient(client)
	return nil
}

// InsertCode saves an authorization code.
func (s *Store) InsertCode(ctx context.Context, code *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *code
	s.codes[code.CodeHash] = &stored
	return nil
}

// ConsumeCode claims the unconsumed code matching codeHash. The verify
// callback runs under the store lock and the code is marked consumed only
// when it returns nil.
func (s *Store) ConsumeCode(ctx context.Context, codeHash string, verify func(*storage.AuthorizationCode) error) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok || code.Consumed() {
		return nil, storage.ErrNotFound
	}

	snapshot := *code
	if err := verify(&snapshot); err != nil {
		return nil, err
	}

	code.UsedAt = time.Now()
	snapshot.UsedAt = code.UsedAt
	return &snapshot, nil
}

// InsertToken saves an access token.
func (s *Store) InsertToken(ctx context.Context, token *storage.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *token
	s.tokens[token.TokenHash] = &stored
	return nil
}

// FindTokenByHash retrieves a token by its hash.
func (s *Store) FindTokenByHash(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	snapshot := *token
	return &snapshot, nil
}

// RevokeToken stamps the token's revocation time. Unknown and
// already-revoked tokens are silently accepted.
func (s *Store) RevokeToken(ctx context.Context, tokenHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenHash]
	if !ok || token.Revoked() {
		return nil
	}
	token.RevokedAt = now
	return nil
}

// FindConsent retrieves a remembered consent by its exact key.
func (s *Store) FindConsent(ctx context.Context, username, clientID, scope string) (*storage.Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consent, ok := s.consents[consentKey{username, clientID, scope}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	snapshot := *consent
	return &snapshot, nil
}

// UpsertConsent inserts or refreshes a consent.
func (s *Store) UpsertConsent(ctx context.Context, consent *storage.Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey{consent.Username, consent.ClientID, consent.Scope}
	if existing, ok := s.consents[key]; ok {
		existing.LastUsedAt = consent.LastUsedAt
		return nil
	}
	stored := *consent
	s.consents[key] = &stored
	return nil
}

// TouchConsent updates the last-used timestamp of an existing consent.
func (s *Store) TouchConsent(ctx context.Context, username, clientID, scope string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if consent, ok := s.consents[consentKey{username, clientID, scope}]; ok {
		consent.LastUsedAt = now
	}
	return nil
}

// InsertRequestLog appends a request log entry.
func (s *Store) InsertRequestLog(ctx context.Context, entry *storage.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	s.requests = append(s.requests, &stored)
	return nil
}

// RequestLogs returns a snapshot of the recorded request log.
func (s *Store) RequestLogs() []*storage.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	logs := make([]*storage.RequestLog, len(s.requests))
	for i, entry := range s.requests {
		snapshot := *entry
		logs[i] = &snapshot
	}
	return logs
}

func copyClient(client *storage.Client) *storage.Client {
	snapshot := *client
	snapshot.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	return &snapshot
}
