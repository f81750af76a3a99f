package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist, or, for
// ConsumeCode, when the code has already been consumed.
var ErrNotFound = errors.New("storage: not found")

// ClientStore persists discovered client metadata keyed by the client_id URL.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// FindClient retrieves a client by its client_id URL.
	// Returns ErrNotFound if the client has never been seen.
	FindClient(ctx context.Context, clientID string) (*Client, error)

	// UpsertClient inserts or replaces a client record.
	// Writes are idempotent; a redundant refresh from a concurrent request
	// is harmless.
	UpsertClient(ctx context.Context, client *Client) error
}

// CodeStore persists hashed, single-use authorization codes.
type CodeStore interface {
	// InsertCode saves a newly issued authorization code.
	InsertCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeCode atomically claims the unconsumed code matching codeHash.
	// The verify callback runs while the row lock is held; the code is
	// marked consumed only if verify returns nil, so a failed verification
	// leaves the code unconsumed. Returns ErrNotFound if no unconsumed code
	// matches, which is how a concurrent second exchange observes the loss
	// of the race.
	//
	// SECURITY: This operation MUST be atomic. Two simultaneous exchanges
	// of the same code must race for the lock and exactly one may succeed.
	ConsumeCode(ctx context.Context, codeHash string, verify func(*AuthorizationCode) error) (*AuthorizationCode, error)
}

// TokenStore persists hashed, revocable access tokens. Tokens are never
// deleted; revocation only sets the revocation timestamp, keeping the
// record for audit and introspection history.
type TokenStore interface {
	// InsertToken saves a newly minted access token.
	InsertToken(ctx context.Context, token *AccessToken) error

	// FindTokenByHash retrieves a token by its SHA-256 hex digest.
	// Returns ErrNotFound if no such token exists.
	FindTokenByHash(ctx context.Context, tokenHash string) (*AccessToken, error)

	// RevokeToken sets the revocation timestamp of the matching token if it
	// exists and is not already revoked. Revoking an unknown or
	// already-revoked token is not an error.
	RevokeToken(ctx context.Context, tokenHash string, now time.Time) error
}

// ConsentStore persists remembered owner decisions keyed by
// (username, client_id, exact scope string).
type ConsentStore interface {
	// FindConsent retrieves a remembered consent. Returns ErrNotFound if
	// the owner has not remembered a decision for this exact key.
	FindConsent(ctx context.Context, username, clientID, scope string) (*Consent, error)

	// UpsertConsent inserts or refreshes a consent, setting its
	// last-used timestamp.
	UpsertConsent(ctx context.Context, consent *Consent) error

	// TouchConsent updates the last-used timestamp of an existing consent.
	TouchConsent(ctx context.Context, username, clientID, scope string, now time.Time) error
}

// RequestLogStore records endpoint hits for the admin audit trail.
type RequestLogStore interface {
	// InsertRequestLog appends a request log entry. Failures are
	// non-fatal to the request being logged.
	InsertRequestLog(ctx context.Context, entry *RequestLog) error
}

// Store aggregates every storage concern the server needs.
// Any relational backend with row-level locking satisfies the
// ConsumeCode contract; the in-memory backend serializes with a mutex.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
	ConsentStore
	RequestLogStore
}

// Client is a relying client identified by its client_id URL.
// It is created on first reference during an authorize request and
// refreshed when its metadata is missing or stale; it is never deleted.
type Client struct {
	ClientID     string    // absolute http/https URL with no fragment
	Name         string    // discovered display name
	LogoURL      string    // discovered logo URL
	RedirectURIs []string  // discovered redirect URIs, absolute, deduplicated
	LastFetchedAt time.Time // zero if metadata was never fetched
	FetchError   string    // last discovery failure, empty on success
}

// AuthorizationCode is a single pending grant. The raw code is never
// stored; only its SHA-256 hex digest is kept.
type AuthorizationCode struct {
	CodeHash            string
	CodeChallenge       string
	CodeChallengeMethod string // only "S256" is ever issued
	ClientID            string
	RedirectURI         string
	Me                  string
	Scope               string
	Username            string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	UsedAt              time.Time // zero until consumed; transitions exactly once
}

// Consumed reports whether the code has already been exchanged.
func (c *AuthorizationCode) Consumed() bool {
	return !c.UsedAt.IsZero()
}

// AccessToken is a granted bearer credential. The raw token is never
// stored; only its SHA-256 hex digest is kept.
type AccessToken struct {
	TokenHash string
	ClientID  string
	Me        string
	Scope     string
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt time.Time // zero unless revoked
}

// Revoked reports whether the token has been revoked.
func (t *AccessToken) Revoked() bool {
	return !t.RevokedAt.IsZero()
}

// Consent is a remembered owner decision for a (client, scope) pair.
type Consent struct {
	Username   string
	ClientID   string
	Scope      string // exact scope string; no subset/superset merging
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// RequestLog is one recorded endpoint hit.
type RequestLog struct {
	Method     string
	Path       string
	StatusCode int
	Error      string
	RemoteAddr string
	UserAgent  string
	CreatedAt  time.Time
}
