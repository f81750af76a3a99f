package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/webstead/indieauth/instrumentation"
	"github.com/webstead/indieauth/security"
	"github.com/webstead/indieauth/storage"
)

const (
	// GrantTypeAuthorizationCode is the only supported grant type.
	GrantTypeAuthorizationCode = "authorization_code"

	// PKCEMethodS256 is the only supported PKCE challenge method.
	PKCEMethodS256 = "S256"

	// TokenTypeBearer is the token_type of every issued token.
	TokenTypeBearer = "Bearer"
)

// TokenGrant is the outcome of a successful code exchange.
type TokenGrant struct {
	AccessToken string
	Me          string
	Scope       string
	ExpiresIn   int64
}

// TokenInfo is the introspection view of an access token.
type TokenInfo struct {
	Active    bool
	Scope     string
	ClientID  string
	Me        string
	Username  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExchangeCode redeems an authorization code for an access token. The code
// is consumed atomically: expiry, client binding, redirect binding, and the
// PKCE verifier are all checked under the code's row lock, and the code is
// burned only when every check passes, so a client that sent a wrong
// verifier may retry. Every failure mode collapses to invalid_grant to
// avoid leaking which check failed.
func (s *Server) ExchangeCode(ctx context.Context, code, clientID, redirectURI, verifier, clientIP string) (*TokenGrant, error) {
	ctx, span := s.tracer.Start(ctx, "server.exchange_code")
	defer span.End()
	instrumentation.SetAttr(span, instrumentation.AttrClientID, clientID)
	instrumentation.SetAttr(span, instrumentation.AttrGrantType, GrantTypeAuthorizationCode)

	if code == "" || clientID == "" || redirectURI == "" || verifier == "" {
		return nil, flowError(ErrorCodeInvalidRequest, "code, client_id, redirect_uri and code_verifier are required")
	}

	record, err := s.store.ConsumeCode(ctx, hashCredential(code), func(c *storage.AuthorizationCode) error {
		if security.IsExpired(c.ExpiresAt, time.Now()) {
			return errors.New("code expired")
		}
		if c.ClientID != clientID {
			return errors.New("client_id mismatch")
		}
		if c.RedirectURI != redirectURI {
			return errors.New("redirect_uri mismatch")
		}
		if c.CodeChallengeMethod != PKCEMethodS256 {
			return errors.New("unsupported challenge method")
		}
		if !verifierMatchesChallenge(verifier, c.CodeChallenge) {
			instrumentation.AddSafe(ctx, s.metrics.PKCEValidationFailed, 1,
				attribute.String("client_id", clientID))
			return errors.New("code_verifier mismatch")
		}
		return nil
	})
	if err != nil {
		if err == storage.ErrNotFound {
			instrumentation.AddSafe(ctx, s.metrics.CodeReuseDetected, 1,
				attribute.String("client_id", clientID))
		}
		s.Auditor.LogAuthFailure(clientID, clientIP, "code exchange failed")
		instrumentation.RecordError(span, err)
		return nil, flowError(ErrorCodeInvalidGrant, "authorization code is invalid, expired, or already used")
	}

	token := generateCredential()
	now := time.Now()
	expiresAt := now.Add(s.Config.AccessTokenTTL)

	err = s.store.InsertToken(ctx, &storage.AccessToken{
		TokenHash: hashCredential(token),
		ClientID:  record.ClientID,
		Me:        record.Me,
		Scope:     record.Scope,
		Username:  record.Username,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	s.Auditor.LogCodeExchanged(record.Username, record.ClientID, clientIP, record.Scope)
	instrumentation.AddSafe(ctx, s.metrics.CodesExchanged, 1,
		attribute.String("client_id", record.ClientID))

	return &TokenGrant{
		AccessToken: token,
		Me:          record.Me,
		Scope:       record.Scope,
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}

// verifierMatchesChallenge checks the S256 PKCE condition:
// base64url(sha256(verifier)) == challenge, compared in constant time.
func verifierMatchesChallenge(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// RevokeToken revokes the given raw token. It is idempotent and reveals
// nothing: unknown, expired, and already-revoked tokens all succeed
// silently.
func (s *Server) RevokeToken(ctx context.Context, rawToken, clientIP string) {
	if err := s.store.RevokeToken(ctx, hashCredential(rawToken), time.Now()); err != nil {
		s.Logger.Warn("Token revocation failed", "error", err)
		return
	}
	s.Auditor.LogTokenRevoked("", clientIP)
	instrumentation.AddSafe(ctx, s.metrics.TokensRevoked, 1)
}

// IntrospectToken looks up a raw token and reports its state. Unknown,
// revoked, and expired tokens are all simply inactive.
func (s *Server) IntrospectToken(ctx context.Context, rawToken string) (*TokenInfo, error) {
	instrumentation.AddSafe(ctx, s.metrics.IntrospectionCalls, 1)

	record, err := s.store.FindTokenByHash(ctx, hashCredential(rawToken))
	if err != nil {
		if err == storage.ErrNotFound {
			return &TokenInfo{Active: false}, nil
		}
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if record.Revoked() || security.IsExpired(record.ExpiresAt, time.Now()) {
		return &TokenInfo{Active: false}, nil
	}

	return &TokenInfo{
		Active:    true,
		Scope:     record.Scope,
		ClientID:  record.ClientID,
		Me:        record.Me,
		Username:  record.Username,
		IssuedAt:  record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// UserinfoForToken returns the owner profile for an active token. Inactive
// tokens yield an unauthorized flow error.
func (s *Server) UserinfoForToken(ctx context.Context, rawToken string) (*Owner, string, error) {
	info, err := s.IntrospectToken(ctx, rawToken)
	if err != nil {
		return nil, "", err
	}
	if !info.Active {
		return nil, "", flowError(ErrorCodeUnauthorized, "token is not active")
	}

	owner, err := s.profiles.Profile(ctx, info.Username)
	if err != nil {
		return nil, "", fmt.Errorf("profile lookup failed: %w", err)
	}
	return owner, info.Me, nil
}
