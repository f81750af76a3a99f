package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/webstead/indieauth/instrumentation"
	"github.com/webstead/indieauth/storage"
)

// AuthorizeRequest carries the query parameters of an authorization
// request.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Me                  string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string
}

// AuthorizeValidation is the outcome of a successful validation: the
// resolved client, the canonical me URL, and the normalized scope.
type AuthorizeValidation struct {
	Client *storage.Client
	Me     string
	Scope  string
	Scopes []string
}

// ValidateAuthorizeRequest checks every parameter of an authorization
// request. Validation failures surface as *Error values; none of them may
// be delivered to the redirect URI, since the redirect URI itself is not
// trusted until it passes.
func (s *Server) ValidateAuthorizeRequest(ctx context.Context, req *AuthorizeRequest, clientIP string) (*AuthorizeValidation, error) {
	instrumentation.AddSafe(ctx, s.metrics.AuthorizeRequests, 1,
		attribute.String("client_id", req.ClientID))

	if req.ResponseType != "code" {
		s.Auditor.LogAuthFailure(req.ClientID, clientIP, "unsupported response_type")
		return nil, flowError(ErrorCodeInvalidRequest, "response_type must be \"code\"")
	}

	client, err := s.ResolveClient(ctx, req.ClientID)
	if err != nil {
		var flowErr *Error
		if errors.As(err, &flowErr) {
			s.Auditor.LogAuthFailure(req.ClientID, clientIP, flowErr.Description)
			return nil, err
		}
		return nil, fmt.Errorf("client resolution failed: %w", err)
	}

	if !s.RedirectAllowed(req.ClientID, req.RedirectURI, client) {
		s.Auditor.LogAuthFailure(req.ClientID, clientIP, "redirect_uri not allowed")
		return nil, flowError(ErrorCodeInvalidRequest, "redirect_uri is not allowed for this client")
	}

	me, ok := s.NormalizeMe(req.Me)
	if !ok {
		s.Auditor.LogAuthFailure(req.ClientID, clientIP, "invalid me URL")
		return nil, flowError(ErrorCodeInvalidRequest, "me is not a valid profile URL")
	}
	if !s.IsAllowedMe(me) {
		s.Auditor.LogAuthFailure(req.ClientID, clientIP, "me URL not served here")
		return nil, flowError(ErrorCodeInvalidRequest, "me is not a profile URL served by this authorization server")
	}

	if req.CodeChallenge == "" {
		s.Auditor.LogAuthFailure(req.ClientID, clientIP, "missing code_challenge")
		return nil, flowError(ErrorCodeInvalidRequest, "code_challenge is required")
	}
	if req.CodeChallengeMethod != PKCEMethodS256 {
		s.Auditor.LogAuthFailure(req.ClientID, clientIP, "unsupported code_challenge_method")
		return nil, flowError(ErrorCodeInvalidRequest, "code_challenge_method must be S256")
	}

	scopes := strings.Fields(req.Scope)
	return &AuthorizeValidation{
		Client: client,
		Me:     me,
		Scope:  strings.Join(scopes, " "),
		Scopes: scopes,
	}, nil
}

// HasRememberedConsent reports whether the owner previously approved this
// client for exactly this scope string. A hit refreshes the consent's
// last-used timestamp.
func (s *Server) HasRememberedConsent(ctx context.Context, username, clientID, scope string) bool {
	_, err := s.store.FindConsent(ctx, username, clientID, scope)
	if err != nil {
		if err != storage.ErrNotFound {
			s.Logger.Warn("Consent lookup failed", "client_id", clientID, "error", err)
		}
		return false
	}
	if err := s.store.TouchConsent(ctx, username, clientID, scope, time.Now()); err != nil {
		s.Logger.Warn("Failed to touch consent", "client_id", clientID, "error", err)
	}
	instrumentation.AddSafe(ctx, s.metrics.ConsentDecisions, 1,
		attribute.String("decision", "auto"))
	return true
}

// RememberConsent stores the owner's approval so future authorization
// requests for the same client and scope skip the consent page.
func (s *Server) RememberConsent(ctx context.Context, username, clientID, scope string) error {
	now := time.Now()
	return s.store.UpsertConsent(ctx, &storage.Consent{
		Username:   username,
		ClientID:   clientID,
		Scope:      scope,
		CreatedAt:  now,
		LastUsedAt: now,
	})
}

// IssueCode mints a single-use authorization code bound to the client, the
// redirect URI, the me URL, the scope, and the PKCE challenge. Only the
// code's hash is persisted; the raw value is returned for the redirect and
// then forgotten.
func (s *Server) IssueCode(ctx context.Context, v *AuthorizeValidation, req *AuthorizeRequest, username, clientIP string) (string, error) {
	code := generateCredential()
	now := time.Now()

	err := s.store.InsertCode(ctx, &storage.AuthorizationCode{
		CodeHash:            hashCredential(code),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Me:                  v.Me,
		Scope:               v.Scope,
		Username:            username,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	})
	if err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Auditor.LogCodeIssued(username, req.ClientID, clientIP, v.Scope)
	instrumentation.AddSafe(ctx, s.metrics.CodesIssued, 1,
		attribute.String("client_id", req.ClientID))
	return code, nil
}
