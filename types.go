package indieauth

// ServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
// as served on /.well-known/oauth-authorization-server and /indieauth/metadata.
type ServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// IntrospectionEndpoint is the URL of the token introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint"`

	// RevocationEndpoint is the URL used for token revocation.
	// Revocation is handled by the token endpoint (action=revoke).
	RevocationEndpoint string `json:"revocation_endpoint"`

	// UserinfoEndpoint is the URL of the userinfo endpoint
	UserinfoEndpoint string `json:"userinfo_endpoint"`

	// CodeChallengeMethodsSupported lists the PKCE methods supported (always ["S256"])
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`

	// ScopesSupported lists the scopes this server grants
	ScopesSupported []string `json:"scopes_supported"`
}

// TokenResponse is the JSON body returned by a successful code exchange.
type TokenResponse struct {
	// AccessToken is the raw bearer token, returned exactly once
	AccessToken string `json:"access_token"`

	// TokenType is always "Bearer"
	TokenType string `json:"token_type"`

	// Me is the canonical profile URL the token asserts control of
	Me string `json:"me"`

	// Scope is the space-delimited granted scope string
	Scope string `json:"scope"`

	// ExpiresIn is the token lifetime in seconds
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

// IntrospectionResponse is the JSON body returned by the introspection
// endpoint. Inactive tokens produce {"active": false} with no further
// fields, regardless of whether the token is unknown, revoked, or expired.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Me        string `json:"me,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// UserinfoResponse is the JSON body returned by the userinfo endpoint.
type UserinfoResponse struct {
	Me    string `json:"me"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// RevocationResponse is the JSON body returned by the revoke action.
// Revoked is true whenever a token value was supplied, whether or not it
// existed, so the endpoint cannot be used as an existence oracle.
type RevocationResponse struct {
	Revoked bool `json:"revoked"`
}

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}
