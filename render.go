package indieauth

import (
	"encoding/json"
	"net/http"

	"github.com/webstead/indieauth/security"
	"github.com/webstead/indieauth/server"
)

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeOAuthError writes a JSON OAuth error body with the status implied
// by the error code, recording the code for the request log.
func (h *Handler) writeOAuthError(w http.ResponseWriter, code, description string) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.errorCode = code
	}
	h.writeJSON(w, StatusForErrorCode(code), &ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// consentPageData feeds the consent template. The hidden form fields echo
// the full authorization request so the POST can be validated from
// scratch.
type consentPageData struct {
	OwnerName  string
	ClientName string
	ClientID   string
	LogoURL    string
	Me         string
	Scopes     []string
	Request    *server.AuthorizeRequest
}

func (h *Handler) renderConsentPage(w http.ResponseWriter, r *http.Request, owner *server.Owner, v *server.AuthorizeValidation, req *server.AuthorizeRequest) {
	clientName := v.Client.Name
	if clientName == "" {
		clientName = v.Client.ClientID
	}

	security.SetHTMLPageHeaders(w, h.server.Issuer())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := h.consentTemplate.Execute(w, &consentPageData{
		OwnerName:  owner.Name(),
		ClientName: clientName,
		ClientID:   v.Client.ClientID,
		LogoURL:    v.Client.LogoURL,
		Me:         v.Me,
		Scopes:     v.Scopes,
		Request:    req,
	})
	if err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
	}
}

type errorPageData struct {
	Code        string
	Description string
}

// renderErrorPage shows an authorization failure to the owner locally.
// Nothing reaches the redirect URI.
func (h *Handler) renderErrorPage(w http.ResponseWriter, r *http.Request, code, description string) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.errorCode = code
	}
	security.SetHTMLPageHeaders(w, h.server.Issuer())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(StatusForErrorCode(code))
	err := h.errorTemplate.Execute(w, &errorPageData{Code: code, Description: description})
	if err != nil {
		h.logger.Error("Failed to render error page", "error", err)
	}
}

const consentPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 34rem; margin: 3rem auto; padding: 0 1rem; color: #222; }
.card { border: 1px solid #ddd; border-radius: 8px; padding: 1.5rem; }
.client { display: flex; align-items: center; gap: 0.75rem; margin-bottom: 1rem; }
.client img { width: 48px; height: 48px; border-radius: 6px; }
.client-id { color: #666; font-size: 0.85rem; word-break: break-all; }
ul.scopes { padding-left: 1.25rem; }
ul.scopes li { margin: 0.25rem 0; }
.me { font-weight: 600; }
.actions { display: flex; gap: 0.75rem; margin-top: 1.5rem; }
button { font-size: 1rem; padding: 0.5rem 1.25rem; border-radius: 6px; border: 1px solid #888; cursor: pointer; }
button.approve { background: #2a7; border-color: #2a7; color: #fff; }
label.remember { display: block; margin-top: 1rem; font-size: 0.9rem; }
</style>
</head>
<body>
<div class="card">
<div class="client">
{{if .LogoURL}}<img src="{{.LogoURL}}" alt="">{{end}}
<div>
<strong>{{.ClientName}}</strong>
<div class="client-id">{{.ClientID}}</div>
</div>
</div>
<p>Hi {{.OwnerName}}. This application wants to sign in as
<span class="me">{{.Me}}</span>{{if .Scopes}} with permission to:{{else}}.{{end}}</p>
{{if .Scopes}}<ul class="scopes">{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>{{end}}
<form method="post">
<input type="hidden" name="response_type" value="{{.Request.ResponseType}}">
<input type="hidden" name="client_id" value="{{.Request.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.Request.RedirectURI}}">
<input type="hidden" name="me" value="{{.Request.Me}}">
<input type="hidden" name="scope" value="{{.Request.Scope}}">
<input type="hidden" name="state" value="{{.Request.State}}">
<input type="hidden" name="code_challenge" value="{{.Request.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.Request.CodeChallengeMethod}}">
<label class="remember"><input type="checkbox" name="remember" value="1"> Remember this decision</label>
<div class="actions">
<button class="approve" type="submit" name="decision" value="approve">Approve</button>
<button type="submit" name="decision" value="deny">Deny</button>
</div>
</form>
</div>
</body>
</html>
`

const errorPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorization error</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 34rem; margin: 3rem auto; padding: 0 1rem; color: #222; }
.card { border: 1px solid #e99; border-radius: 8px; padding: 1.5rem; background: #fff6f6; }
code { background: #eee; padding: 0.1rem 0.3rem; border-radius: 4px; }
</style>
</head>
<body>
<div class="card">
<h1>Authorization error</h1>
<p><code>{{.Code}}</code></p>
<p>{{.Description}}</p>
</div>
</body>
</html>
`
