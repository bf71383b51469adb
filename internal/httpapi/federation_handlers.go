package httpapi

import (
	"errors"
	"net/http"

	"modelhub.org/internal/audit"
	"modelhub.org/internal/auth"
)

// handleOAuthAuthorize redirects the browser to the provider's authorization
// endpoint. The single-use state also travels in a short-lived cookie so the
// callback can tie the redirect back to this browser.
func (a *API) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	url, state, err := a.fed.AuthorizeURL(r.PathValue("provider"))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/v1/oauth/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, url, http.StatusFound)
}

// handleOAuthCallback finishes the flow: exchange the code, link or create a
// local account, and issue a local session pair. The federated identity is
// transient; only the account link persists.
func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	query := r.URL.Query()

	state := query.Get("state")
	if cookie, err := r.Cookie("oauth_state"); err != nil || cookie.Value != state {
		writeError(w, http.StatusBadRequest, "state mismatch")
		return
	}

	identity, err := a.fed.Exchange(r.Context(), provider, query.Get("code"), state)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	account, err := a.linkAccount(r, identity.Email, identity.DisplayName)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	pair, err := a.tokens.IssuePair(account.ID, account.Role)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "federation.login", map[string]any{
		"provider":         identity.Provider,
		"provider_user_id": identity.ProviderUserID,
		"account_id":       account.ID,
	})
	writeJSON(w, http.StatusOK, pair)
}

// linkAccount resolves the federated email to a local account, creating one
// with the default role on first login. Federated accounts carry no local
// password; password login stays disabled for them until one is set.
func (a *API) linkAccount(r *http.Request, email, displayName string) (*auth.Account, error) {
	if email == "" {
		return nil, auth.ErrInvalidCredential
	}
	account, err := a.accounts.FindByEmail(r.Context(), email)
	if err == nil {
		if !account.IsActive {
			return nil, auth.ErrInvalidCredential
		}
		return account, nil
	}
	if !errors.Is(err, auth.ErrNotFound) {
		return nil, err
	}
	account = &auth.Account{
		Email:       email,
		DisplayName: displayName,
		Role:        auth.RoleUser,
		IsActive:    true,
	}
	if err := a.accounts.Create(r.Context(), account); err != nil {
		return nil, err
	}
	return account, nil
}
