package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"modelhub.org/internal/apikey"
	"modelhub.org/internal/auth"
	"modelhub.org/internal/federation"
)

// fedEnv spins up a fake identity provider and an API wired to it.
type fedEnv struct {
	*env
	provider *httptest.Server
	email    string
}

func newFedEnv(t *testing.T) *fedEnv {
	t.Helper()
	fe := &fedEnv{email: "alice@example.com"}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "provider-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":   "ext-123",
			"email": fe.email,
			"name":  "Alice",
		})
	})
	fe.provider = httptest.NewServer(mux)
	t.Cleanup(fe.provider.Close)

	clock := newFakeClock()
	accounts := auth.NewMemAccountStore()
	tokens, err := auth.NewTokenService("test-secret", accounts, auth.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	keys, err := apikey.NewManager(apikey.NewMemStore(), apikey.WithAccounts(accounts), apikey.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	fed, err := federation.NewAdapter([]federation.ProviderConfig{{
		Name:         "acme",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      fe.provider.URL + "/authorize",
		TokenURL:     fe.provider.URL + "/token",
		UserInfoURL:  fe.provider.URL + "/userinfo",
		RedirectURL:  "https://app.example.com/v1/oauth/acme/callback",
	}})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	api := New(Options{
		Tokens:     tokens,
		Keys:       keys,
		Accounts:   accounts,
		Federation: fed,
		Version:    "test",
		BcryptCost: 4,
	})
	fe.env = &env{
		handler:  api.Handler(),
		accounts: accounts,
		keys:     keys,
		tokens:   tokens,
		clock:    clock,
	}
	return fe
}

// authorize runs the authorize redirect and returns the state from the cookie
// and the redirect URL.
func (fe *fedEnv) authorize(t *testing.T) (state string, redirect *url.URL) {
	t.Helper()
	rec := fe.do(t, http.MethodGet, "/v1/oauth/acme/authorize", nil, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize: status %d body %s", rec.Code, rec.Body.String())
	}
	res := rec.Result()
	defer res.Body.Close()
	for _, cookie := range res.Cookies() {
		if cookie.Name == "oauth_state" {
			state = cookie.Value
		}
	}
	if state == "" {
		t.Fatalf("authorize set no oauth_state cookie")
	}
	loc, err := res.Location()
	if err != nil {
		t.Fatalf("authorize set no Location: %v", err)
	}
	return state, loc
}

func (fe *fedEnv) callback(t *testing.T, state, cookieState, code string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet,
		"/v1/oauth/acme/callback?state="+url.QueryEscape(state)+"&code="+url.QueryEscape(code), nil)
	req.AddCookie(&http.Cookie{Name: "oauth_state", Value: cookieState})
	rec := httptest.NewRecorder()
	fe.handler.ServeHTTP(rec, req)
	return rec
}

func TestOAuthAuthorizeRedirects(t *testing.T) {
	fe := newFedEnv(t)
	state, redirect := fe.authorize(t)
	if redirect.Query().Get("state") != state {
		t.Fatalf("redirect state %q does not match cookie state %q", redirect.Query().Get("state"), state)
	}
	if !strings.HasPrefix(redirect.String(), fe.provider.URL+"/authorize") {
		t.Fatalf("unexpected redirect %q", redirect)
	}
}

func TestOAuthCallbackCreatesAccountAndSession(t *testing.T) {
	fe := newFedEnv(t)
	state, _ := fe.authorize(t)

	rec := fe.callback(t, state, state, "auth-code")
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: status %d body %s", rec.Code, rec.Body.String())
	}
	pair := decodeBody[auth.TokenPair](t, rec)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("callback returned incomplete pair: %+v", pair)
	}

	// The session works like any local one.
	resp := fe.do(t, http.MethodGet, "/v1/auth/me", nil, bearer(pair))
	if resp.Code != http.StatusOK {
		t.Fatalf("me: status %d", resp.Code)
	}

	// First login created a local account with the default role.
	account, err := fe.accounts.FindByEmail(t.Context(), "alice@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if account.Role != auth.RoleUser || account.PasswordHash != "" {
		t.Fatalf("unexpected linked account: %+v", account)
	}
}

func TestOAuthCallbackLinksExistingAccount(t *testing.T) {
	fe := newFedEnv(t)
	id := fe.register(t, "alice@example.com", "correct horse")

	state, _ := fe.authorize(t)
	rec := fe.callback(t, state, state, "auth-code")
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: status %d body %s", rec.Code, rec.Body.String())
	}
	pair := decodeBody[auth.TokenPair](t, rec)

	resp := fe.do(t, http.MethodGet, "/v1/auth/me", nil, bearer(pair))
	me := decodeBody[map[string]any](t, resp)
	if me["subject_id"] != id {
		t.Fatalf("session is not for the existing account: %v", me)
	}
}

func TestOAuthCallbackRejectsStateMismatch(t *testing.T) {
	fe := newFedEnv(t)
	state, _ := fe.authorize(t)

	if rec := fe.callback(t, state, "different-state", "auth-code"); rec.Code != http.StatusBadRequest {
		t.Fatalf("cookie mismatch: status %d, want 400", rec.Code)
	}

	// The query state must also be one the adapter actually minted.
	if rec := fe.callback(t, "forged", "forged", "auth-code"); rec.Code != http.StatusBadGateway {
		t.Fatalf("forged state: status %d, want 502", rec.Code)
	}
}

func TestOAuthCallbackStateIsSingleUse(t *testing.T) {
	fe := newFedEnv(t)
	state, _ := fe.authorize(t)

	if rec := fe.callback(t, state, state, "auth-code"); rec.Code != http.StatusOK {
		t.Fatalf("first callback: status %d", rec.Code)
	}
	if rec := fe.callback(t, state, state, "auth-code"); rec.Code != http.StatusBadGateway {
		t.Fatalf("replayed callback: status %d, want 502", rec.Code)
	}
}

func TestOAuthCallbackRejectsDeactivatedAccount(t *testing.T) {
	fe := newFedEnv(t)
	id := fe.register(t, "alice@example.com", "correct horse")
	if err := fe.accounts.SetActive(t.Context(), id, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	state, _ := fe.authorize(t)
	if rec := fe.callback(t, state, state, "auth-code"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("deactivated account: status %d, want 401", rec.Code)
	}
}

func TestOAuthUnknownProvider(t *testing.T) {
	fe := newFedEnv(t)
	rec := fe.do(t, http.MethodGet, "/v1/oauth/unknown/authorize", nil, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unknown provider: status %d, want 502", rec.Code)
	}
}
