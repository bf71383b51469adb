// Package federation exchanges third-party authorization codes for a
// normalized external identity. It is strictly the client/consumer side of
// OAuth2; it never issues local session tokens itself.
package federation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"modelhub.org/internal/obs"
)

// ErrFederation covers every provider-side failure: bad state, provider
// error, network timeout. It is distinct from credential errors and never
// carries provider secrets or raw provider response bodies.
var ErrFederation = errors.New("federation: exchange failed")

const (
	defaultExchangeTimeout = 10 * time.Second
	defaultStateTTL        = 10 * time.Minute
	stateBytes             = 24
)

// ProviderConfig describes one external identity provider.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
}

func (c ProviderConfig) validate() error {
	if c.Name == "" || c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("federation: provider %q: client id and secret are required", c.Name)
	}
	if c.AuthURL == "" || c.TokenURL == "" || c.UserInfoURL == "" {
		return fmt.Errorf("federation: provider %q: auth, token and userinfo URLs are required", c.Name)
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("federation: provider %q: redirect URL is required", c.Name)
	}
	return nil
}

// Identity is the normalized result of a successful exchange. It is transient:
// the account-linking layer immediately translates it into a local account.
type Identity struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"provider_user_id"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name,omitempty"`
}

// Adapter drives the authorization-code flow against configured providers.
// This is the only component of the core that blocks on network I/O; every
// provider call runs under an explicit timeout.
type Adapter struct {
	providers map[string]providerEntry
	timeout   time.Duration
	stateTTL  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	states map[string]time.Time
}

type providerEntry struct {
	config ProviderConfig
	oauth  *oauth2.Config
}

// AdapterOption configures Adapter behavior.
type AdapterOption func(*Adapter)

// WithExchangeTimeout bounds the code-exchange and userinfo calls.
func WithExchangeTimeout(timeout time.Duration) AdapterOption {
	return func(a *Adapter) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithStateTTL bounds how long an issued state value stays redeemable.
func WithStateTTL(ttl time.Duration) AdapterOption {
	return func(a *Adapter) {
		if ttl > 0 {
			a.stateTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) AdapterOption {
	return func(a *Adapter) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAdapter validates provider configuration up front: a malformed provider
// is a startup failure, not a per-request one.
func NewAdapter(configs []ProviderConfig, opts ...AdapterOption) (*Adapter, error) {
	a := &Adapter{
		providers: make(map[string]providerEntry, len(configs)),
		timeout:   defaultExchangeTimeout,
		stateTTL:  defaultStateTTL,
		now:       time.Now,
		states:    make(map[string]time.Time),
	}
	for _, cfg := range configs {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		name := strings.ToLower(cfg.Name)
		if _, dup := a.providers[name]; dup {
			return nil, fmt.Errorf("federation: duplicate provider %q", name)
		}
		a.providers[name] = providerEntry{
			config: cfg,
			oauth: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:  cfg.AuthURL,
					TokenURL: cfg.TokenURL,
				},
				RedirectURL: cfg.RedirectURL,
				Scopes:      cfg.Scopes,
			},
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Providers lists configured provider names.
func (a *Adapter) Providers() []string {
	names := make([]string, 0, len(a.providers))
	for name := range a.providers {
		names = append(names, name)
	}
	return names
}

// AuthorizeURL mints a single-use state value and returns the provider's
// authorization endpoint URL carrying it. The state must come back unchanged
// on the callback or the exchange is refused.
func (a *Adapter) AuthorizeURL(provider string) (url, state string, err error) {
	entry, ok := a.providers[strings.ToLower(provider)]
	if !ok {
		return "", "", fmt.Errorf("%w: unknown provider %q", ErrFederation, provider)
	}
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate state: %w", err)
	}
	state = base64.RawURLEncoding.EncodeToString(buf)

	a.mu.Lock()
	a.pruneLocked()
	a.states[state] = a.now().Add(a.stateTTL)
	a.mu.Unlock()

	return entry.oauth.AuthCodeURL(state), state, nil
}

// Exchange verifies and consumes the state, swaps the authorization code for
// a provider token and normalizes the userinfo response. The state is
// consumed before any network call, so a timed-out exchange can never be
// replayed with the same state.
func (a *Adapter) Exchange(ctx context.Context, provider, code, state string) (Identity, error) {
	entry, ok := a.providers[strings.ToLower(provider)]
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown provider %q", ErrFederation, provider)
	}
	if code == "" {
		return Identity{}, fmt.Errorf("%w: missing authorization code", ErrFederation)
	}
	if !a.consumeState(state) {
		return Identity{}, fmt.Errorf("%w: invalid state", ErrFederation)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	token, err := entry.oauth.Exchange(ctx, code)
	if err != nil {
		obs.Log("warn", "oauth2 code exchange failed", map[string]any{"provider": provider, "error": err.Error()})
		return Identity{}, fmt.Errorf("%w: code exchange", ErrFederation)
	}

	identity, err := a.fetchUserInfo(ctx, entry, token)
	if err != nil {
		obs.Log("warn", "oauth2 userinfo fetch failed", map[string]any{"provider": provider, "error": err.Error()})
		return Identity{}, fmt.Errorf("%w: userinfo", ErrFederation)
	}
	return identity, nil
}

func (a *Adapter) consumeState(state string) bool {
	if state == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	expiry, ok := a.states[state]
	if !ok {
		return false
	}
	delete(a.states, state)
	return a.now().Before(expiry)
}

func (a *Adapter) pruneLocked() {
	now := a.now()
	for state, expiry := range a.states {
		if now.After(expiry) {
			delete(a.states, state)
		}
	}
}

func (a *Adapter) fetchUserInfo(ctx context.Context, entry providerEntry, token *oauth2.Token) (Identity, error) {
	client := entry.oauth.Client(ctx, token)
	resp, err := client.Get(entry.config.UserInfoURL)
	if err != nil {
		return Identity{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("userinfo status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Identity{}, err
	}
	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return Identity{}, err
	}

	identity := Identity{
		Provider:       entry.config.Name,
		ProviderUserID: firstString(info, "sub", "id", "user_id"),
		Email:          firstString(info, "email"),
		DisplayName:    firstString(info, "name", "display_name", "login"),
	}
	if identity.ProviderUserID == "" {
		return Identity{}, errors.New("userinfo missing subject identifier")
	}
	return identity, nil
}

func firstString(info map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := info[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
