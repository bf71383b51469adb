package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"modelhub.org/internal/apikey"
	"modelhub.org/internal/auth"
	"modelhub.org/internal/federation"
	"modelhub.org/internal/obs"
)

// ReadyProbe is a simple readiness check (e.g. a database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the auth core.
type API struct {
	mux        *http.ServeMux
	authn      *Authenticator
	tokens     *auth.TokenService
	keys       *apikey.Manager
	accounts   auth.AccountStore
	fed        *federation.Adapter
	readyProbe ReadyProbe
	version    string
	bcryptCost int
}

// Options carries the collaborators the API wires together.
type Options struct {
	Tokens     *auth.TokenService
	Keys       *apikey.Manager
	Accounts   auth.AccountStore
	Federation *federation.Adapter
	ReadyProbe ReadyProbe
	Version    string
	BcryptCost int
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		authn:      NewAuthenticator(opts.Tokens, opts.Keys),
		tokens:     opts.Tokens,
		keys:       opts.Keys,
		accounts:   opts.Accounts,
		fed:        opts.Federation,
		readyProbe: opts.ReadyProbe,
		version:    opts.Version,
		bcryptCost: opts.BcryptCost,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("GET /v1/auth/me", a.handleMe)

	a.mux.HandleFunc("POST /v1/keys", a.handleKeyCreate)
	a.mux.HandleFunc("GET /v1/keys", a.handleKeyList)
	a.mux.HandleFunc("GET /v1/keys/{id}", a.handleKeyGet)
	a.mux.HandleFunc("POST /v1/keys/{id}/rotate", a.handleKeyRotate)
	a.mux.HandleFunc("DELETE /v1/keys/{id}", a.handleKeyRevoke)
	a.mux.HandleFunc("DELETE /v1/keys/{id}/purge", a.handleKeyDelete)

	if a.fed != nil {
		a.mux.HandleFunc("GET /v1/oauth/{provider}/authorize", a.handleOAuthAuthorize)
		a.mux.HandleFunc("GET /v1/oauth/{provider}/callback", a.handleOAuthCallback)
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 50, 25)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "modelhub-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "modelhub-auth",
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
