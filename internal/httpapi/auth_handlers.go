package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"modelhub.org/internal/audit"
	"modelhub.org/internal/auth"
)

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, err)
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeAuthError(w, fmt.Errorf("%w: valid email is required", auth.ErrInvalidInput))
		return
	}
	if len(req.Password) < 8 {
		writeAuthError(w, fmt.Errorf("%w: password must be at least 8 characters", auth.ErrInvalidInput))
		return
	}
	hash, err := auth.HashPassword(req.Password, a.bcryptCost)
	if err != nil {
		writeAuthError(w, fmt.Errorf("%w: %v", auth.ErrInvalidInput, err))
		return
	}
	account := &auth.Account{
		Email:        email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		Role:         auth.RoleUser,
		IsActive:     true,
	}
	if err := a.accounts.Create(r.Context(), account); err != nil {
		writeAuthError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.account.registered", map[string]any{
		"account_id": account.ID,
	})
	writeJSON(w, http.StatusCreated, account)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, err)
		return
	}
	pair, account, err := a.tokens.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"account_id": account.ID,
		"role":       account.Role.String(),
	})
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, err)
		return
	}
	access, expiresAt, err := a.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.refresh", nil)
	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken:     access,
		AccessExpiresAt: expiresAt,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeAuthError(w, auth.ErrInvalidCredential)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id":        principal.SubjectID,
		"role":              principal.Role.String(),
		"is_superuser":      principal.IsSuperuser,
		"capability_source": string(principal.Source),
		"scopes":            principal.Scopes,
	})
}
