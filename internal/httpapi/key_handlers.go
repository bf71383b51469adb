package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"modelhub.org/internal/apikey"
	"modelhub.org/internal/audit"
	"modelhub.org/internal/auth"
)

// keyAdminScope is the scope an API-key principal needs on the key-management
// endpoints. Session principals are exempt: key management is part of the
// account surface, not a scoped resource.
const keyAdminScope = "keys:manage"

func requireKeyManagement(r *http.Request) (auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return auth.Principal{}, auth.ErrInvalidCredential
	}
	if principal.Source == auth.SourceAPIKey {
		if _, err := requireAuthorized(r, auth.ScopeRequirement{Scope: keyAdminScope}); err != nil {
			return auth.Principal{}, err
		}
	}
	return principal, nil
}

type keyCreateRequest struct {
	Name              string   `json:"name"`
	OwnerID           string   `json:"owner_id,omitempty"`
	Scopes            []string `json:"scopes"`
	TTLSeconds        int64    `json:"ttl_seconds"`
	RateLimitRequests int      `json:"rate_limit_requests"`
}

type keyCreateResponse struct {
	Key *apikey.Key `json:"key"`
	// RawKey is revealed exactly once, here. It is never retrievable again.
	RawKey string `json:"raw_key"`
}

func (a *API) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, err)
		return
	}
	principal, err := requireKeyManagement(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		ownerID = principal.SubjectID
	}
	// Creating a key for someone else is an admin action.
	if _, err := requireAuthorized(r, auth.Ownership{OwnerID: ownerID}); err != nil {
		writeAuthError(w, err)
		return
	}
	if req.TTLSeconds < 0 {
		writeAuthError(w, fmt.Errorf("%w: ttl_seconds must not be negative", auth.ErrInvalidInput))
		return
	}
	key, rawKey, err := a.keys.Create(r.Context(), ownerID, req.Name, req.Scopes,
		time.Duration(req.TTLSeconds)*time.Second, req.RateLimitRequests)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "apikey.created", map[string]any{
		"key_id":     key.ID,
		"owner_id":   key.OwnerID,
		"key_prefix": key.KeyPrefix,
		"scopes":     key.Scopes,
	})
	writeJSON(w, http.StatusCreated, keyCreateResponse{Key: key, RawKey: rawKey})
}

func (a *API) handleKeyList(w http.ResponseWriter, r *http.Request) {
	principal, err := requireKeyManagement(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	// Visibility is applied as a query pre-filter: restricted principals only
	// ever ask the store for their own keys.
	ownerID := principal.SubjectID
	visibility := auth.VisibilityFor(principal)
	if requested := strings.TrimSpace(r.URL.Query().Get("owner_id")); requested != "" {
		if !visibility.All && requested != visibility.OwnerID {
			writeAuthError(w, auth.ErrInsufficientPrivilege)
			return
		}
		ownerID = requested
	}
	keys, err := a.keys.ListByOwner(r.Context(), ownerID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if keys == nil {
		keys = []*apikey.Key{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (a *API) handleKeyGet(w http.ResponseWriter, r *http.Request) {
	key, err := a.ownedKey(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (a *API) handleKeyRotate(w http.ResponseWriter, r *http.Request) {
	if _, err := a.ownedKey(r); err != nil {
		writeAuthError(w, err)
		return
	}
	var req struct {
		TTLSeconds int64 `json:"ttl_seconds"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeAuthError(w, err)
			return
		}
	}
	replacement, rawKey, err := a.keys.Rotate(r.Context(), r.PathValue("id"),
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "apikey.rotated", map[string]any{
		"key_id":     replacement.ID,
		"replaces":   replacement.ReplacesID,
		"key_prefix": replacement.KeyPrefix,
	})
	writeJSON(w, http.StatusOK, keyCreateResponse{Key: replacement, RawKey: rawKey})
}

func (a *API) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	if _, err := a.ownedKey(r); err != nil {
		writeAuthError(w, err)
		return
	}
	if err := a.keys.Revoke(r.Context(), r.PathValue("id")); err != nil {
		writeAuthError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "apikey.revoked", map[string]any{"key_id": r.PathValue("id")})
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleKeyDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := a.ownedKey(r); err != nil {
		writeAuthError(w, err)
		return
	}
	if err := a.keys.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeAuthError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "apikey.deleted", map[string]any{"key_id": r.PathValue("id")})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// ownedKey loads the addressed key and enforces the ownership requirement.
// A foreign key id deliberately reads as "not found" rather than "forbidden",
// so unauthorized callers cannot probe which key ids exist.
func (a *API) ownedKey(r *http.Request) (*apikey.Key, error) {
	if _, err := requireKeyManagement(r); err != nil {
		return nil, err
	}
	key, err := a.keys.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if _, err := requireAuthorized(r, auth.Ownership{OwnerID: key.OwnerID}); err != nil {
		if errors.Is(err, auth.ErrInsufficientPrivilege) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return key, nil
}
