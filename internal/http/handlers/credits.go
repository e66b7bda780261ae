package handlers

import (
	"net/http"
	"time"

	"genstudio/internal/domain"
	"genstudio/internal/identity"
	"genstudio/internal/middleware"
)

type creditsDTO struct {
	Customer  string     `json:"customer"`
	Balance   int64      `json:"balance"`
	Available int64      `json:"available"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// GetCredits returns the caller's balance.
func (a *App) GetCredits(w http.ResponseWriter, r *http.Request) {
	handle, err := a.handle(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	acct, err := a.Credits.GetBalance(r.Context(), handle)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, creditsDTO{
		Customer:  handle,
		Balance:   acct.Balance,
		Available: acct.Available(a.now()),
		ExpiresAt: acct.ExpiresAt,
	})
}

type mergeRequest struct {
	DeviceID string `json:"device_id"`
}

// MergeCredits moves an anonymous device balance into the signed-in
// customer's account.
func (a *App) MergeCredits(w http.ResponseWriter, r *http.Request) {
	subject := middleware.SubjectFromContext(r.Context())
	if subject == "" {
		a.error(w, http.StatusUnauthorized, string(domain.CodeUnauthorized), "sign in to merge credits")
		return
	}
	var req mergeRequest
	if err := decode(w, r, &req); err != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "invalid payload")
		return
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = r.Header.Get("X-Device-Id")
	}
	from, err := identity.Resolve(identity.Hints{DeviceID: deviceID})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	to, err := identity.Resolve(identity.Hints{Subject: subject})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.Credits.Merge(r.Context(), from, to)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"from":      from,
		"customer":  to,
		"moved":     res.After - res.Before,
		"balance":   res.Balance,
		"duplicate": res.Duplicate,
	})
}
