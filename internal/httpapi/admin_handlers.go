package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/ids"
)

type createOrganizationRequest struct {
	Name string `json:"name"`
}

type approveRequest struct {
	Group         string   `json:"group"`
	Organizations []string `json:"organizations"`
}

type approveResponse struct {
	Identity *auth.Identity `json:"identity"`
	Warnings []auth.Warning `json:"warnings,omitempty"`
}

func actorID(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

// wellFormedID answers 404 for an {id} that no store could have minted.
func wellFormedID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ids.Valid(chi.URLParam(r, "id")) {
			writeError(w, r, http.StatusNotFound, auth.ErrNotFound.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) listOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := a.svc.Organizations(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if orgs == nil {
		orgs = []*auth.Organization{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs})
}

func (a *API) createOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org, err := a.svc.CreateOrganization(r.Context(), req.Name)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/organizations/"+org.ID)
	writeJSON(w, http.StatusCreated, org)
}

func (a *API) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Approve(r.Context(), auth.ApproveRequest{
		ApproverID:    actorID(r),
		TargetID:      chi.URLParam(r, "id"),
		Group:         req.Group,
		Organizations: req.Organizations,
		IP:            clientIP(r),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{Identity: res.Identity, Warnings: res.Warnings})
}

func (a *API) reject(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Reject(r.Context(), actorID(r), chi.URLParam(r, "id")); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) unlock(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Unlock(r.Context(), actorID(r), chi.URLParam(r, "id")); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) disableTwoFactorFor(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DisableFor(r.Context(), actorID(r), chi.URLParam(r, "id")); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) generateRecoveryCodeFor(w http.ResponseWriter, r *http.Request) {
	code, err := a.svc.GenerateRecoveryCodeFor(r.Context(), actorID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"recovery_code": code})
}

func (a *API) repairOrphans(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.RepairOrphans(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}
