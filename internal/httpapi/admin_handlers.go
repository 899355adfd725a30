package httpapi

import (
	"net/http"
	"strings"

	"pressline.org/internal/auth"
)

type changeRoleRequest struct {
	RoleID string `json:"role_id"`
}

type createRoleRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	DisplayName *string `json:"display_name"`
	Active      *bool   `json:"active"`
}

type grantRequest struct {
	PermissionID string `json:"permission_id"`
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	err := a.deps.Admin.DeleteUser(r.Context(), principal(r), r.PathValue("id"), originFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) changeUserRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := r.PathValue("id")
	if err := a.deps.Admin.ChangeRole(r.Context(), principal(r), userID, req.RoleID, originFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "role_id": strings.TrimSpace(req.RoleID)})
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.deps.Admin.ListRoles(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.deps.Admin.CreateRole(r.Context(), principal(r), auth.RoleInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
	}, originFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.deps.Admin.UpdateRole(r.Context(), principal(r), r.PathValue("id"), auth.RoleUpdate{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Active:      req.Active,
	}, originFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Admin.DeleteRole(r.Context(), principal(r), r.PathValue("id"), originFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) rolePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.deps.Admin.RolePermissions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) grantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.deps.Admin.GrantPermission(r.Context(), principal(r), r.PathValue("id"), req.PermissionID, originFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) revokePermission(w http.ResponseWriter, r *http.Request) {
	err := a.deps.Admin.RevokePermission(r.Context(), principal(r), r.PathValue("id"), r.PathValue("permissionID"), originFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.deps.Admin.ListPermissions(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}
