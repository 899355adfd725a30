package httpapi

import (
	"net/http"

	"pressline.org/internal/audit"
	"pressline.org/internal/auth"
)

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type forgotRequest struct {
	Email string `json:"email"`
}

type resetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.deps.Accounts.Register(r.Context(), auth.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	}, originFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		a.deps.Accounts.RejectMalformed(r.Context(), audit.ActionLogin, "", originFrom(r))
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Accounts.Login(r.Context(), req.Email, req.Password, originFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Accounts.Logout(r.Context(), principal(r), originFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	prof, err := a.deps.Accounts.Me(r.Context(), principal(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

// forgotPassword answers the same way whether or not the address exists.
func (a *API) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotRequest
	if err := decodeJSON(r, &req); err != nil {
		a.deps.Accounts.RejectMalformed(r.Context(), audit.ActionForgotPassword, "", originFrom(r))
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Accounts.ForgotPassword(r.Context(), req.Email, originFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"message": "if the address belongs to an active account, a reset link has been sent",
	})
}

func (a *API) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		a.deps.Accounts.RejectMalformed(r.Context(), audit.ActionResetPassword, "", originFrom(r))
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Accounts.ResetPassword(r.Context(), req.Token, req.Password, originFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_reset"})
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		a.deps.Accounts.RejectMalformed(r.Context(), audit.ActionUpdateProfile, principal(r).UserID, originFrom(r))
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.deps.Accounts.ChangePassword(r.Context(), principal(r), req.CurrentPassword, req.NewPassword, originFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
