package http

import (
	"errors"
	"net/http"

	"github.com/courseloop/courseloop/internal/lti/engine"
	"github.com/courseloop/courseloop/internal/lti/keyset"
	"github.com/courseloop/courseloop/internal/lti/launchstate"
	"github.com/courseloop/courseloop/internal/lti/trust"
)

// loginInitiation handles the third-party login initiation a platform
// sends to start a launch. Platforms may use GET or POST form encoding.
func loginInitiation(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid form: "+err.Error())
			return
		}
		req := engine.LoginRequest{
			Issuer:        r.Form.Get("iss"),
			ClientID:      r.Form.Get("client_id"),
			LoginHint:     r.Form.Get("login_hint"),
			MessageHint:   r.Form.Get("lti_message_hint"),
			TargetLinkURI: r.Form.Get("target_link_uri"),
			DeploymentID:  r.Form.Get("lti_deployment_id"),
		}
		redirect, err := e.InitiateLogin(r.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, trust.ErrUnknownPlatform), errors.Is(err, trust.ErrUnknownTool):
				writeErr(w, http.StatusBadRequest, "unregistered platform or tool")
			case errors.Is(err, engine.ErrToolSuspended):
				writeErr(w, http.StatusForbidden, "tool is suspended")
			case errors.Is(err, trust.ErrInvalidInput):
				writeErr(w, http.StatusBadRequest, err.Error())
			default:
				writeErr(w, http.StatusInternalServerError, "login initiation failed")
			}
			return
		}
		http.Redirect(w, r, redirect.URL(), http.StatusFound)
	}
}

// launchCallback handles the form_post id_token the platform sends
// back after authorization.
func launchCallback(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid form: "+err.Error())
			return
		}
		state := r.PostForm.Get("state")
		idToken := r.PostForm.Get("id_token")

		lc, err := e.CompleteLaunch(r.Context(), state, idToken)
		if err != nil {
			writeErr(w, launchErrStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, lc)
	}
}

// launchErrStatus maps engine errors onto HTTP statuses: malformed or
// untrusted input is 400, cryptographic rejection is 401, a too-late
// callback is 410, and a platform JWKS outage is 502 so the platform
// retries.
func launchErrStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrLaunchNotFound):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrLaunchExpired):
		return http.StatusGone
	case errors.Is(err, engine.ErrInvalidLaunchState),
		errors.Is(err, launchstate.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, engine.ErrSignatureVerification),
		errors.Is(err, engine.ErrIssuerMismatch),
		errors.Is(err, engine.ErrAudienceMismatch),
		errors.Is(err, engine.ErrNonceReplay):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrClaimValidation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrToolSuspended):
		return http.StatusForbidden
	case errors.Is(err, keyset.ErrJWKSFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
