package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/courseloop/courseloop/internal/lti/trust"
)

/*
Admin endpoints for the trust registry:
  - Platforms (issuer, client_id, JWKS / auth / token endpoints, deployments)
  - Tools (client_id, redirect URIs, placement, status)

Route prefix (suggested): /admin
Persistence is the trust.Registry interface, so memory and SQL stores
are interchangeable.
*/

type platformRegistrationBody struct {
	Issuer        string   `json:"issuer"`
	ClientID      string   `json:"client_id"`
	JWKSURL       string   `json:"jwks_url"`
	AuthEndpoint  string   `json:"auth_endpoint"`
	TokenEndpoint string   `json:"token_endpoint"`
	DeploymentIDs []string `json:"deployment_ids,omitempty"`
	OrgRef        string   `json:"org_ref,omitempty"`
}

type toolRegistrationBody struct {
	ClientID     string   `json:"client_id"`
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
	Placement    string   `json:"placement,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	SigningKID   string   `json:"signing_kid,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	OrgRef       string   `json:"org_ref,omitempty"`
}

type endpointsBody struct {
	JWKSURL       string `json:"jwks_url"`
	AuthEndpoint  string `json:"auth_endpoint"`
	TokenEndpoint string `json:"token_endpoint"`
}

type toolStatusBody struct {
	Status string `json:"status"`
}

// AdminRoutes returns CRUD endpoints for the trust registry. Mount it
// under something like: r.Mount("/admin", AdminRoutes(reg))
func AdminRoutes(reg trust.Registry) http.Handler {
	r := chi.NewRouter()

	r.Post("/platforms", registerPlatform(reg))
	r.Get("/platforms/{id}", getPlatform(reg))
	r.Put("/platforms/{id}/endpoints", rotatePlatformEndpoints(reg))

	r.Post("/tools", registerTool(reg))
	r.Get("/tools/{clientID}", getTool(reg))
	r.Put("/tools/{id}/status", setToolStatus(reg))

	return r
}

func registerPlatform(reg trust.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body platformRegistrationBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		p, err := reg.RegisterPlatform(r.Context(), trust.PlatformRegistration{
			Issuer:        body.Issuer,
			ClientID:      body.ClientID,
			JWKSURL:       body.JWKSURL,
			AuthEndpoint:  body.AuthEndpoint,
			TokenEndpoint: body.TokenEndpoint,
			DeploymentIDs: body.DeploymentIDs,
			OrgRef:        body.OrgRef,
		})
		if err != nil {
			writeRegistryErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func getPlatform(reg trust.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := reg.PlatformByID(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRegistryErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func rotatePlatformEndpoints(reg trust.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body endpointsBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		p, err := reg.RotatePlatformEndpoints(r.Context(), chi.URLParam(r, "id"),
			body.JWKSURL, body.AuthEndpoint, body.TokenEndpoint)
		if err != nil {
			writeRegistryErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func registerTool(reg trust.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body toolRegistrationBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		t, err := reg.RegisterTool(r.Context(), trust.ToolRegistration{
			ClientID:     body.ClientID,
			Name:         body.Name,
			RedirectURIs: body.RedirectURIs,
			Placement:    trust.Placement(body.Placement),
			Mode:         trust.Mode(body.Mode),
			SigningKID:   body.SigningKID,
			ClientSecret: body.ClientSecret,
			OrgRef:       body.OrgRef,
		})
		if err != nil {
			writeRegistryErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

func getTool(reg trust.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := reg.LookupTool(r.Context(), chi.URLParam(r, "clientID"))
		if err != nil {
			writeRegistryErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func setToolStatus(reg trust.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body toolStatusBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		status := trust.ToolStatus(body.Status)
		if status != trust.ToolActive && status != trust.ToolSuspended {
			writeErr(w, http.StatusBadRequest, "status must be ACTIVE or SUSPENDED")
			return
		}
		if err := reg.SetToolStatus(r.Context(), chi.URLParam(r, "id"), status); err != nil {
			writeRegistryErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeRegistryErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trust.ErrInvalidInput):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, trust.ErrDuplicateTrust):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, trust.ErrUnknownPlatform), errors.Is(err, trust.ErrUnknownTool):
		writeErr(w, http.StatusNotFound, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}
