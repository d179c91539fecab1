package trust

import (
	"net/url"
	"strings"
	"time"
)

// Placement is where a tool can be surfaced inside a course.
type Placement string

const (
	PlacementCourseNavigation    Placement = "course-navigation"
	PlacementAssignmentSelection Placement = "assignment-selection"
	PlacementDeepLinking         Placement = "deep-linking"
)

// Mode selects the launch protocol for a tool. LTI 1.1 is tracked for
// inventory purposes only; this engine never performs 1.1 signing.
type Mode string

const (
	ModeLTI13 Mode = "lti-1.3"
	ModeLTI11 Mode = "lti-1.1"
)

type ToolStatus string

const (
	ToolActive    ToolStatus = "ACTIVE"
	ToolSuspended ToolStatus = "SUSPENDED"
)

// Platform is a registered counterparty LMS. Identity key is
// (Issuer, ClientID); endpoint URLs may be rotated after registration,
// everything else is immutable.
type Platform struct {
	ID            string
	Issuer        string
	ClientID      string
	JWKSURL       string
	AuthEndpoint  string
	TokenEndpoint string
	DeploymentIDs []string
	OrgRef        string
	CreatedAt     time.Time
}

// HasDeployment reports whether the deployment id was registered for
// this platform. An empty registration list accepts any deployment.
func (p Platform) HasDeployment(id string) bool {
	if len(p.DeploymentIDs) == 0 {
		return true
	}
	for _, d := range p.DeploymentIDs {
		if d == id {
			return true
		}
	}
	return false
}

// Tool is a registered external application launched into.
type Tool struct {
	ID           string
	ClientID     string
	Name         string
	RedirectURIs []string
	Placement    Placement
	Mode         Mode
	SigningKID   string // reference into the tool key storage
	SecretHash   string // bcrypt; only set for secret-authenticated tools
	OrgRef       string
	Status       ToolStatus
	CreatedAt    time.Time
}

// RedirectAllowed checks a redirect URI against the registered set.
// Exact string match only; no prefix or wildcard logic.
func (t Tool) RedirectAllowed(uri string) bool {
	for _, a := range t.RedirectURIs {
		if a == uri {
			return true
		}
	}
	return false
}

// PlatformRegistration is the admin-supplied input for RegisterPlatform.
type PlatformRegistration struct {
	Issuer        string
	ClientID      string
	JWKSURL       string
	AuthEndpoint  string
	TokenEndpoint string
	DeploymentIDs []string
	OrgRef        string
}

func (r PlatformRegistration) validate() string {
	if strings.TrimSpace(r.Issuer) == "" {
		return "issuer is required"
	}
	if !isHTTPURL(r.Issuer) {
		return "issuer must be an http(s) URL"
	}
	if strings.TrimSpace(r.ClientID) == "" {
		return "client_id is required"
	}
	if !isHTTPURL(r.JWKSURL) {
		return "jwks_url must be an http(s) URL"
	}
	if !isHTTPURL(r.AuthEndpoint) {
		return "auth_endpoint must be an http(s) URL"
	}
	if !isHTTPURL(r.TokenEndpoint) {
		return "token_endpoint must be an http(s) URL"
	}
	return ""
}

// ToolRegistration is the admin-supplied input for RegisterTool.
type ToolRegistration struct {
	ClientID     string
	Name         string
	RedirectURIs []string
	Placement    Placement
	Mode         Mode
	SigningKID   string
	ClientSecret string // optional; stored as a bcrypt hash
	OrgRef       string
}

func (r ToolRegistration) validate() string {
	if strings.TrimSpace(r.ClientID) == "" {
		return "client_id is required"
	}
	if strings.TrimSpace(r.Name) == "" {
		return "name is required"
	}
	if len(r.RedirectURIs) == 0 {
		return "redirect_uris is required"
	}
	for _, u := range r.RedirectURIs {
		if !isHTTPURL(u) {
			return "redirect_uris must contain only http(s) URLs"
		}
	}
	return ""
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
