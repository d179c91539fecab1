package engine

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// LTI 1.3 claim URIs.
const (
	claimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimTargetLink   = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	claimContext      = "https://purl.imsglobal.org/spec/lti/claim/context"
	claimResourceLink = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	claimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
	claimCustom       = "https://purl.imsglobal.org/spec/lti/claim/custom"
	claimAGSEndpoint  = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	claimNRPSEndpoint = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"

	// MessageTypeResourceLink and MessageTypeDeepLinking are the launch
	// message types this engine accepts.
	MessageTypeResourceLink = "LtiResourceLinkRequest"
	MessageTypeDeepLinking  = "LtiDeepLinkingRequest"

	ltiVersion13 = "1.3.0"
)

// CourseContext is the course (or other grouping) the launch happened in.
type CourseContext struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Title string   `json:"title,omitempty"`
	Types []string `json:"type,omitempty"`
}

// ResourceLink identifies the placement the user clicked.
type ResourceLink struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// AGSEndpoint carries the Assignment and Grade Services endpoints the
// platform advertised for this launch, if any.
type AGSEndpoint struct {
	LineItemsURL string   `json:"lineitems,omitempty"`
	LineItemURL  string   `json:"lineitem,omitempty"`
	Scopes       []string `json:"scope,omitempty"`
}

// NRPSEndpoint carries the Names and Role Provisioning Service endpoint
// the platform advertised for this launch, if any.
type NRPSEndpoint struct {
	MembershipsURL string   `json:"context_memberships_url,omitempty"`
	Versions       []string `json:"service_versions,omitempty"`
}

// LaunchContext is the projection of a completed launch handed to the
// rest of the application. It is a value snapshot: mutating it does not
// touch the stored launch record.
type LaunchContext struct {
	LaunchID     string `json:"launch_id"`
	PlatformID   string `json:"platform_id"`
	ToolID       string `json:"tool_id"`
	Issuer       string `json:"issuer"`
	ClientID     string `json:"client_id"`
	Subject      string `json:"sub"`
	UserID       string `json:"user_id"`
	DeploymentID string `json:"deployment_id"`
	MessageType  string `json:"message_type"`
	TargetLink   string `json:"target_link_uri,omitempty"`

	Roles        []string          `json:"roles,omitempty"`
	Context      CourseContext     `json:"context"`
	ResourceLink ResourceLink      `json:"resource_link"`
	Custom       map[string]string `json:"custom,omitempty"`

	AGS  *AGSEndpoint  `json:"ags,omitempty"`
	NRPS *NRPSEndpoint `json:"nrps,omitempty"`
}

func claimString(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

func claimStrings(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func claimObject(claims jwt.MapClaims, key string) map[string]interface{} {
	m, _ := claims[key].(map[string]interface{})
	return m
}

func objString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func objStrings(m map[string]interface{}, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// validateLTIClaims checks the LTI-specific payload after the JWT layer
// has already accepted signature, issuer, audience and time claims.
func validateLTIClaims(claims jwt.MapClaims) error {
	if v := claimString(claims, claimVersion); v != "" && v != ltiVersion13 {
		return fmt.Errorf("%w: unsupported lti version %q", ErrClaimValidation, v)
	}
	mt := claimString(claims, claimMessageType)
	if mt == "" {
		return fmt.Errorf("%w: missing message_type claim", ErrClaimValidation)
	}
	if claimString(claims, claimDeploymentID) == "" {
		return fmt.Errorf("%w: missing deployment_id claim", ErrClaimValidation)
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return fmt.Errorf("%w: missing sub claim", ErrClaimValidation)
	}
	return nil
}

func buildAGS(m map[string]interface{}) *AGSEndpoint {
	if m == nil {
		return nil
	}
	ep := &AGSEndpoint{
		LineItemsURL: objString(m, "lineitems"),
		LineItemURL:  objString(m, "lineitem"),
		Scopes:       objStrings(m, "scope"),
	}
	if ep.LineItemsURL == "" && ep.LineItemURL == "" {
		return nil
	}
	return ep
}

func buildNRPS(m map[string]interface{}) *NRPSEndpoint {
	if m == nil {
		return nil
	}
	ep := &NRPSEndpoint{
		MembershipsURL: objString(m, "context_memberships_url"),
		Versions:       objStrings(m, "service_versions"),
	}
	if ep.MembershipsURL == "" {
		return nil
	}
	return ep
}

func buildCustom(m map[string]interface{}) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
