package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/courseloop/courseloop/internal/lti/engine"
)

// Member is one entry in an NRPS memberships container.
type Member struct {
	UserID     string   `json:"user_id"`
	Roles      []string `json:"roles,omitempty"`
	Status     string   `json:"status,omitempty"` // Active|Inactive|Deleted
	Name       string   `json:"name,omitempty"`
	GivenName  string   `json:"given_name,omitempty"`
	FamilyName string   `json:"family_name,omitempty"`
	Email      string   `json:"email,omitempty"`
}

type membershipContainer struct {
	ID      string   `json:"id"`
	Members []Member `json:"members"`
}

// NRPSClient reads course rosters from a platform's Names and Role
// Provisioning Service.
type NRPSClient struct {
	HTTP   *http.Client
	Tokens *TokenSource

	TokenURL       string
	MembershipsURL string
}

// NewNRPSFromLaunch builds an NRPS client from the namesroleservice
// claim of a completed launch.
func NewNRPSFromLaunch(lc *engine.LaunchContext, tokenURL string, tokens *TokenSource) (*NRPSClient, error) {
	if lc == nil || lc.NRPS == nil || lc.NRPS.MembershipsURL == "" {
		return nil, errors.New("nrps: launch carries no memberships endpoint")
	}
	return &NRPSClient{
		HTTP:           &http.Client{Timeout: 15 * time.Second},
		Tokens:         tokens,
		TokenURL:       tokenURL,
		MembershipsURL: lc.NRPS.MembershipsURL,
	}, nil
}

// Memberships fetches the roster, optionally filtered by role URI.
func (c *NRPSClient) Memberships(ctx context.Context, role string, limit int) ([]Member, error) {
	if c.MembershipsURL == "" {
		return nil, errors.New("nrps: missing memberships URL")
	}
	if c.Tokens == nil {
		return nil, errors.New("nrps: token source not configured")
	}
	tok, err := c.Tokens.Token(ctx, c.TokenURL, []string{ScopeMemberships})
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(c.MembershipsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if role != "" {
		q.Set("role", role)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/vnd.ims.lti-nrps.v2.membershipcontainer+json")

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, httpErr("get memberships", resp)
	}
	var container membershipContainer
	if err := json.NewDecoder(resp.Body).Decode(&container); err != nil {
		return nil, err
	}
	return container.Members, nil
}
