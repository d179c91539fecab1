package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/courseloop/courseloop/internal/lti/engine"
)

// IMS AGS 2.0 models, trimmed to what the gradebook flows use.

type LineItem struct {
	ID             string  `json:"id,omitempty"` // absolute URL assigned by the platform
	ScoreMaximum   float64 `json:"scoreMaximum,omitempty"`
	Label          string  `json:"label,omitempty"`
	ResourceID     string  `json:"resourceId,omitempty"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
	Tag            string  `json:"tag,omitempty"`
	StartDateTime  string  `json:"startDateTime,omitempty"` // RFC3339
	EndDateTime    string  `json:"endDateTime,omitempty"`   // RFC3339
}

type Score struct {
	UserID           string   `json:"userId"`
	Timestamp        string   `json:"timestamp"` // RFC3339
	ScoreGiven       *float64 `json:"scoreGiven,omitempty"`
	ScoreMaximum     *float64 `json:"scoreMaximum,omitempty"`
	ActivityProgress string   `json:"activityProgress"` // Initialized|InProgress|Submitted|Completed
	GradingProgress  string   `json:"gradingProgress"`  // NotReady|Pending|Failed|PendingManual|FullyGraded
	Comment          string   `json:"comment,omitempty"`
}

type Result struct {
	ID            string   `json:"id,omitempty"`
	UserID        string   `json:"userId,omitempty"`
	ResultScore   *float64 `json:"resultScore,omitempty"`
	ResultMaximum *float64 `json:"resultMaximum,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"`
}

// AGSClient talks to a platform's Assignment and Grade Services
// container for one launch. Build it from a completed LaunchContext
// with NewAGSFromLaunch.
type AGSClient struct {
	HTTP   *http.Client
	Tokens *TokenSource

	TokenURL     string
	LineItemsURL string
	Scopes       []string
}

// NewAGSFromLaunch builds an AGS client from the endpoint claim of a
// completed launch. Returns an error when the platform advertised no
// AGS endpoint.
func NewAGSFromLaunch(lc *engine.LaunchContext, tokenURL string, tokens *TokenSource) (*AGSClient, error) {
	if lc == nil || lc.AGS == nil || lc.AGS.LineItemsURL == "" {
		return nil, errors.New("ags: launch carries no lineitems endpoint")
	}
	return &AGSClient{
		HTTP:         &http.Client{Timeout: 15 * time.Second},
		Tokens:       tokens,
		TokenURL:     tokenURL,
		LineItemsURL: lc.AGS.LineItemsURL,
		Scopes:       lc.AGS.Scopes,
	}, nil
}

// CreateLineItem POSTs a new line item and returns the created item
// with its platform-assigned URL.
func (c *AGSClient) CreateLineItem(ctx context.Context, li LineItem) (LineItem, error) {
	if c.LineItemsURL == "" {
		return LineItem{}, errors.New("ags: missing lineitems URL")
	}
	if li.ScoreMaximum <= 0 {
		return LineItem{}, errors.New("ags: scoreMaximum must be positive")
	}
	body, err := json.Marshal(li)
	if err != nil {
		return LineItem{}, err
	}
	req, err := c.request(ctx, http.MethodPost, c.LineItemsURL, bytes.NewReader(body), ScopeLineItem)
	if err != nil {
		return LineItem{}, err
	}
	req.Header.Set("Content-Type", "application/vnd.ims.lis.v2.lineitem+json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return LineItem{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return LineItem{}, httpErr("create line item", resp)
	}
	var out LineItem
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return LineItem{}, err
	}
	return out, nil
}

// ListLineItems fetches line items, optionally filtered by resource id
// and resource link id.
func (c *AGSClient) ListLineItems(ctx context.Context, resourceID, resourceLinkID string, limit, page int) ([]LineItem, error) {
	if c.LineItemsURL == "" {
		return nil, errors.New("ags: missing lineitems URL")
	}
	u, err := url.Parse(c.LineItemsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if resourceID != "" {
		q.Set("resource_id", resourceID)
	}
	if resourceLinkID != "" {
		q.Set("resource_link_id", resourceLinkID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()

	req, err := c.request(ctx, http.MethodGet, u.String(), nil, c.readScope())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.ims.lis.v2.lineitemcontainer+json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, httpErr("list line items", resp)
	}
	var out []LineItem
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostScore upserts a score at "{lineItemURL}/scores".
func (c *AGSClient) PostScore(ctx context.Context, lineItemURL string, s Score) error {
	if lineItemURL == "" {
		return errors.New("ags: lineItemURL required")
	}
	if s.UserID == "" {
		return errors.New("ags: score.userId required")
	}
	if s.Timestamp == "" {
		s.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if s.ActivityProgress == "" {
		s.ActivityProgress = "Completed"
	}
	if s.GradingProgress == "" {
		s.GradingProgress = "FullyGraded"
	}
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	u := strings.TrimRight(lineItemURL, "/") + "/scores"
	req, err := c.request(ctx, http.MethodPost, u, bytes.NewReader(body), ScopeScore)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/vnd.ims.lis.v1.score+json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	}
	return httpErr("post score", resp)
}

// GetResults reads results for a line item, optionally for one user.
func (c *AGSClient) GetResults(ctx context.Context, lineItemURL, userID string, limit, page int) ([]Result, error) {
	if lineItemURL == "" {
		return nil, errors.New("ags: lineItemURL required")
	}
	u, err := url.Parse(strings.TrimRight(lineItemURL, "/") + "/results")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if userID != "" {
		q.Set("user_id", userID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()

	req, err := c.request(ctx, http.MethodGet, u.String(), nil, ScopeResultReadonly)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.ims.lis.v2.resultcontainer+json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, httpErr("get results", resp)
	}
	var out []Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AGSClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// readScope prefers the readonly scope when the platform granted it.
func (c *AGSClient) readScope() string {
	for _, s := range c.Scopes {
		if s == ScopeLineItemReadonly {
			return s
		}
	}
	return ScopeLineItem
}

func (c *AGSClient) request(ctx context.Context, method, u string, body io.Reader, scope string) (*http.Request, error) {
	if c.Tokens == nil {
		return nil, errors.New("ags: token source not configured")
	}
	tok, err := c.Tokens.Token(ctx, c.TokenURL, []string{scope})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return req, nil
}

func httpErr(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: platform returned %d: %s", op, resp.StatusCode, strings.TrimSpace(string(b)))
}
