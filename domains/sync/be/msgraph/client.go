// Package msgraph syncs Microsoft 365 tenant data: users become identities,
// subscribed SKUs become licenses, conditional access policies become
// policies, and registration details roll up into an MFA-enabled metric.
package msgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// SourceID identifies this vendor across jobs, integrations and mirror rows.
	SourceID = "microsoft-365"

	defaultLoginURL = "https://login.microsoftonline.com"
	defaultGraphURL = "https://graph.microsoft.com/v1.0"
)

// Client calls Microsoft Graph on behalf of one Azure AD app registration.
type Client struct {
	httpClient *http.Client
	loginURL   string
	graphURL   string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURLs points the client at non-production hosts. Tests use this.
func WithBaseURLs(loginURL, graphURL string) ClientOption {
	return func(c *Client) {
		c.loginURL = loginURL
		c.graphURL = graphURL
	}
}

// NewClient constructs a Client with production defaults.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		loginURL:   defaultLoginURL,
		graphURL:   defaultGraphURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token is a client-secret credential grant response.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// FetchToken exchanges the app's client secret for a Graph access token
// scoped to the given Azure AD tenant.
func (c *Client) FetchToken(ctx context.Context, azureTenantID, clientID, clientSecret string) (Token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"scope":         {"https://graph.microsoft.com/.default"},
	}
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.loginURL, azureTenantID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := c.do(req, &body); err != nil {
		return Token{}, fmt.Errorf("graph token exchange: %w", err)
	}

	return Token{
		AccessToken: body.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(body.ExpiresIn) * time.Second).UTC(),
	}, nil
}

// User is one directory member.
type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
	AccountEnabled    bool   `json:"accountEnabled"`

	Raw json.RawMessage `json:"-"`
}

// ListUsers pages through every user in the tenant.
func (c *Client) ListUsers(ctx context.Context, accessToken string) ([]User, error) {
	raws, err := c.listPaged(ctx, accessToken,
		c.graphURL+"/users?$select=id,displayName,userPrincipalName,accountEnabled,assignedLicenses&$orderby=userPrincipalName")
	if err != nil {
		return nil, fmt.Errorf("graph users: %w", err)
	}
	return decodeAll[User](raws, func(u *User, raw json.RawMessage) { u.Raw = raw })
}

// SubscribedSku is one license subscription of the tenant.
type SubscribedSku struct {
	ID            string `json:"id"`
	SkuID         string `json:"skuId"`
	SkuPartNumber string `json:"skuPartNumber"`
	ConsumedUnits int    `json:"consumedUnits"`
	PrepaidUnits  struct {
		Enabled int `json:"enabled"`
	} `json:"prepaidUnits"`

	Raw json.RawMessage `json:"-"`
}

// ListSubscribedSkus returns the tenant's license subscriptions.
func (c *Client) ListSubscribedSkus(ctx context.Context, accessToken string) ([]SubscribedSku, error) {
	raws, err := c.listPaged(ctx, accessToken, c.graphURL+"/subscribedSkus")
	if err != nil {
		return nil, fmt.Errorf("graph subscribed skus: %w", err)
	}
	return decodeAll[SubscribedSku](raws, func(s *SubscribedSku, raw json.RawMessage) { s.Raw = raw })
}

// Policy is one conditional access policy.
type Policy struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	State       string `json:"state"`

	Raw json.RawMessage `json:"-"`
}

// ListConditionalAccessPolicies returns the tenant's conditional access policies.
func (c *Client) ListConditionalAccessPolicies(ctx context.Context, accessToken string) ([]Policy, error) {
	raws, err := c.listPaged(ctx, accessToken, c.graphURL+"/identity/conditionalAccess/policies")
	if err != nil {
		return nil, fmt.Errorf("graph conditional access policies: %w", err)
	}
	return decodeAll[Policy](raws, func(p *Policy, raw json.RawMessage) { p.Raw = raw })
}

// RegistrationDetail is one user's authentication method registration state.
type RegistrationDetail struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName"`
	IsMfaRegistered   bool   `json:"isMfaRegistered"`
}

// ListUserRegistrationDetails returns per-user MFA registration state.
func (c *Client) ListUserRegistrationDetails(ctx context.Context, accessToken string) ([]RegistrationDetail, error) {
	raws, err := c.listPaged(ctx, accessToken,
		c.graphURL+"/reports/authenticationMethods/userRegistrationDetails")
	if err != nil {
		return nil, fmt.Errorf("graph registration details: %w", err)
	}
	return decodeAll[RegistrationDetail](raws, func(*RegistrationDetail, json.RawMessage) {})
}

// listPaged follows @odata.nextLink cursors until the last page.
func (c *Client) listPaged(ctx context.Context, accessToken, firstURL string) ([]json.RawMessage, error) {
	var items []json.RawMessage

	next := firstURL
	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		// Advanced query support; required for $orderby on directory objects.
		req.Header.Set("ConsistencyLevel", "eventual")

		var body struct {
			Value    []json.RawMessage `json:"value"`
			NextLink string            `json:"@odata.nextLink"`
		}
		if err := c.do(req, &body); err != nil {
			return nil, err
		}

		items = append(items, body.Value...)
		next = body.NextLink
	}
	return items, nil
}

func decodeAll[T any](raws []json.RawMessage, attach func(*T, json.RawMessage)) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, err
		}
		attach(&item, raw)
		out = append(out, item)
	}
	return out, nil
}

// do executes the request and decodes a 2xx JSON body into out. Any other
// status becomes a uniform error carrying a body snippet; retrying is left to
// the next scheduled claim.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
