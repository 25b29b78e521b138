// Package sophos syncs Sophos Central partner data: the partner's tenants
// become sites, their endpoints become devices, and endpoint health rolls up
// into a protected-devices metric.
package sophos

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
	SourceID = "sophos-partner"

	defaultAuthURL = "https://id.sophos.com/api/v2/oauth2/token"
	defaultAPIURL  = "https://api.central.sophos.com"
)

// Client calls the Sophos Central partner and endpoint APIs.
type Client struct {
	httpClient *http.Client
	authURL    string
	apiURL     string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURLs points the client at non-production hosts. Tests use this.
func WithBaseURLs(authURL, apiURL string) ClientOption {
	return func(c *Client) {
		c.authURL = authURL
		c.apiURL = apiURL
	}
}

// NewClient constructs a Client with production defaults.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		authURL:    defaultAuthURL,
		apiURL:     defaultAPIURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token is a client-credentials grant response.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// FetchToken performs the OAuth2 client-credentials exchange.
func (c *Client) FetchToken(ctx context.Context, clientID, clientSecret string) (Token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"scope":         {"token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := c.do(req, &body); err != nil {
		return Token{}, fmt.Errorf("sophos token exchange: %w", err)
	}

	return Token{
		AccessToken: body.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(body.ExpiresIn) * time.Second).UTC(),
	}, nil
}

// Tenant is one managed customer of the partner.
type Tenant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DataRegion string `json:"dataRegion"`
	APIHost    string `json:"apiHost"`
	Status     string `json:"status"`

	Raw json.RawMessage `json:"-"`
}

// ListTenants pages through every tenant of the partner.
func (c *Client) ListTenants(ctx context.Context, accessToken, partnerID string) ([]Tenant, error) {
	var tenants []Tenant

	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s/partner/v1/tenants?pageTotal=true&page=%d", c.apiURL, page)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("X-Partner-ID", partnerID)

		var body struct {
			Items []json.RawMessage `json:"items"`
			Pages pageInfo          `json:"pages"`
		}
		if err := c.do(req, &body); err != nil {
			return nil, fmt.Errorf("sophos tenants page %d: %w", page, err)
		}

		for _, raw := range body.Items {
			var t Tenant
			if err := json.Unmarshal(raw, &t); err != nil {
				return nil, fmt.Errorf("sophos tenants page %d: %w", page, err)
			}
			t.Raw = raw
			tenants = append(tenants, t)
		}

		if body.Pages.Current >= body.Pages.Total {
			return tenants, nil
		}
	}
}

// Endpoint is one protected or unprotected device inside a tenant.
type Endpoint struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Type     string `json:"type"`
	Health   struct {
		Overall string `json:"overall"`
	} `json:"health"`

	Raw json.RawMessage `json:"-"`
}

// Protected reports whether the endpoint has a healthy or degraded-but-active
// agent. Endpoints without health data are not protected.
func (e Endpoint) Protected() bool {
	switch e.Health.Overall {
	case "good", "suspicious":
		return true
	default:
		return false
	}
}

// ListEndpoints pages through every endpoint of one tenant. apiHost is the
// tenant's regional data host from its tenant record.
func (c *Client) ListEndpoints(ctx context.Context, accessToken, apiHost, tenantID string) ([]Endpoint, error) {
	var endpoints []Endpoint

	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s/endpoint/v1/endpoints?pageTotal=true&page=%d", apiHost, page)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("X-Tenant-ID", tenantID)

		var body struct {
			Items []json.RawMessage `json:"items"`
			Pages pageInfo          `json:"pages"`
		}
		if err := c.do(req, &body); err != nil {
			return nil, fmt.Errorf("sophos endpoints page %d: %w", page, err)
		}

		for _, raw := range body.Items {
			var e Endpoint
			if err := json.Unmarshal(raw, &e); err != nil {
				return nil, fmt.Errorf("sophos endpoints page %d: %w", page, err)
			}
			e.Raw = raw
			endpoints = append(endpoints, e)
		}

		if body.Pages.Current >= body.Pages.Total {
			return endpoints, nil
		}
	}
}

type pageInfo struct {
	Current int `json:"current"`
	Total   int `json:"total"`
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
