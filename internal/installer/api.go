package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Access levels accepted by SetUserAccess.
const (
	AccessView  = "view"
	AccessWrite = "write"
	AccessAdmin = "admin"
)

// APIError is a result=error response of the reporting API.
type APIError struct {
	Method  string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// call posts one reporting API method and decodes the JSON response into out.
func (c *Client) call(ctx context.Context, t Target, method string, params url.Values, out any) error {
	form := url.Values{
		"module": {"API"},
		"method": {method},
		"format": {"json"},
	}
	if t.Token != "" {
		form.Set("token_auth", t.Token)
	}
	for k, v := range params {
		form[k] = v
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(t.BaseURL, "/")+"/index.php", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := do(&http.Client{Transport: c.transport, Timeout: c.timeout}, req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	var status struct {
		Result  string `json:"result"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &status) == nil && status.Result == "error" {
		return &APIError{Method: method, Message: status.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", method, err)
	}
	return nil
}

type valueResponse[T any] struct {
	Value T `json:"value"`
}

func (c *Client) createToken(ctx context.Context, baseURL, user, password string) (string, error) {
	var resp valueResponse[string]
	err := c.call(ctx, Target{BaseURL: baseURL}, "UsersManager.createAppSpecificTokenAuth", url.Values{
		"userLogin":            {user},
		"passwordConfirmation": {password},
		"description":          {"analytics-broker"},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Value == "" {
		return "", fmt.Errorf("empty token in response")
	}
	return resp.Value, nil
}

func (c *Client) siteIDFromURL(ctx context.Context, t Target, siteURL string) (int64, error) {
	var sites []struct {
		IDSite flexInt `json:"idsite"`
	}
	if err := c.call(ctx, t, "SitesManager.getSitesIdFromSiteUrl", url.Values{"url": {siteURL}}, &sites); err != nil {
		return 0, err
	}
	if len(sites) == 0 {
		return 0, fmt.Errorf("no site registered for %s", siteURL)
	}
	return int64(sites[0].IDSite), nil
}

// AddSite registers a site and returns its id.
func (c *Client) AddSite(ctx context.Context, t Target, name, siteURL string) (int64, error) {
	var resp valueResponse[flexInt]
	err := c.call(ctx, t, "SitesManager.addSite", url.Values{
		"siteName": {name},
		"urls[0]":  {siteURL},
	}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.Value <= 0 {
		return 0, fmt.Errorf("SitesManager.addSite: invalid site id %d", resp.Value)
	}
	return int64(resp.Value), nil
}

func (c *Client) DeleteSite(ctx context.Context, t Target, siteID int64) error {
	return c.call(ctx, t, "SitesManager.deleteSite", url.Values{
		"idSite": {strconv.FormatInt(siteID, 10)},
	}, nil)
}

func (c *Client) AddUser(ctx context.Context, t Target, login, password, email string) error {
	return c.call(ctx, t, "UsersManager.addUser", url.Values{
		"userLogin": {login},
		"password":  {password},
		"email":     {email},
	}, nil)
}

func (c *Client) SetUserAccess(ctx context.Context, t Target, login, access string, siteID int64) error {
	return c.call(ctx, t, "UsersManager.setUserAccess", url.Values{
		"userLogin": {login},
		"access":    {access},
		"idSites":   {strconv.FormatInt(siteID, 10)},
	}, nil)
}

func (c *Client) DeleteUser(ctx context.Context, t Target, login string) error {
	return c.call(ctx, t, "UsersManager.deleteUser", url.Values{
		"userLogin": {login},
	}, nil)
}

// flexInt accepts ids encoded either as JSON numbers or as strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s", b)
	}
	*f = flexInt(n)
	return nil
}
