package grant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const maxResponseBytes = 1 << 20

// TokenResponse is a successful token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// OAuth2Token converts the response for use with golang.org/x/oauth2 clients.
// The ID token is available through Extra("id_token").
func (t *TokenResponse) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	extra := map[string]any{}
	if t.IDToken != "" {
		extra["id_token"] = t.IDToken
	}
	if t.Scope != "" {
		extra["scope"] = t.Scope
	}
	return tok.WithExtra(extra)
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Interval         int    `json:"interval"`
}

// clientAuth posts forms to OAuth endpoints with client_secret_basic when a
// secret is configured, or client_id in the body for public clients.
type clientAuth struct {
	clientID     string
	clientSecret string
	http         *http.Client
}

func (c clientAuth) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	if c.clientSecret == "" {
		form.Set("client_id", c.clientID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.clientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(c.clientID), url.QueryEscape(c.clientSecret))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		if json.Unmarshal(body, &eb) != nil || eb.Error == "" {
			return fmt.Errorf("grant: %s returned %s", endpoint, resp.Status)
		}
		return &ProtocolError{
			Code:        eb.Error,
			Description: eb.ErrorDescription,
			Interval:    eb.Interval,
			Status:      resp.StatusCode,
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("grant: decode response from %s: %w", endpoint, err)
	}
	return nil
}

// requestToken performs one token request for the given grant.
func (c clientAuth) requestToken(ctx context.Context, tokenURL string, form url.Values) (*TokenResponse, error) {
	var tr TokenResponse
	if err := c.postForm(ctx, tokenURL, form, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("grant: token response without access_token")
	}
	return &tr, nil
}

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}
