// Package deviceauth implements the OAuth 2.0 device-authorization grant
// against the identity provider, the only path to an OAuth token when the
// Credential Store has none on disk.
//
// Grounded on the device-code/poll/identify triad used by the GitHub
// Copilot device-auth family (device code request, authorization_pending /
// slow_down / expired_token / access_denied polling), adapted to this
// gateway's retry and logging conventions. No Editor-Version headers are
// sent from this package; those are set by the upstream client on its
// model-listing and chat-completion calls.
package deviceauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/browser"
	"go.uber.org/zap"
)

const (
	deviceCodeURL  = "https://github.com/login/device/code"
	accessTokenURL = "https://github.com/login/oauth/access_token"

	maxPollAttempts = 60
)

// DeviceCodeResponse is the provider's response to a device-code request.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// Client performs the device-authorization grant and identifies the
// resulting user.
type Client struct {
	clientID        string
	scope           string
	identityBaseURL string
	deviceCodeURL   string
	accessTokenURL  string
	httpClient      *http.Client
	logger          *zap.Logger

	// openBrowser presents the verification URI to the user. Overridable
	// in tests; defaults to browser.OpenURL with a printed fallback.
	openBrowser func(url string) error
}

// New creates a device-auth Client for the given OAuth client id and
// identity provider base URL (e.g. "https://api.github.com").
func New(clientID, identityBaseURL string, logger *zap.Logger) *Client {
	return &Client{
		clientID:        clientID,
		scope:           "read:user",
		identityBaseURL: strings.TrimRight(identityBaseURL, "/"),
		deviceCodeURL:   deviceCodeURL,
		accessTokenURL:  accessTokenURL,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		logger:          logger.With(zap.String("component", "deviceauth")),
		openBrowser:     browser.OpenURL,
	}
}

// RequestDeviceCode performs step 1: request a device code.
func (c *Client) RequestDeviceCode(ctx context.Context) (*DeviceCodeResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("scope", c.scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.deviceCodeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device code request failed: %d %s", resp.StatusCode, string(body))
	}

	var out DeviceCodeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode device code response: %w", err)
	}
	if out.Interval == 0 {
		out.Interval = 5
	}
	return &out, nil
}

// PresentToUser performs step 2: opens the verification URI with the
// user_code appended, falling back to printing it when no browser can be
// launched.
func (c *Client) PresentToUser(dc *DeviceCodeResponse) {
	target := dc.VerificationURI + "?user_code=" + url.QueryEscape(dc.UserCode)
	if err := c.openBrowser(target); err != nil {
		c.logger.Info("could not launch browser, present this to the user",
			zap.String("verification_uri", dc.VerificationURI),
			zap.String("user_code", dc.UserCode),
		)
		fmt.Printf("Please visit %s and enter code: %s\n", dc.VerificationURI, dc.UserCode)
		return
	}
	fmt.Printf("Opened %s — enter code: %s\n", dc.VerificationURI, dc.UserCode)
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	AccessToken      string `json:"access_token"`
}

// PollForAccessToken performs step 3: repeatedly polls the token endpoint
// until the user authorizes, the grant is denied/expired, or
// maxPollAttempts is exhausted.
func (c *Client) PollForAccessToken(ctx context.Context, dc *DeviceCodeResponse) (string, error) {
	interval := time.Duration(dc.Interval) * time.Second

	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		token, next, err := c.exchangeOnce(ctx, dc.DeviceCode, interval)
		interval = next
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
		// authorization_pending: keep polling.
	}

	return "", fmt.Errorf("device auth polling exhausted after %d attempts", maxPollAttempts)
}

// exchangeOnce makes one poll attempt. It returns a non-empty token on
// success, or an empty token with no error when the caller should keep
// polling ("authorization_pending"). interval is echoed back, bumped by 5s
// on "slow_down".
func (c *Client) exchangeOnce(ctx context.Context, deviceCode string, interval time.Duration) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("device_code", deviceCode)
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accessTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", interval, fmt.Errorf("build token poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", interval, fmt.Errorf("poll token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", interval, fmt.Errorf("token poll failed: %d %s", resp.StatusCode, string(body))
	}

	var data tokenErrorResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", interval, fmt.Errorf("decode token poll response: %w", err)
	}

	if data.AccessToken != "" {
		return data.AccessToken, interval, nil
	}

	switch data.Error {
	case "authorization_pending":
		return "", interval, nil
	case "slow_down":
		c.logger.Debug("provider asked to slow down polling")
		return "", interval + 5*time.Second, nil
	case "expired_token":
		return "", interval, fmt.Errorf("device code expired before authorization")
	case "access_denied":
		return "", interval, fmt.Errorf("user denied device authorization")
	default:
		return "", interval, fmt.Errorf("device auth failed: %s: %s", data.Error, data.ErrorDescription)
	}
}

// IdentifyUser performs step 4: fetches the login name for provenance.
func (c *Client) IdentifyUser(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.identityBaseURL+"/user", nil)
	if err != nil {
		return "", fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Authorization", "token "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch identity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("identity request failed: %d %s", resp.StatusCode, string(body))
	}

	var out struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode identity response: %w", err)
	}
	if out.Login == "" {
		return "", fmt.Errorf("identity response had no login")
	}
	return out.Login, nil
}

// PerformDeviceAuthFlow runs the composite device-authorization flow and
// returns the access token and resolved login, or an error if any step
// fails terminally.
func (c *Client) PerformDeviceAuthFlow(ctx context.Context) (token string, user string, err error) {
	dc, err := c.RequestDeviceCode(ctx)
	if err != nil {
		return "", "", fmt.Errorf("request device code: %w", err)
	}

	c.PresentToUser(dc)

	token, err = c.PollForAccessToken(ctx, dc)
	if err != nil {
		return "", "", fmt.Errorf("poll for access token: %w", err)
	}

	user, err = c.IdentifyUser(ctx, token)
	if err != nil {
		return "", "", fmt.Errorf("identify user: %w", err)
	}

	c.logger.Info("device authorization complete", zap.String("user", user))
	return token, user, nil
}
