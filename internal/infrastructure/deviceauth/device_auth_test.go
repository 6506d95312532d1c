package deviceauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, deviceCodeSrv, tokenSrv, identitySrv *httptest.Server) *Client {
	t.Helper()
	c := New("client-id", identitySrv.URL, zap.NewNop())
	c.deviceCodeURL = deviceCodeSrv.URL
	c.accessTokenURL = tokenSrv.URL
	c.openBrowser = func(string) error { return nil }
	return c
}

func TestPerformDeviceAuthFlow_Success(t *testing.T) {
	deviceCodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(DeviceCodeResponse{
			DeviceCode:      "dc1",
			UserCode:        "ABCD-1234",
			VerificationURI: "https://example.com/activate",
			ExpiresIn:       900,
			Interval:        1,
		})
	}))
	defer deviceCodeSrv.Close()

	attempts := 0
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-xyz", "token_type": "bearer"})
	}))
	defer tokenSrv.Close()

	identitySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"login": "octocat"})
	}))
	defer identitySrv.Close()

	c := newTestClient(t, deviceCodeSrv, tokenSrv, identitySrv)
	c.httpClient.Timeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, user, err := c.PerformDeviceAuthFlow(ctx)
	if err != nil {
		t.Fatalf("PerformDeviceAuthFlow: %v", err)
	}
	if token != "tok-xyz" {
		t.Fatalf("got token %q, want tok-xyz", token)
	}
	if user != "octocat" {
		t.Fatalf("got user %q, want octocat", user)
	}
	if attempts < 2 {
		t.Fatalf("expected at least 2 poll attempts, got %d", attempts)
	}
}

func TestPollForAccessToken_AccessDenied(t *testing.T) {
	deviceCodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer deviceCodeSrv.Close()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "access_denied"})
	}))
	defer tokenSrv.Close()

	identitySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer identitySrv.Close()

	c := newTestClient(t, deviceCodeSrv, tokenSrv, identitySrv)

	_, err := c.PollForAccessToken(context.Background(), &DeviceCodeResponse{DeviceCode: "dc1", Interval: 0})
	if err == nil {
		t.Fatal("expected error on access_denied")
	}
}

func TestPollForAccessToken_SlowDownIncreasesInterval(t *testing.T) {
	deviceCodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer deviceCodeSrv.Close()

	attempts := 0
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			json.NewEncoder(w).Encode(map[string]string{"error": "slow_down"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-2"})
	}))
	defer tokenSrv.Close()

	identitySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer identitySrv.Close()

	c := newTestClient(t, deviceCodeSrv, tokenSrv, identitySrv)

	start := time.Now()
	token, err := c.PollForAccessToken(context.Background(), &DeviceCodeResponse{DeviceCode: "dc1", Interval: 0})
	if err != nil {
		t.Fatalf("PollForAccessToken: %v", err)
	}
	if token != "tok-2" {
		t.Fatalf("got %q, want tok-2", token)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Second {
		t.Fatalf("expected slow_down to add 5s before the next poll, whole poll took %v", elapsed)
	}
}
