// Package api is the narrow Deezer catalog client this module needs: an
// authenticated client that resolves a track's catalog metadata and a
// time-limited, quality-specific media URL, which together populate a
// track descriptor (internal/registry). Rate-limited with
// golang.org/x/time/rate, transported over the shared connection-pooled
// client in internal/network.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/deemusic/deemusic-go/internal/errors"
	"github.com/deemusic/deemusic-go/internal/monitoring"
	"github.com/deemusic/deemusic-go/internal/network"
)

const (
	deezerAPIURL     = "https://api.deezer.com"
	deezerPrivateAPI = "https://www.deezer.com/ajax/gw-light.php"
)

// DeezerClient authenticates against Deezer with an ARL session cookie
// and resolves track metadata and media URLs.
type DeezerClient struct {
	httpClient *http.Client

	mu            sync.RWMutex
	arl           string
	apiToken      string
	licenseToken  string
	userID        string
	authenticated bool

	rateLimiter *rate.Limiter
	recovery    *apperrors.RecoveryManager
}

// NewDeezerClient builds a client with the given per-request timeout.
// logger may be nil; it only feeds the recovery manager's diagnostics.
func NewDeezerClient(timeout time.Duration, logger *zap.Logger) *DeezerClient {
	cfg := network.DefaultClientConfig()
	cfg.Timeout = timeout

	c := &DeezerClient{
		httpClient:  network.NewClient(cfg),
		rateLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
	}
	// The client is its own token refresher: an expired-token failure on
	// any API call triggers a re-authentication with the stored ARL and
	// a retry of the call.
	c.recovery = apperrors.NewRecoveryManager(c, logger, apperrors.DefaultRetryConfig())
	return c
}

// Authenticate exchanges an ARL session cookie for the API and license
// tokens needed for subsequent private-API and media-URL calls.
func (c *DeezerClient) Authenticate(ctx context.Context, arl string) error {
	if arl == "" {
		return fmt.Errorf("api: ARL token cannot be empty")
	}

	c.mu.Lock()
	c.arl = arl
	c.mu.Unlock()

	if err := c.getAPIToken(ctx); err != nil {
		return fmt.Errorf("api: failed to get API token: %w", err)
	}
	if err := c.getLicenseToken(ctx); err != nil {
		return fmt.Errorf("api: failed to get license token: %w", err)
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	return nil
}

func (c *DeezerClient) getAPIToken(ctx context.Context) error {
	c.mu.RLock()
	arl := c.arl
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, deezerPrivateAPI+"?method=deezer.getUserData&input=3&api_version=1.0&api_token=", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cookie", "arl="+arl)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api: authentication failed with status %d", resp.StatusCode)
	}

	var result struct {
		Results struct {
			CheckForm string `json:"checkForm"`
			User      struct {
				UserID int `json:"USER_ID"`
			} `json:"USER"`
		} `json:"results"`
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("api: failed to decode response: %w", err)
	}
	if result.Results.User.UserID == 0 {
		return fmt.Errorf("api: invalid ARL token")
	}

	c.mu.Lock()
	c.apiToken = result.Results.CheckForm
	c.userID = fmt.Sprintf("%d", result.Results.User.UserID)
	c.mu.Unlock()
	return nil
}

func (c *DeezerClient) getLicenseToken(ctx context.Context) error {
	c.mu.RLock()
	arl, apiToken := c.arl, c.apiToken
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, deezerPrivateAPI+"?method=deezer.getUserData&input=3&api_version=1.0&api_token="+apiToken, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cookie", "arl="+arl)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		Results struct {
			User struct {
				Options struct {
					License string `json:"license_token"`
				} `json:"OPTIONS"`
			} `json:"USER"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("api: failed to decode license response: %w", err)
	}

	c.mu.Lock()
	c.licenseToken = result.Results.User.Options.License
	c.mu.Unlock()
	return nil
}

// RefreshToken re-authenticates with the previously supplied ARL.
func (c *DeezerClient) RefreshToken(ctx context.Context) error {
	c.mu.RLock()
	arl := c.arl
	c.mu.RUnlock()

	if arl == "" {
		return fmt.Errorf("api: no ARL token available for refresh")
	}
	return c.Authenticate(ctx, arl)
}

// IsAuthenticated reports whether Authenticate has succeeded.
func (c *DeezerClient) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// doRequest applies the rate limiter, classifies transport and auth
// failures into typed errors the recovery manager can act on, and
// records the request against the given metrics endpoint label.
func (c *DeezerClient) doRequest(ctx context.Context, endpoint string, req *http.Request) (*http.Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("api: rate limiter error: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		monitoring.RecordAPIRequest(endpoint, "error", time.Since(start))
		monitoring.RecordError("api_transport")
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, apperrors.NewNetworkError("request failed", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		monitoring.RecordAPIRequest(endpoint, "unauthorized", time.Since(start))
		return nil, apperrors.NewAuthError("authentication required or token expired", nil)
	case http.StatusTooManyRequests:
		resp.Body.Close()
		monitoring.RecordAPIRequest(endpoint, "rate_limited", time.Since(start))
		return nil, apperrors.NewRateLimitError("catalog rate limit", 0)
	}

	status := "ok"
	if resp.StatusCode >= 400 {
		status = "error"
	}
	monitoring.RecordAPIRequest(endpoint, status, time.Since(start))
	return resp, nil
}

// doPrivateAPIRequest calls Deezer's authenticated gw-light endpoint.
// Each attempt runs through the recovery manager, rebuilding the request
// from current session state so a retry after a token refresh carries
// the fresh token.
func (c *DeezerClient) doPrivateAPIRequest(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	if !c.IsAuthenticated() {
		return nil, fmt.Errorf("api: client not authenticated")
	}

	var rawParams []byte
	if params != nil {
		var err error
		if rawParams, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("api: failed to marshal params: %w", err)
		}
	}

	endpoint := "private:" + method
	var result map[string]interface{}
	err := c.recovery.Execute(ctx, endpoint, func() error {
		c.mu.RLock()
		apiToken, arl := c.apiToken, c.arl
		c.mu.RUnlock()

		apiURL := fmt.Sprintf("%s?method=%s&input=3&api_version=1.0&api_token=%s", deezerPrivateAPI, method, apiToken)

		var body io.Reader
		if rawParams != nil {
			body = bytes.NewReader(rawParams)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
		if err != nil {
			return err
		}
		req.Header.Set("Cookie", "arl="+arl)
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.doRequest(ctx, endpoint, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("api: request failed with status %d", resp.StatusCode)
		}

		result = nil
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("api: failed to decode response: %w", err)
		}
		if errData, ok := result["error"].(map[string]interface{}); ok && len(errData) > 0 {
			return fmt.Errorf("api: error: %v", errData)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// doPublicAPIRequest calls Deezer's unauthenticated public API, with
// the same per-attempt recovery as the private endpoint (no token to
// refresh here, but rate-limit and network recovery still apply).
func (c *DeezerClient) doPublicAPIRequest(ctx context.Context, endpoint string, params url.Values) (map[string]interface{}, error) {
	apiURL := deezerAPIURL + endpoint
	if len(params) > 0 {
		apiURL += "?" + params.Encode()
	}

	label := "public:" + endpoint
	var result map[string]interface{}
	err := c.recovery.Execute(ctx, label, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.doRequest(ctx, label, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("api: request failed with status %d", resp.StatusCode)
		}

		result = nil
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("api: failed to decode response: %w", err)
		}
		if errData, ok := result["error"].(map[string]interface{}); ok && len(errData) > 0 {
			return fmt.Errorf("api: error: %v", errData)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
