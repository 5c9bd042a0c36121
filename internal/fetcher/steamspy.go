package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultSteamSpyURL is the public SteamSpy API endpoint
const DefaultSteamSpyURL = "https://steamspy.com/api.php"

// SteamSpyConfig holds SteamSpy client settings
type SteamSpyConfig struct {
	BaseURL string
	Timeout time.Duration
}

// SteamSpyClient talks to the SteamSpy API. It implements both BulkSource
// (request=all) and ItemSource (request=appdetails).
type SteamSpyClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSteamSpyClient creates a client. Each request is bounded by cfg.Timeout.
func NewSteamSpyClient(cfg SteamSpyConfig, logger *slog.Logger) *SteamSpyClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultSteamSpyURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SteamSpyClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// AppDetails is the subset of a SteamSpy app record the importers use
type AppDetails struct {
	AppID          int    `json:"appid"`
	Name           string `json:"name"`
	Developer      string `json:"developer"`
	Publisher      string `json:"publisher"`
	Owners         string `json:"owners"`
	CCU            int    `json:"ccu"`
	AverageForever int    `json:"average_forever"`
	MedianForever  int    `json:"median_forever"`
	Positive       int    `json:"positive"`
	Negative       int    `json:"negative"`
}

// DecodeAppDetails parses a raw SteamSpy app record
func DecodeAppDetails(raw json.RawMessage) (*AppDetails, error) {
	var d AppDetails
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to decode app details: %w", err)
	}
	return &d, nil
}

// FetchPage returns one page of the full app catalog
func (c *SteamSpyClient) FetchPage(ctx context.Context, page int) (map[string]json.RawMessage, error) {
	params := url.Values{}
	params.Set("request", "all")
	params.Set("page", strconv.Itoa(page))

	var out map[string]json.RawMessage
	if err := c.get(ctx, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchItem returns the appdetails record for one app id. A record with
// appid 0 means SteamSpy has no data and is reported as an error.
func (c *SteamSpyClient) FetchItem(ctx context.Context, key string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("request", "appdetails")
	params.Set("appid", key)

	var raw json.RawMessage
	if err := c.get(ctx, params, &raw); err != nil {
		return nil, err
	}

	d, err := DecodeAppDetails(raw)
	if err != nil {
		return nil, err
	}
	if d.AppID == 0 {
		return nil, fmt.Errorf("no data for app %s", key)
	}
	return raw, nil
}

func (c *SteamSpyClient) get(ctx context.Context, params url.Values, dest any) error {
	endpoint := c.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call steamspy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("steamspy returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode steamspy response: %w", err)
	}

	c.logger.Debug("SteamSpy request complete",
		slog.String("request", params.Get("request")),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}

// ParseOwners converts an owner range like "20,000 .. 50,000" to its
// midpoint. Single values are parsed as-is and anything unparseable is 0.
func ParseOwners(s string) int {
	parseInt := func(v string) (int, bool) {
		n, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(v), ",", ""))
		return n, err == nil
	}

	if low, high, ok := strings.Cut(s, ".."); ok {
		l, okL := parseInt(low)
		h, okH := parseInt(high)
		if !okL || !okH {
			return 0
		}
		return (l + h) / 2
	}

	n, ok := parseInt(s)
	if !ok {
		return 0
	}
	return n
}
