package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ProviderResult is the raw answer from a geocoding provider for one address
type ProviderResult struct {
	Status           string
	FormattedAddress string
	Latitude         float64
	Longitude        float64
	LocationType     string
	PartialMatch     bool
	Raw              json.RawMessage
}

// Provider geocodes a single address string
type Provider interface {
	Geocode(ctx context.Context, address string) (*ProviderResult, error)
}

// HTTPProviderConfig configures the HTTP geocoding provider
type HTTPProviderConfig struct {
	BaseURL    string
	APIKey     string
	RegionBias string
	Timeout    time.Duration
}

// HTTPProvider calls a Google-style geocoding endpoint
type HTTPProvider struct {
	config HTTPProviderConfig
	client *http.Client
}

// NewHTTPProvider creates a provider backed by the configured endpoint
func NewHTTPProvider(config HTTPProviderConfig) *HTTPProvider {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

type providerResponse struct {
	Status  string `json:"status"`
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
		PartialMatch     bool   `json:"partial_match"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
			LocationType string `json:"location_type"`
		} `json:"geometry"`
	} `json:"results"`
	ErrorMessage string `json:"error_message"`
}

// Geocode sends one address to the provider. A ZERO_RESULTS answer is a valid
// result, not an error; transport failures and 5xx responses are errors so the
// caller can retry.
func (p *HTTPProvider) Geocode(ctx context.Context, address string) (*ProviderResult, error) {
	params := url.Values{}
	params.Set("address", address)
	if p.config.RegionBias != "" {
		params.Set("region", p.config.RegionBias)
	}
	if p.config.APIKey != "" {
		params.Set("key", p.config.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build geocode request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read geocode response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("geocode provider returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode provider returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed providerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse geocode response: %w", err)
	}

	switch parsed.Status {
	case "OK":
		if len(parsed.Results) == 0 {
			return &ProviderResult{Status: "ZERO_RESULTS", Raw: body}, nil
		}
		first := parsed.Results[0]
		return &ProviderResult{
			Status:           parsed.Status,
			FormattedAddress: first.FormattedAddress,
			Latitude:         first.Geometry.Location.Lat,
			Longitude:        first.Geometry.Location.Lng,
			LocationType:     first.Geometry.LocationType,
			PartialMatch:     first.PartialMatch,
			Raw:              body,
		}, nil
	case "ZERO_RESULTS":
		return &ProviderResult{Status: parsed.Status, Raw: body}, nil
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		// Retryable per the provider contract
		return nil, fmt.Errorf("geocode provider status %s: %s", parsed.Status, parsed.ErrorMessage)
	default:
		return &ProviderResult{Status: parsed.Status, Raw: body}, nil
	}
}
