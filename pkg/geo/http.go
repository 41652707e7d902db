package geo

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

// DefaultEndpoint is an ip-api compatible lookup service.
const DefaultEndpoint = "http://ip-api.com/json/"

// HTTPResolver queries an ip-api compatible JSON endpoint:
// GET <endpoint><ip> → {"status":"success","country":"..","city":".."}.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
}

func NewHTTPResolver(endpoint string, timeout time.Duration) *HTTPResolver {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPResolver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type ipAPIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Country string `json:"country"`
	City    string `json:"city"`
}

func (r *HTTPResolver) Lookup(ctx context.Context, ip string) (*Location, error) {
	if !Routable(ip) {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+url.PathEscape(ip)+"?fields=status,message,country,city", nil)
	if err != nil {
		return nil, fmt.Errorf("geo request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup: status %d", resp.StatusCode)
	}

	var out ipAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil {
		return nil, fmt.Errorf("geo decode: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return nil, nil
	}
	loc := &Location{Country: out.Country, City: out.City}
	if loc.Empty() {
		return nil, nil
	}
	return loc, nil
}
