package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/fyrsmithlabs/autodevd/internal/config"
)

// HTTP builds a strategy that POSTs the input payload to an endpoint
// and returns the response body. Non-2xx responses are failures.
func HTTP(name, url string, client *http.Client) Strategy {
	if client == nil {
		client = http.DefaultClient
	}
	return Strategy{
		Name: name,
		Run: func(ctx context.Context, input []byte) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(input))
			if err != nil {
				return nil, fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read response: %w", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, fmt.Errorf("endpoint %s returned status %d", url, resp.StatusCode)
			}
			return body, nil
		},
	}
}

// RegisterFromConfig registers every configured capability as an
// ordered chain of HTTP strategies.
func (g *Gateway) RegisterFromConfig(cfg config.GatewayConfig, client *http.Client) {
	for name, capCfg := range cfg.Capabilities {
		strategies := make([]Strategy, 0, len(capCfg.Endpoints))
		for _, ep := range capCfg.Endpoints {
			s := HTTP(ep.Name, ep.URL, client)
			s.Timeout = ep.Timeout.Duration()
			strategies = append(strategies, s)
		}
		g.Register(name, capCfg.Refresh, strategies...)
	}
}
