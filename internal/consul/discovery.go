// Package consul discovers backend groups from the Consul health API.
package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/logger"
	"github.com/SkynetNext/bedrock-proxy/internal/router"
)

// Service meta keys read from each instance
const (
	MetaGroup    = "group"
	MetaStrategy = "strategy"
)

// Discovery manages Consul service discovery
type Discovery struct {
	consulAddress string
	httpClient    *http.Client
}

// NewDiscovery creates a new Consul service discovery instance
func NewDiscovery(consulAddress string) *Discovery {
	return &Discovery{
		consulAddress: consulAddress,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type healthEntry struct {
	Node struct {
		Address string `json:"Address"`
	} `json:"Node"`
	Service struct {
		Address string            `json:"Address"`
		Port    int               `json:"Port"`
		Meta    map[string]string `json:"Meta"`
	} `json:"Service"`
}

// DiscoverGroups queries Consul for the passing instances of serviceName
// and groups them by their "group" meta. Instances without one join the
// group named after the service.
func (d *Discovery) DiscoverGroups(ctx context.Context, serviceName string) (map[string]*router.Group, error) {
	// Query Consul health API: /v1/health/service/{service}?passing
	u := fmt.Sprintf("%s/v1/health/service/%s?passing=true", d.consulAddress, url.PathEscape(serviceName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query Consul: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("consul API returned status %d: %s", resp.StatusCode, string(body))
	}

	var entries []healthEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	groups := make(map[string]*router.Group)
	for _, entry := range entries {
		host := entry.Service.Address
		if host == "" {
			host = entry.Node.Address
		}
		if host == "" || entry.Service.Port <= 0 {
			logger.L.Warn("Skipping Consul instance without an address",
				zap.String("service", serviceName),
				zap.String("host", host),
				zap.Int("port", entry.Service.Port),
			)
			continue
		}

		name := entry.Service.Meta[MetaGroup]
		if name == "" {
			name = serviceName
		}
		g, ok := groups[name]
		if !ok {
			g = &router.Group{Name: name, Strategy: router.Strategy(entry.Service.Meta[MetaStrategy])}
			groups[name] = g
		}
		g.Endpoints = append(g.Endpoints, net.JoinHostPort(host, strconv.Itoa(entry.Service.Port)))
	}

	// Consul's order is not stable; hashing needs it to be
	for _, g := range groups {
		sort.Strings(g.Endpoints)
	}
	return groups, nil
}

// RefreshLoop discovers groups now and then every interval, handing each
// result to callback, until ctx is done
func (d *Discovery) RefreshLoop(ctx context.Context, serviceName string, interval time.Duration, callback func(map[string]*router.Group, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial discovery
	callback(d.DiscoverGroups(ctx, serviceName))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			groups, err := d.DiscoverGroups(ctx, serviceName)
			if err != nil && ctx.Err() != nil {
				return
			}
			callback(groups, err)
		}
	}
}
