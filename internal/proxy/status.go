package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sandertv/gophertunnel/minecraft/protocol"

	"github.com/SkynetNext/bedrock-proxy/internal/metrics"
	"github.com/SkynetNext/bedrock-proxy/internal/transport"
)

const (
	statusTTL         = 5 * time.Second
	statusPingTimeout = 2 * time.Second
)

// statusCache keeps the latest pong of each backend for statusTTL so the
// server list shown to clients mirrors the default backend without pinging
// it for every unconnected ping
type statusCache struct {
	pinger transport.Pinger
	pongs  *cache.Cache
}

func newStatusCache(p transport.Pinger, ttl time.Duration) *statusCache {
	return &statusCache{
		pinger: p,
		pongs:  cache.New(ttl, 2*ttl),
	}
}

// Pong returns addr's pong, pinging it when the cached one has expired
func (c *statusCache) Pong(ctx context.Context, addr string) ([]byte, error) {
	if pong, ok := c.pongs.Get(addr); ok {
		return pong.([]byte), nil
	}
	if c.pinger == nil {
		return nil, fmt.Errorf("backend transport cannot ping %s", addr)
	}

	ctx, cancel := context.WithTimeout(ctx, statusPingTimeout)
	defer cancel()
	pong, err := c.pinger.Ping(ctx, addr)
	if err != nil {
		metrics.StatusPingErrors.Inc()
		return nil, err
	}
	c.pongs.SetDefault(addr, pong)
	return pong, nil
}

// fallbackPong builds the proxy's own server list entry, used while the
// default backend cannot be pinged
func fallbackPong(motd string, online, maxPlayers int, guid int64, port uint16) []byte {
	return []byte(fmt.Sprintf("MCPE;%s;%d;%s;%d;%d;%d;%s;Survival;1;%d;%d;",
		motd,
		protocol.CurrentProtocol,
		protocol.CurrentVersion,
		online,
		maxPlayers,
		guid,
		motd,
		port,
		port,
	))
}
