// Package cluster provides distributed coordination for multiple imgpub
// instances using the alan UDP peer discovery library. It wraps alan to
// broadcast tenant-config cache invalidations so that an operator-triggered
// orchestrator config push can evict a host's cache entry on every instance
// without waiting for the TTL to lapse.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rakunlabs/alan"
)

// msgTypeInvalidateTenant identifies a tenant-cache-invalidation broadcast.
const msgTypeInvalidateTenant = "invalidate-tenant"

// clusterMessage is the JSON envelope for messages sent between peers.
type clusterMessage struct {
	Type string `json:"type"`
	// Host is the normalized hostname whose cache entry should be evicted.
	// Empty means "evict everything".
	Host string `json:"host,omitempty"`
}

// Cluster wraps an alan instance with imgpub-specific distributed coordination.
type Cluster struct {
	alan *alan.Alan
}

// New creates a Cluster from the server's alan configuration.
// Returns nil, nil if cfg is nil (clustering disabled; single-instance mode).
func New(cfg *alan.Config) (*Cluster, error) {
	if cfg == nil {
		return nil, nil
	}

	a, err := alan.New(*cfg)
	if err != nil {
		return nil, fmt.Errorf("create alan instance: %w", err)
	}

	return &Cluster{alan: a}, nil
}

// Start runs the alan peer discovery system. The
// onInvalidate callback is invoked with the normalized hostname whenever a
// peer broadcasts a cache invalidation (empty string means evict everything).
//
// Start blocks until the context is cancelled. It should be run in a goroutine.
func (c *Cluster) Start(ctx context.Context, onInvalidate func(host string)) error {
	c.alan.OnPeerJoin(func(addr *net.UDPAddr) {
		slog.Info("cluster peer joined", "addr", addr.String())
	})

	c.alan.OnPeerLeave(func(addr *net.UDPAddr) {
		slog.Info("cluster peer left", "addr", addr.String())
	})

	handler := func(_ context.Context, msg alan.Message) {
		var cm clusterMessage
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			slog.Warn("cluster: invalid message", "from", msg.Addr, "error", err)
			return
		}

		switch cm.Type {
		case msgTypeInvalidateTenant:
			slog.Info("cluster: received tenant cache invalidation from peer", "from", msg.Addr, "host", cm.Host)

			if onInvalidate != nil {
				onInvalidate(cm.Host)
			}

			if msg.IsRequest() {
				c.alan.Reply(msg, []byte("ok")) //nolint:errcheck
			}
		default:
			slog.Debug("cluster: unknown message type", "type", cm.Type, "from", msg.Addr)
		}
	}

	return c.alan.Start(ctx, handler)
}

// Stop gracefully leaves the cluster.
func (c *Cluster) Stop() error {
	return c.alan.Stop()
}

// BroadcastInvalidate tells every peer to evict its cached config for host.
// An empty host broadcasts a full cache flush. Eviction is idempotent so,
// unlike the teacher's key-rotation broadcast, no distributed lock is needed
// around this call.
func (c *Cluster) BroadcastInvalidate(ctx context.Context, host string) error {
	peers := c.alan.Peers()
	if len(peers) == 0 {
		slog.Debug("cluster: no peers to broadcast tenant invalidation to")
		return nil
	}

	data, err := json.Marshal(clusterMessage{Type: msgTypeInvalidateTenant, Host: host})
	if err != nil {
		return fmt.Errorf("marshal cluster message: %w", err)
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	replies, err := c.alan.SendAndWaitReply(broadcastCtx, data)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("broadcast tenant invalidation: %w", err)
	}

	slog.Info("cluster: tenant invalidation broadcast complete", "peers", len(peers), "acks", len(replies), "host", host)

	return nil
}

// Ready returns a channel that is closed when the cluster is ready.
func (c *Cluster) Ready() <-chan struct{} {
	return c.alan.Ready()
}
