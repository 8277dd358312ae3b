package node

import (
	"context"
	"time"

	"freepress/pkg/events"
	"freepress/pkg/health"

	"go.uber.org/zap"
)

// watchHealth reacts to substrate health transitions and periodically
// retries an announcement whose delivery failed.
func (n *Node) watchHealth(ctx context.Context, transitions <-chan health.Event) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-transitions:
			if !ok {
				return
			}
			n.handleHealthEvent(ev)
		case <-ticker.C:
			if n.monitor.State() >= health.MinimallyHealthy {
				n.retryAnnouncement("periodic")
			}
		}
	}
}

func (n *Node) handleHealthEvent(ev health.Event) {
	n.events.Publish(events.KindHealth, ev)

	switch {
	case lostConnectivity(ev):
		n.logger.Warn("Lost substrate connectivity",
			zap.Stringer("state", ev.To),
			zap.Int("connected_peers", ev.Signal.ConnectedPeers))
	case regainedConnectivity(ev):
		n.logger.Info("Substrate connectivity restored",
			zap.Stringer("state", ev.To),
			zap.Int("connected_peers", ev.Signal.ConnectedPeers),
			zap.Int("topic_peers", ev.Signal.TopicPeers))
		n.retryAnnouncement("reconnected")
	}
}

func (n *Node) retryAnnouncement(reason string) {
	resent, err := n.announcer.Retry()
	if err != nil {
		n.logger.Warn("Failed to re-announce manifest", zap.String("reason", reason), zap.Error(err))
		return
	}
	if resent {
		n.logger.Debug("Re-announced manifest", zap.String("reason", reason))
	}
}

func lostConnectivity(ev health.Event) bool {
	return ev.From >= health.MinimallyHealthy && ev.To < health.MinimallyHealthy
}

func regainedConnectivity(ev health.Event) bool {
	return ev.From < health.MinimallyHealthy && ev.To >= health.MinimallyHealthy
}
