package main

import (
	"testing"
	"time"

	"freepress/pkg/health"
	"freepress/pkg/mirror"
	"freepress/pkg/node"
	"freepress/pkg/types"

	"github.com/stretchr/testify/assert"
)

func TestShortID(t *testing.T) {
	assert.Equal(t, "bafyshort", shortID("bafyshort"))
	assert.Equal(t, "bafybeig…abcdef", shortID("bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fabcdef"))
}

func TestRenderStatus(t *testing.T) {
	out := renderStatus("http://127.0.0.1:8080", node.Status{
		SenderID:  "sender-1",
		Topic:     "freepress/manifests/v1",
		Substrate: "gossipsub",
		Health:    health.MinimallyHealthy.String(),
		Signal:    health.Signal{ConnectedPeers: 3, TopicPeers: 1, StoreReachable: true},
		Manifests: 4,
		Mirrors:   2,
		Pipeline: mirror.Status{
			StateName:  "idle",
			Successes:  5,
			LastResult: &mirror.Result{SiteCID: "bafysite", SizeBytes: 2048},
		},
		LastAnnouncement: &types.Announcement{
			Manifest: types.Manifest{ManifestCID: "bafymanifest"},
			State:    types.DeliveryIrrecoverableError,
			Error:    "no peers",
			Attempts: 2,
		},
		StartedAt: time.Now().Add(-time.Minute),
	})

	for _, want := range []string{"sender-1", "MinimallyHealthy", "3 connected, 1 on topic", "bafysite", "bafymanifest", "no peers", "none (run freepress keygen)"} {
		assert.Contains(t, out, want)
	}
}
