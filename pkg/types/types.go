package types

import (
	"fmt"
	"time"
)

type MessageID string

// Manifest is the signed announcement of a site snapshot.
type Manifest struct {
	ManifestCID string   `json:"manifest_cid"`
	SiteCID     string   `json:"site_cid"`
	PubKey      string   `json:"pubkey"`
	Signature   string   `json:"signature"`
	Timestamp   uint64   `json:"timestamp"` // ms since epoch, publisher supplied
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	OnionURL    string   `json:"onion_url,omitempty"`
	MirrorCount uint32   `json:"mirror_count"`
}

// Time returns the publisher timestamp as a time.Time.
func (m Manifest) Time() time.Time {
	return time.UnixMilli(int64(m.Timestamp))
}

type RecordOrigin string

const (
	OriginLocal  RecordOrigin = "local"
	OriginMirror RecordOrigin = "mirror"
)

// MirrorRecord is the local bookkeeping for content this node keeps pinned.
type MirrorRecord struct {
	CID       string       `json:"cid"`
	SiteCID   string       `json:"site_cid"`
	PubKey    string       `json:"pubkey"`
	Title     string       `json:"title"`
	SizeBytes int64        `json:"size"`
	PinnedAt  int64        `json:"pinned_at"`
	Pinned    bool         `json:"pinned"`
	PinError  string       `json:"pin_error,omitempty"`
	Origin    RecordOrigin `json:"origin"`
}

type DeliveryState int

const (
	DeliverySending DeliveryState = iota
	DeliverySent
	DeliveryAcknowledged
	DeliveryIrrecoverableError
)

func (s DeliveryState) String() string {
	switch s {
	case DeliverySending:
		return "sending"
	case DeliverySent:
		return "message-sent"
	case DeliveryAcknowledged:
		return "message-acknowledged"
	case DeliveryIrrecoverableError:
		return "sending-message-irrecoverable-error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow.
func (s DeliveryState) Terminal() bool {
	return s == DeliveryAcknowledged || s == DeliveryIrrecoverableError
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeliveryState) UnmarshalText(text []byte) error {
	for _, candidate := range []DeliveryState{DeliverySending, DeliverySent, DeliveryAcknowledged, DeliveryIrrecoverableError} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown delivery state %q", text)
}

// Announcement follows the delivery of the node's latest own manifest.
type Announcement struct {
	Manifest  Manifest      `json:"manifest"`
	MessageID MessageID     `json:"message_id"`
	State     DeliveryState `json:"state"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
	At        time.Time     `json:"at"`
}
