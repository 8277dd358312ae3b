package relay

import (
	"errors"
	"fmt"
	"time"

	"freepress/pkg/substrate"

	"google.golang.org/protobuf/encoding/protowire"
)

var errBadFrame = errors.New("relay: malformed frame")

// message frame fields
const (
	msgTopic      protowire.Number = 1
	msgData       protowire.Number = 2
	msgFrom       protowire.Number = 3
	msgReceivedAt protowire.Number = 4
)

// request frame fields, shared by Subscribe, Query and Peers
const (
	reqTopic protowire.Number = 1
	reqPeer  protowire.Number = 2
	reqSince protowire.Number = 3
)

// peers frame fields
const (
	peersConnected protowire.Number = 1
	peersTopic     protowire.Number = 2
)

type request struct {
	Topic string
	Peer  string
	Since time.Time
}

type peerCounts struct {
	Connected int
	Topic     int
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func fromUnixNano(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}

func encodeMessage(msg substrate.Message) []byte {
	var b []byte
	b = appendString(b, msgTopic, msg.Topic)
	if len(msg.Data) > 0 {
		b = protowire.AppendTag(b, msgData, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Data)
	}
	b = appendString(b, msgFrom, msg.From)
	b = appendUint(b, msgReceivedAt, unixNano(msg.ReceivedAt))
	return b
}

func decodeMessage(b []byte) (substrate.Message, error) {
	var msg substrate.Message
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch {
		case num == msgTopic && typ == protowire.BytesType:
			msg.Topic = string(raw)
		case num == msgData && typ == protowire.BytesType:
			msg.Data = append([]byte(nil), raw...)
		case num == msgFrom && typ == protowire.BytesType:
			msg.From = string(raw)
		case num == msgReceivedAt && typ == protowire.VarintType:
			msg.ReceivedAt = fromUnixNano(v)
		}
		return nil
	})
	return msg, err
}

func encodeRequest(r request) []byte {
	var b []byte
	b = appendString(b, reqTopic, r.Topic)
	b = appendString(b, reqPeer, r.Peer)
	b = appendUint(b, reqSince, unixNano(r.Since))
	return b
}

func decodeRequest(b []byte) (request, error) {
	var r request
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch {
		case num == reqTopic && typ == protowire.BytesType:
			r.Topic = string(raw)
		case num == reqPeer && typ == protowire.BytesType:
			r.Peer = string(raw)
		case num == reqSince && typ == protowire.VarintType:
			r.Since = fromUnixNano(v)
		}
		return nil
	})
	if err == nil && r.Topic == "" {
		err = fmt.Errorf("%w: missing topic", errBadFrame)
	}
	return r, err
}

func encodePeers(p peerCounts) []byte {
	var b []byte
	b = appendUint(b, peersConnected, uint64(p.Connected))
	b = appendUint(b, peersTopic, uint64(p.Topic))
	return b
}

func decodePeers(b []byte) (peerCounts, error) {
	var p peerCounts
	err := walk(b, func(num protowire.Number, typ protowire.Type, _ []byte, v uint64) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case peersConnected:
			p.Connected = int(v)
		case peersTopic:
			p.Topic = int(v)
		}
		return nil
	})
	return p, err
}

// walk visits each field; unknown fields are skipped.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errBadFrame, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			raw []byte
			v   uint64
		)
		switch typ {
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", errBadFrame, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := visit(num, typ, raw, v); err != nil {
			return err
		}
	}
	return nil
}
