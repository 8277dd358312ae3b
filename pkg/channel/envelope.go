package channel

import (
	"encoding/hex"
	"errors"
	"fmt"

	"freepress/pkg/types"

	"github.com/zeebo/blake3"
	"google.golang.org/protobuf/encoding/protowire"
)

type Kind uint64

const (
	KindMessage Kind = 1
	KindAck     Kind = 2
)

const (
	envKind      protowire.Number = 1
	envChannel   protowire.Number = 2
	envSender    protowire.Number = 3
	envMessageID protowire.Number = 4
	envLamport   protowire.Number = 5
	envTimestamp protowire.Number = 6
	envPayload   protowire.Number = 7
	envAck       protowire.Number = 8
)

var errBadEnvelope = errors.New("channel: malformed envelope")

// Envelope is the unit the channel puts on the substrate.
type Envelope struct {
	Kind      Kind
	Channel   string
	SenderID  string
	MessageID types.MessageID
	Lamport   uint64
	Timestamp uint64 // ms since epoch
	Payload   []byte
	Acks      []types.MessageID
}

func encodeEnvelope(e Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, envKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = protowire.AppendTag(b, envChannel, protowire.BytesType)
	b = protowire.AppendString(b, e.Channel)
	b = protowire.AppendTag(b, envSender, protowire.BytesType)
	b = protowire.AppendString(b, e.SenderID)
	if e.MessageID != "" {
		b = protowire.AppendTag(b, envMessageID, protowire.BytesType)
		b = protowire.AppendString(b, string(e.MessageID))
	}
	b = protowire.AppendTag(b, envLamport, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, e.Lamport)
	b = protowire.AppendTag(b, envTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, e.Timestamp)
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, envPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	for _, id := range e.Acks {
		b = protowire.AppendTag(b, envAck, protowire.BytesType)
		b = protowire.AppendString(b, string(id))
	}
	return b
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: %v", errBadEnvelope, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == envKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: kind", errBadEnvelope)
			}
			e.Kind = Kind(v)
			data = data[n:]
		case (num == envLamport || num == envTimestamp) && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d", errBadEnvelope, num)
			}
			if num == envLamport {
				e.Lamport = v
			} else {
				e.Timestamp = v
			}
			data = data[n:]
		case num >= envChannel && num <= envAck && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d", errBadEnvelope, num)
			}
			switch num {
			case envChannel:
				e.Channel = string(v)
			case envSender:
				e.SenderID = string(v)
			case envMessageID:
				e.MessageID = types.MessageID(v)
			case envPayload:
				e.Payload = append([]byte(nil), v...)
			case envAck:
				e.Acks = append(e.Acks, types.MessageID(v))
			default:
				return Envelope{}, fmt.Errorf("%w: field %d has wrong type", errBadEnvelope, num)
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d", errBadEnvelope, num)
			}
			data = data[n:]
		}
	}

	if e.Kind != KindMessage && e.Kind != KindAck {
		return Envelope{}, fmt.Errorf("%w: unknown kind %d", errBadEnvelope, e.Kind)
	}
	if e.Channel == "" || e.SenderID == "" {
		return Envelope{}, fmt.Errorf("%w: missing channel or sender", errBadEnvelope)
	}
	return e, nil
}

// computeMessageID hashes the fields that identify a message.
func computeMessageID(channel, sender string, lamport uint64, payload []byte) types.MessageID {
	h := blake3.New()
	var lam []byte
	lam = protowire.AppendFixed64(lam, lamport)
	for _, part := range [][]byte{[]byte(channel), []byte(sender), lam, payload} {
		var prefix []byte
		prefix = protowire.AppendVarint(prefix, uint64(len(part)))
		h.Write(prefix)
		h.Write(part)
	}
	return types.MessageID(hex.EncodeToString(h.Sum(nil)))
}
