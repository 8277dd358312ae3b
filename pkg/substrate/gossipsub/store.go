package gossipsub

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"freepress/pkg/substrate"

	"google.golang.org/protobuf/encoding/protowire"
)

// StoreProtocol serves a node's recent topic history to peers that were
// offline. A request is one length-prefixed query frame; the reply is a
// sequence of length-prefixed message frames ended by closing the stream.
const StoreProtocol = "/freepress/store/1.0.0"

const maxFrameSize = 4 << 20

var errFrame = errors.New("gossipsub: malformed store frame")

type storeQuery struct {
	Topic string
	Since time.Time
}

func encodeQuery(q storeQuery) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, q.Topic)
	if !q.Since.IsZero() {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(q.Since.UnixNano()))
	}
	return b
}

func decodeQuery(b []byte) (storeQuery, error) {
	var q storeQuery
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return q, errFrame
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(b)
			q.Topic = s
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			q.Since = time.Unix(0, int64(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return q, errFrame
		}
		b = b[n:]
	}
	if q.Topic == "" {
		return q, fmt.Errorf("%w: missing topic", errFrame)
	}
	return q, nil
}

func encodeStored(msg substrate.Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, msg.Data)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, msg.From)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.ReceivedAt.UnixNano()))
	return b
}

func decodeStored(topic string, b []byte) (substrate.Message, error) {
	msg := substrate.Message{Topic: topic}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return msg, errFrame
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			msg.Data = append([]byte(nil), raw...)
		case num == 2 && typ == protowire.BytesType:
			msg.From, n = protowire.ConsumeString(b)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			msg.ReceivedAt = time.Unix(0, int64(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return msg, errFrame
		}
		b = b[n:]
	}
	return msg, nil
}

func writeFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(protowire.AppendBytes(nil, frame))
	return err
}

// readFrame returns io.EOF at a clean end of stream.
func readFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", errFrame, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", errFrame, err)
	}
	return buf, nil
}
