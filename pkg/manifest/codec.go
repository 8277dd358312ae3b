// Package manifest implements the binary wire format of site manifests.
//
// The encoding is protobuf compatible: field numbers below match the
// ManifestMessage schema used on the discovery topic, so any protobuf
// implementation can read what this package writes.
package manifest

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"freepress/pkg/types"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldTimestamp   protowire.Number = 1
	fieldManifestCID protowire.Number = 2
	fieldSiteCID     protowire.Number = 3
	fieldPubKey      protowire.Number = 4
	fieldSignature   protowire.Number = 5
	fieldTitle       protowire.Number = 6
	fieldDescription protowire.Number = 7
	fieldTags        protowire.Number = 8
	fieldOnionURL    protowire.Number = 9
	fieldMirrorCount protowire.Number = 10
)

const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 2000
	MaxTags           = 32
	MaxTagLen         = 64

	tagDelimiter = ','
	tagEscape    = '\\'
)

var ErrMalformed = errors.New("manifest: malformed encoding")

// DecodeError reports where decoding stopped.
type DecodeError struct {
	Field  protowire.Number
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("manifest: malformed encoding: %s", e.Reason)
	}
	return fmt.Sprintf("manifest: malformed encoding at field %d: %s", e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

// Encode serializes m after normalizing its bounded fields. Zero-valued
// fields are omitted from the output.
func Encode(m types.Manifest) ([]byte, error) {
	m = Normalize(m)

	for _, s := range []string{m.ManifestCID, m.SiteCID, m.PubKey, m.Signature, m.Title, m.Description, m.OnionURL} {
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("manifest: field is not valid UTF-8: %q", s)
		}
	}
	for _, tag := range m.Tags {
		if !utf8.ValidString(tag) {
			return nil, fmt.Errorf("manifest: tag is not valid UTF-8: %q", tag)
		}
	}

	var b []byte
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, m.Timestamp)
	}
	b = appendString(b, fieldManifestCID, m.ManifestCID)
	b = appendString(b, fieldSiteCID, m.SiteCID)
	b = appendString(b, fieldPubKey, m.PubKey)
	b = appendString(b, fieldSignature, m.Signature)
	b = appendString(b, fieldTitle, m.Title)
	b = appendString(b, fieldDescription, m.Description)
	b = appendString(b, fieldTags, JoinTags(m.Tags))
	b = appendString(b, fieldOnionURL, m.OnionURL)
	if m.MirrorCount != 0 {
		b = protowire.AppendTag(b, fieldMirrorCount, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, m.MirrorCount)
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Decode parses an encoded manifest. Unknown fields are skipped. Numeric
// fields are accepted both fixed width and as varints.
func Decode(data []byte) (types.Manifest, error) {
	var m types.Manifest

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return types.Manifest{}, &DecodeError{Reason: protowire.ParseError(n).Error()}
		}
		data = data[n:]

		switch num {
		case fieldTimestamp:
			v, n, err := consumeUint(num, typ, data)
			if err != nil {
				return types.Manifest{}, err
			}
			m.Timestamp = v
			data = data[n:]
			continue
		case fieldMirrorCount:
			v, n, err := consumeUint(num, typ, data)
			if err != nil {
				return types.Manifest{}, err
			}
			if v > uint64(^uint32(0)) {
				return types.Manifest{}, &DecodeError{Field: num, Reason: "mirror count overflows uint32"}
			}
			m.MirrorCount = uint32(v)
			data = data[n:]
			continue
		}

		target := stringField(&m, num)
		if target == nil && num != fieldTags {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return types.Manifest{}, &DecodeError{Field: num, Reason: protowire.ParseError(n).Error()}
			}
			data = data[n:]
			continue
		}

		if typ != protowire.BytesType {
			return types.Manifest{}, &DecodeError{Field: num, Reason: fmt.Sprintf("unexpected wire type %d", typ)}
		}
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return types.Manifest{}, &DecodeError{Field: num, Reason: protowire.ParseError(n).Error()}
		}
		if !utf8.ValidString(v) {
			return types.Manifest{}, &DecodeError{Field: num, Reason: "invalid UTF-8"}
		}
		data = data[n:]

		if num == fieldTags {
			m.Tags = SplitTags(v)
		} else {
			*target = v
		}
	}

	return Normalize(m), nil
}

func consumeUint(num protowire.Number, typ protowire.Type, data []byte) (uint64, int, error) {
	var (
		v uint64
		n int
	)
	switch typ {
	case protowire.Fixed64Type:
		v, n = protowire.ConsumeFixed64(data)
	case protowire.Fixed32Type:
		var v32 uint32
		v32, n = protowire.ConsumeFixed32(data)
		v = uint64(v32)
	case protowire.VarintType:
		v, n = protowire.ConsumeVarint(data)
	default:
		return 0, 0, &DecodeError{Field: num, Reason: fmt.Sprintf("unexpected wire type %d", typ)}
	}
	if n < 0 {
		return 0, 0, &DecodeError{Field: num, Reason: protowire.ParseError(n).Error()}
	}
	return v, n, nil
}

func stringField(m *types.Manifest, num protowire.Number) *string {
	switch num {
	case fieldManifestCID:
		return &m.ManifestCID
	case fieldSiteCID:
		return &m.SiteCID
	case fieldPubKey:
		return &m.PubKey
	case fieldSignature:
		return &m.Signature
	case fieldTitle:
		return &m.Title
	case fieldDescription:
		return &m.Description
	case fieldOnionURL:
		return &m.OnionURL
	}
	return nil
}

// JoinTags packs tags into the single delimited wire field. The delimiter
// and the escape character are backslash escaped inside a tag.
func JoinTags(tags []string) string {
	var sb strings.Builder
	first := true
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if !first {
			sb.WriteRune(tagDelimiter)
		}
		first = false
		for _, r := range tag {
			if r == tagDelimiter || r == tagEscape {
				sb.WriteRune(tagEscape)
			}
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// SplitTags reverses JoinTags. Empty tags are dropped.
func SplitTags(s string) []string {
	var (
		tags    []string
		cur     strings.Builder
		escaped bool
	)
	flush := func() {
		if cur.Len() > 0 {
			tags = append(tags, cur.String())
		}
		cur.Reset()
	}
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == tagEscape:
			escaped = true
		case r == tagDelimiter:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tags
}

// Normalize enforces the length bounds of the free text fields, truncating
// at a rune boundary, and drops empty tags. Tag text is otherwise kept
// byte for byte, so a manifest within bounds survives Encode and Decode
// unchanged.
func Normalize(m types.Manifest) types.Manifest {
	m.Title = truncate(m.Title, MaxTitleLen)
	m.Description = truncate(m.Description, MaxDescriptionLen)

	if len(m.Tags) > 0 {
		tags := make([]string, 0, len(m.Tags))
		for _, tag := range m.Tags {
			tag = truncate(tag, MaxTagLen)
			if tag == "" {
				continue
			}
			tags = append(tags, tag)
			if len(tags) == MaxTags {
				break
			}
		}
		if len(tags) == 0 {
			tags = nil
		}
		m.Tags = tags
	}
	return m
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
