package cctp

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Version is the message format version tag stored in the first four bytes of a message.
type Version uint32

const (
	V1 Version = 0
	V2 Version = 1
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	}
	return fmt.Sprintf("version(%d)", uint32(v))
}

// ParseVersion accepts "v1"/"v2" (any case, prefix optional).
func ParseVersion(s string) (Version, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v") {
	case "1":
		return V1, nil
	case "2":
		return V2, nil
	}
	return 0, fmt.Errorf("unsupported protocol version %q", s)
}

// Header sizes of the deployed message layouts.
const (
	HeaderSizeV1 = 116
	HeaderSizeV2 = 148
)

// Message is a parsed CCTP message. Raw keeps the exact bytes it was parsed from.
//
// For V1 the nonce is a uint64 stored right-aligned in Nonce. For V2 the nonce is
// a bytes32 that MessageTransmitterV2 leaves zeroed in the emitted event, so a V2
// message read from a log is not Canonical until it is replaced by the message
// returned with the attestation.
type Message struct {
	Version                   Version
	SourceDomain              Domain
	DestinationDomain         Domain
	Nonce                     common.Hash
	Sender                    common.Hash
	Recipient                 common.Hash
	DestinationCaller         common.Hash
	MinFinalityThreshold      uint32
	FinalityThresholdExecuted uint32
	Body                      []byte
	Raw                       []byte
	Canonical                 bool
}

// Parse decodes raw message bytes. The returned message is not marked Canonical;
// callers decide that from where the bytes came from.
func Parse(raw []byte) (Message, error) {
	if len(raw) < 4 {
		return Message{}, decodeErrorf("message truncated: %d bytes", len(raw))
	}
	version := Version(binary.BigEndian.Uint32(raw[0:4]))
	switch version {
	case V1:
		return parseV1(raw)
	case V2:
		return parseV2(raw)
	}
	return Message{}, decodeErrorf("unsupported message version %d", uint32(version))
}

func parseV1(raw []byte) (Message, error) {
	if len(raw) < HeaderSizeV1 {
		return Message{}, decodeErrorf("v1 message truncated: %d bytes, header needs %d", len(raw), HeaderSizeV1)
	}
	m := Message{
		Version:           V1,
		SourceDomain:      Domain(binary.BigEndian.Uint32(raw[4:8])),
		DestinationDomain: Domain(binary.BigEndian.Uint32(raw[8:12])),
		Sender:            common.BytesToHash(raw[20:52]),
		Recipient:         common.BytesToHash(raw[52:84]),
		DestinationCaller: common.BytesToHash(raw[84:116]),
		Body:              copyBytes(raw[HeaderSizeV1:]),
		Raw:               copyBytes(raw),
	}
	copy(m.Nonce[24:], raw[12:20])
	return m, nil
}

func parseV2(raw []byte) (Message, error) {
	if len(raw) < HeaderSizeV2 {
		return Message{}, decodeErrorf("v2 message truncated: %d bytes, header needs %d", len(raw), HeaderSizeV2)
	}
	return Message{
		Version:                   V2,
		SourceDomain:              Domain(binary.BigEndian.Uint32(raw[4:8])),
		DestinationDomain:         Domain(binary.BigEndian.Uint32(raw[8:12])),
		Nonce:                     common.BytesToHash(raw[12:44]),
		Sender:                    common.BytesToHash(raw[44:76]),
		Recipient:                 common.BytesToHash(raw[76:108]),
		DestinationCaller:         common.BytesToHash(raw[108:140]),
		MinFinalityThreshold:      binary.BigEndian.Uint32(raw[140:144]),
		FinalityThresholdExecuted: binary.BigEndian.Uint32(raw[144:148]),
		Body:                      copyBytes(raw[HeaderSizeV2:]),
		Raw:                       copyBytes(raw),
	}, nil
}

// Encode serializes the message fields with the layout of its version.
func (m Message) Encode() []byte {
	switch m.Version {
	case V1:
		out := make([]byte, HeaderSizeV1, HeaderSizeV1+len(m.Body))
		binary.BigEndian.PutUint32(out[0:4], uint32(V1))
		binary.BigEndian.PutUint32(out[4:8], uint32(m.SourceDomain))
		binary.BigEndian.PutUint32(out[8:12], uint32(m.DestinationDomain))
		copy(out[12:20], m.Nonce[24:])
		copy(out[20:52], m.Sender[:])
		copy(out[52:84], m.Recipient[:])
		copy(out[84:116], m.DestinationCaller[:])
		return append(out, m.Body...)
	case V2:
		out := make([]byte, HeaderSizeV2, HeaderSizeV2+len(m.Body))
		binary.BigEndian.PutUint32(out[0:4], uint32(V2))
		binary.BigEndian.PutUint32(out[4:8], uint32(m.SourceDomain))
		binary.BigEndian.PutUint32(out[8:12], uint32(m.DestinationDomain))
		copy(out[12:44], m.Nonce[:])
		copy(out[44:76], m.Sender[:])
		copy(out[76:108], m.Recipient[:])
		copy(out[108:140], m.DestinationCaller[:])
		binary.BigEndian.PutUint32(out[140:144], m.MinFinalityThreshold)
		binary.BigEndian.PutUint32(out[144:148], m.FinalityThresholdExecuted)
		return append(out, m.Body...)
	}
	return copyBytes(m.Raw)
}

// Bytes returns the raw bytes the message was parsed from, or its encoding when
// the message was built in code.
func (m Message) Bytes() []byte {
	if len(m.Raw) > 0 {
		return m.Raw
	}
	return m.Encode()
}

// ContentHash is keccak256 over the message bytes. It keys V1 attestation lookups.
func (m Message) ContentHash() common.Hash {
	return crypto.Keccak256Hash(m.Bytes())
}

// NonceUint64 returns the V1 nonce. ok is false for V2 messages.
func (m Message) NonceUint64() (nonce uint64, ok bool) {
	if m.Version != V1 {
		return 0, false
	}
	return binary.BigEndian.Uint64(m.Nonce[24:]), true
}

// HasPlaceholderNonce reports whether the message carries the zeroed V2 log nonce.
func (m Message) HasPlaceholderNonce() bool {
	return m.Version == V2 && m.Nonce == (common.Hash{})
}

// UsedNonceKey is the key of the destination MessageTransmitter's usedNonces mapping.
// V1 hashes the packed (sourceDomain uint32, nonce uint64); V2 keys by the nonce itself.
func (m Message) UsedNonceKey() common.Hash {
	if m.Version == V1 {
		var packed [12]byte
		binary.BigEndian.PutUint32(packed[0:4], uint32(m.SourceDomain))
		copy(packed[4:12], m.Nonce[24:])
		return crypto.Keccak256Hash(packed[:])
	}
	return m.Nonce
}

// SameRoute reports whether other describes the same transfer apart from the fields
// the attester fills in (nonce, executed finality, executed fee).
func (m Message) SameRoute(other Message) bool {
	return m.Version == other.Version &&
		m.SourceDomain == other.SourceDomain &&
		m.DestinationDomain == other.DestinationDomain &&
		m.Sender == other.Sender &&
		m.Recipient == other.Recipient
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
