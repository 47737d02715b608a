package peer

import (
	"encoding/json"
	"fmt"
)

// ProtocolLabel identifies the multiplexed protocol this package speaks,
// carried in the handshake so a future transport generation can refuse to
// open a channel against an incompatible peer.
const ProtocolLabel = "hypertuna-relay-v2"

// HandshakeVersion is the greeting's own version field, distinct from
// ProtocolLabel's transport-generation marker.
const HandshakeVersion = "2.0"

// Handshake is the JSON greeting exchanged when a channel is opened
// (spec.md §4.1). Both sides send one; the channel is open only once both
// have been received.
type Handshake struct {
	Version     string   `json:"version"`
	IsServer    bool     `json:"isServer"`
	Role        string   `json:"role"`
	Capabilities []string `json:"capabilities"`

	HyperbeeKey              string `json:"hyperbeeKey,omitempty"`
	HyperbeeLength            uint64 `json:"hyperbeeLength,omitempty"`
	HyperbeeContiguousLength uint64 `json:"hyperbeeContiguousLength,omitempty"`

	DelegateReqToPeers bool `json:"delegateReqToPeers,omitempty"`
}

// Has reports whether the handshake advertises the named capability.
func (h Handshake) Has(capability string) bool {
	for _, c := range h.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

const (
	CapabilityEvents = "events"
	CapabilityFiles  = "files"
	CapabilityJoin   = "join"
)

func marshalHandshake(h Handshake) (json.RawMessage, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("peer: marshal handshake: %w", err)
	}
	return b, nil
}

func mustMarshalHandshake(h Handshake) json.RawMessage {
	b, err := marshalHandshake(h)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func unmarshalInto(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("peer: unmarshal payload: %w", err)
	}
	return nil
}
