package peer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Kind tags the payload carried by a Frame, per spec.md §4.1.
type Kind uint8

const (
	KindHandshake Kind = iota
	KindRequest
	KindResponse
	KindWsFrame
	KindHealthCheck
	KindHealthResponse
	KindTelemetry
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindWsFrame:
		return "wsframe"
	case KindHealthCheck:
		return "health-check"
	case KindHealthResponse:
		return "health-response"
	case KindTelemetry:
		return "telemetry"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MaxFrameSize bounds a single frame body to guard against a malicious or
// broken peer exhausting memory with a bogus length prefix.
const MaxFrameSize = 32 * 1024 * 1024

// Frame is the unit multiplexed over a peer connection: a channel id, a
// kind tag, and an opaque JSON payload interpreted according to Kind.
type Frame struct {
	Channel uint32          `json:"channel"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// writeFrame writes f to w as a 4-byte big-endian length prefix followed
// by its JSON encoding.
func writeFrame(w io.Writer, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("peer: marshal frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("peer: frame too large: %d bytes", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err = w.Write(hdr[:]); err != nil {
		return fmt.Errorf("peer: write frame header: %w", err)
	}
	if _, err = w.Write(body); err != nil {
		return fmt.Errorf("peer: write frame body: %w", err)
	}
	return nil
}

// readFrame reads the next length-prefixed frame from r.
func readFrame(r io.Reader) (f Frame, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return f, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return f, fmt.Errorf("peer: peer announced oversized frame: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err = io.ReadFull(r, body); err != nil {
		return f, fmt.Errorf("peer: read frame body: %w", err)
	}
	if err = json.Unmarshal(body, &f); err != nil {
		return f, fmt.Errorf("peer: unmarshal frame: %w", err)
	}
	return f, nil
}

// Request is the client->server RPC request shape (spec.md §4.1).
type Request struct {
	Id      uint64            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Response is the server->client RPC response shape (spec.md §4.1).
type Response struct {
	Id         uint64            `json:"id"`
	StatusCode uint16            `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// Telemetry is the dispatcher scoreboard report a worker pushes over its
// telemetry channel (spec.md §4.6).
type Telemetry struct {
	PeerId          string  `json:"peerId"`
	LatencyMs       float64 `json:"latencyMs"`
	InFlightJobs    int     `json:"inFlightJobs"`
	FailureRate     float64 `json:"failureRate"`
	HyperbeeVersion uint64  `json:"hyperbeeVersion"`
	HyperbeeLag     int64   `json:"hyperbeeLag"`
	QueueDepth      int     `json:"queueDepth"`
	ReportedAt      int64   `json:"reportedAt"`
}
