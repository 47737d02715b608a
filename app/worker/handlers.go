package worker

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"hypertuna.dev/protocol/escrow"
	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/protocol/replica"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
)

// handleDrive answers `/drive/{identifier}/{file}` with the raw file
// bytes this worker's asset store holds for identifier (spec.md §6.1,
// §6.2).
func (w *Worker) handleDrive(ctx context.T, req *peer.Request) *peer.Response {
	identifier, file, ok := splitTwo(strings.TrimPrefix(req.Path, "/drive/"))
	if !ok {
		return errResp(req.Id, 400, "expected /drive/{identifier}/{file}")
	}
	return w.serveAsset(req.Id, identifier, file)
}

// handlePfp answers `/pfp/{owner}/{file}` (owner may be empty, meaning
// this worker's own default avatar).
func (w *Worker) handlePfp(ctx context.T, req *peer.Request) *peer.Response {
	rest := strings.TrimPrefix(req.Path, "/pfp/")
	owner, file, ok := splitTwo(rest)
	if !ok {
		owner, file = "", rest
	}
	return w.serveAsset(req.Id, owner, file)
}

func (w *Worker) serveAsset(id uint64, dir, file string) *peer.Response {
	if w.Assets == nil {
		return errResp(id, 404, "no asset store configured")
	}
	body, contentType, err := w.Assets.Read(dir, file)
	if chk.E(err) {
		return errResp(id, 404, "asset not found")
	}
	return &peer.Response{
		Id: id, StatusCode: 200, Body: body,
		Headers: map[string]string{"Content-Type": contentType},
	}
}

// handlePostRelay answers `/post/relay/{identifier}`: a forwarded
// client frame, almost always a REQ, that this worker evaluates against
// its local replica and replies to as a newline-delimited stream of
// reply frames (spec.md §4.1, §6.2) — the same wire shape the gateway's
// poll.go already knows how to scan.
func (w *Worker) handlePostRelay(ctx context.T, req *peer.Request) *peer.Response {
	var parts []json.RawMessage
	if err := json.Unmarshal(req.Body, &parts); chk.E(err) || len(parts) < 2 {
		return errResp(req.Id, 400, "malformed frame")
	}
	var verb string
	chk.E(json.Unmarshal(parts[0], &verb))
	var subID string
	chk.E(json.Unmarshal(parts[1], &subID))

	switch verb {
	case "REQ":
		return w.answerReq(req.Id, subID, parts)
	case "CLOSE":
		return &peer.Response{Id: req.Id, StatusCode: 200}
	default:
		return errResp(req.Id, 400, fmt.Sprintf("unsupported verb %q", verb))
	}
}

func (w *Worker) answerReq(id uint64, subID string, parts []json.RawMessage) *peer.Response {
	if w.Replica == nil {
		return errResp(id, 503, "no local replica")
	}
	var filter struct {
		Kinds   []uint16 `json:"kinds"`
		Authors []string `json:"authors"`
		Limit   int      `json:"limit"`
		Since   int64    `json:"since"`
		Until   int64    `json:"until"`
	}
	if len(parts) >= 3 {
		chk.E(json.Unmarshal(parts[2], &filter))
	}
	if filter.Until <= 0 {
		filter.Until = math.MaxInt64
	}

	rng := replica.Range{Since: filter.Since, Until: filter.Until, Limit: filter.Limit}
	var events []replica.Event
	var err error
	switch {
	case len(filter.Authors) > 0:
		events, err = w.Replica.ByPubkey(filter.Authors[0], rng)
	case len(filter.Kinds) > 0:
		events, err = w.Replica.ByKind(filter.Kinds[0], rng)
	default:
		events, err = w.Replica.ByCreatedAt(rng)
	}
	if chk.E(err) {
		return errResp(id, 500, err.Error())
	}

	var buf bytes.Buffer
	for _, ev := range events {
		writeFrame(&buf, "EVENT", subID, ev.Raw)
	}
	writeFrame(&buf, "EOSE", subID, nil)
	return &peer.Response{Id: id, StatusCode: 200, Body: buf.Bytes()}
}

func writeFrame(buf *bytes.Buffer, verb, subID string, payload json.RawMessage) {
	parts := []any{verb, subID}
	if payload != nil {
		parts = append(parts, payload)
	}
	line, err := json.Marshal(parts)
	if chk.E(err) {
		return
	}
	buf.Write(line)
	buf.WriteByte('\n')
}

// handleGetRelay answers `/get/relay/{identifier}` with this worker's
// current hyperbee-style sync position, the information a gateway or a
// joining peer needs before it can start replicating (spec.md §4.6).
func (w *Worker) handleGetRelay(ctx context.T, req *peer.Request) *peer.Response {
	if w.Replica == nil {
		return errResp(req.Id, 503, "no local replica")
	}
	body, err := json.Marshal(
		map[string]any{
			"hyperbeeKey":      w.Ident.HyperbeeKey,
			"length":           w.Replica.Length(),
			"contiguousLength": w.Replica.ContiguousLength(),
			"version":          w.Replica.Version(),
		},
	)
	if chk.E(err) {
		return errResp(req.Id, 500, "marshal relay state")
	}
	return &peer.Response{Id: req.Id, StatusCode: 200, Body: body}
}

// handlePostJoin answers `/post/join/{identifier}`: the same sync
// position `/get/relay` reports, framed as a join acknowledgement
// (spec.md §6.1, §6.2).
func (w *Worker) handlePostJoin(ctx context.T, req *peer.Request) *peer.Response {
	return w.handleGetRelay(ctx, req)
}

type finalizeAuthBody struct {
	RecordID                  string `json:"recordId"`
	SessionPubHex             string `json:"sessionPub"`
	LeaseTTLSeconds           int    `json:"leaseTtlSeconds"`
	RegistrationEscrowEnabled bool   `json:"registrationEscrowEnabled"`
	PeerHealthyCount          int    `json:"peerHealthyCount"`
	PeerLastHealthyAtMs       int64  `json:"peerLastHealthyAtMs"`
	MirrorLagMs               int64  `json:"mirrorLagMs"`
	MirrorLastSyncedAtMs      int64  `json:"mirrorLastSyncedAtMs"`
	RequestingPeer            string `json:"requestingPeer"`
}

// handleFinalizeAuth answers `/finalize-auth`: it evaluates the unlock
// evidence the caller supplies against policy and, if every rule
// passes, opens the escrowed writer key with the service's own secret
// key, re-seals it under the caller's session public key, and returns
// the sealed blob plus a lease id the caller can later redeem (spec.md
// C7). A policy rejection answers 412 with the full list of violated
// rules, never just the first.
func (w *Worker) handleFinalizeAuth(ctx context.T, req *peer.Request) *peer.Response {
	if w.Escrow == nil {
		return errResp(req.Id, 503, "no escrow vault configured")
	}
	var body finalizeAuthBody
	if err := json.Unmarshal(req.Body, &body); chk.E(err) {
		return errResp(req.Id, 400, "malformed finalize-auth body")
	}

	sessionPub, err := decodeKey32(body.SessionPubHex)
	if chk.E(err) {
		return errResp(req.Id, 400, "malformed sessionPub")
	}

	var reqPeer peer.Key
	if body.RequestingPeer != "" {
		reqPeer, err = peer.ParseKey(body.RequestingPeer)
		if chk.E(err) {
			return errResp(req.Id, 400, "malformed requestingPeer")
		}
	} else {
		reqPeer = w.Key
	}

	ttl := time.Duration(body.LeaseTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	in := escrow.PolicyInput{
		RequestingPeer:            reqPeer,
		RegistrationEscrowEnabled: body.RegistrationEscrowEnabled,
		PeerHealthyCount:          body.PeerHealthyCount,
		MirrorLag:                 time.Duration(body.MirrorLagMs) * time.Millisecond,
	}
	if body.PeerLastHealthyAtMs > 0 {
		in.PeerLastHealthyAt = time.UnixMilli(body.PeerLastHealthyAtMs)
	}
	if body.MirrorLastSyncedAtMs > 0 {
		in.MirrorLastSyncedAt = time.UnixMilli(body.MirrorLastSyncedAtMs)
	}

	result, err := w.Escrow.Unlock(body.RecordID, sessionPub, ttl, in)
	if err != nil {
		log.W.F("worker: finalize-auth for record %s denied: %v", body.RecordID, err)
		var rej *escrow.Rejection
		if errors.As(err, &rej) {
			return rejectedResponse(req.Id, rej.Reasons)
		}
		return errResp(req.Id, 403, err.Error())
	}

	out, err := json.Marshal(
		map[string]any{
			"leaseId":       result.LeaseID,
			"sealedKey":     hex.EncodeToString(result.SealedKey),
			"payloadDigest": hex.EncodeToString(result.PayloadDigest[:]),
			"expiresAt":     result.ExpiresAt,
		},
	)
	if chk.E(err) {
		return errResp(req.Id, 500, "marshal lease response")
	}
	return &peer.Response{Id: req.Id, StatusCode: 200, Body: out}
}

// rejectedResponse answers a policy rejection with the full
// `reasons[]` array spec.md §7 requires in a 412 body, not a single
// collapsed error string.
func rejectedResponse(id uint64, reasons []string) *peer.Response {
	body, _ := json.Marshal(map[string][]string{"reasons": reasons})
	return &peer.Response{Id: id, StatusCode: 412, Body: body}
}

// handleCallback answers `/callback/{provider}`: an out-of-band
// onboarding provider (e.g. an OAuth redirect target) notifying this
// worker that a join flow completed. There is no further protocol
// beyond acknowledging receipt; the provider-specific payload is just
// logged for operators to correlate against their own records.
func (w *Worker) handleCallback(ctx context.T, req *peer.Request) *peer.Response {
	provider := strings.TrimPrefix(req.Path, "/callback/")
	log.I.F("worker: received %s callback (%d bytes)", provider, len(req.Body))
	return &peer.Response{Id: req.Id, StatusCode: 200}
}

func errResp(id uint64, status uint16, msg string) *peer.Response {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return &peer.Response{Id: id, StatusCode: status, Body: body}
}

func splitTwo(path string) (a, b string, ok bool) {
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

func decodeKey32(s string) (*[32]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("worker: key must be 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return &out, nil
}
