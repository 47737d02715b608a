package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"hypertuna.dev/protocol/envelope"
	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/protocol/registration"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
)

// registerAdminAPI wires spec.md §6.1's signed-envelope admin endpoints
// onto api, grounded on the teacher's protocol/openapi event.go
// RegisterEvent shape: one huma.Register call per operation, an
// Input/Output struct pair, Security left empty here since these
// endpoints carry their own HMAC envelope rather than nip-98 auth.
func (s *Server) registerAdminAPI(api huma.API) {
	huma.Register(
		api, huma.Operation{
			OperationID: "RegisterRelay",
			Summary:     "Register a relay",
			Path:        "/api/relays",
			Method:      http.MethodPost,
			Tags:        []string{"admin"},
		}, s.apiRegisterRelay,
	)
	huma.Register(
		api, huma.Operation{
			OperationID: "UnregisterRelay",
			Summary:     "Unregister a relay",
			Path:        "/api/relays/{relayKey}",
			Method:      http.MethodDelete,
			Tags:        []string{"admin"},
		}, s.apiUnregisterRelay,
	)
	huma.Register(
		api, huma.Operation{
			OperationID: "IssueRelayToken",
			Summary:     "Issue a relay session token",
			Path:        "/api/relay-tokens/issue",
			Method:      http.MethodPost,
			Tags:        []string{"admin"},
		}, s.apiIssueToken,
	)
	huma.Register(
		api, huma.Operation{
			OperationID: "RefreshRelayToken",
			Summary:     "Refresh a relay session token",
			Path:        "/api/relay-tokens/refresh",
			Method:      http.MethodPost,
			Tags:        []string{"admin"},
		}, s.apiRefreshToken,
	)
	huma.Register(
		api, huma.Operation{
			OperationID: "RevokeRelayToken",
			Summary:     "Revoke a relay session token",
			Path:        "/api/relay-tokens/revoke",
			Method:      http.MethodPost,
			Tags:        []string{"admin"},
		}, s.apiRevokeToken,
	)
}

// RegisterRelayInput is the body spec.md §6.1 calls `{registration,
// signature}`: an HMAC over the canonical JSON of registration.
type RegisterRelayInput struct {
	Body struct {
		Registration struct {
			RelayKey   string              `json:"relayKey"`
			PeerKey    string              `json:"peerKey,omitempty"`
			Metadata   registration.Metadata `json:"metadata"`
			TTLSeconds int                 `json:"ttlSeconds"`
		} `json:"registration"`
		Signature []byte `json:"signature"`
	}
}

type RegisterRelayOutput struct {
	Body struct {
		RelayKey  string `json:"relayKey"`
		ExpiresAt int64  `json:"expiresAt"`
	}
}

func (s *Server) apiRegisterRelay(ctx context.T, in *RegisterRelayInput) (*RegisterRelayOutput, error) {
	ok, err := envelope.Verify(in.Body.Registration, []byte(s.Cfg.GatewayRegistrationSecret), in.Body.Signature)
	if err != nil {
		return nil, huma.Error400BadRequest("malformed signature", err)
	}
	if !ok {
		return nil, huma.Error403Forbidden("invalid signature")
	}

	var peerKey peer.Key
	if in.Body.Registration.PeerKey != "" {
		peerKey, err = peer.ParseKey(in.Body.Registration.PeerKey)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid peerKey", err)
		}
	}

	ttl := time.Duration(in.Body.Registration.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Duration(s.Cfg.RegistrationCacheTTLSeconds) * time.Second
	}
	if err = s.Deps.Registrations.Upsert(
		ctx, in.Body.Registration.RelayKey, peerKey, in.Body.Registration.Metadata, ttl,
	); chk.E(err) {
		return nil, huma.Error500InternalServerError("registration store write failed", err)
	}

	out := &RegisterRelayOutput{}
	out.Body.RelayKey = in.Body.Registration.RelayKey
	out.Body.ExpiresAt = time.Now().Add(ttl).Unix()
	return out, nil
}

type UnregisterRelayInput struct {
	RelayKey  string `path:"relayKey"`
	Signature string `header:"X-Signature"`
}

type UnregisterRelayOutput struct{}

func (s *Server) apiUnregisterRelay(ctx context.T, in *UnregisterRelayInput) (*UnregisterRelayOutput, error) {
	sig, err := decodeHexSig(in.Signature)
	if err != nil {
		return nil, huma.Error400BadRequest("malformed signature", err)
	}
	ok, err := envelope.Verify(map[string]any{"relayKey": in.RelayKey}, []byte(s.Cfg.GatewayRegistrationSecret), sig)
	if err != nil {
		return nil, huma.Error400BadRequest("malformed signature", err)
	}
	if !ok {
		return nil, huma.Error403Forbidden("invalid signature")
	}
	if err = s.Deps.Registrations.Remove(ctx, in.RelayKey); chk.E(err) {
		return nil, huma.Error500InternalServerError("registration store write failed", err)
	}
	return &UnregisterRelayOutput{}, nil
}

type tokenRequestBody struct {
	RelayKey  string `json:"relayKey"`
	Pubkey    string `json:"pubkey,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Signature []byte `json:"signature"`
}

type IssueTokenInput struct{ Body tokenRequestBody }
type IssueTokenOutput struct {
	Body struct {
		Token string `json:"token"`
	}
}

func (s *Server) apiIssueToken(ctx context.T, in *IssueTokenInput) (*IssueTokenOutput, error) {
	if err := s.verifyAdminEnvelope(in.Body); err != nil {
		return nil, err
	}
	tok, err := s.Deps.Tokens.Issue(in.Body.RelayKey, in.Body.Pubkey, in.Body.Scope)
	if chk.E(err) {
		return nil, huma.Error500InternalServerError("token issuance failed", err)
	}
	out := &IssueTokenOutput{}
	out.Body.Token = tok
	return out, nil
}

type RefreshTokenInput struct {
	Body struct {
		Token     string `json:"token"`
		Signature []byte `json:"signature"`
	}
}
type RefreshTokenOutput struct {
	Body struct {
		Token string `json:"token"`
	}
}

func (s *Server) apiRefreshToken(ctx context.T, in *RefreshTokenInput) (*RefreshTokenOutput, error) {
	ok, err := envelope.Verify(
		map[string]any{"token": in.Body.Token}, []byte(s.Cfg.GatewayRegistrationSecret), in.Body.Signature,
	)
	if err != nil {
		return nil, huma.Error400BadRequest("malformed signature", err)
	}
	if !ok {
		return nil, huma.Error403Forbidden("invalid signature")
	}
	tok, err := s.Deps.Tokens.Refresh(in.Body.Token)
	if err != nil {
		return nil, huma.Error403Forbidden(err.Error())
	}
	out := &RefreshTokenOutput{}
	out.Body.Token = tok
	return out, nil
}

type RevokeTokenInput struct {
	Body struct {
		Token     string `json:"token"`
		Reason    string `json:"reason,omitempty"`
		Signature []byte `json:"signature"`
	}
}
type RevokeTokenOutput struct{}

func (s *Server) apiRevokeToken(ctx context.T, in *RevokeTokenInput) (*RevokeTokenOutput, error) {
	ok, err := envelope.Verify(
		map[string]any{"token": in.Body.Token, "reason": in.Body.Reason},
		[]byte(s.Cfg.GatewayRegistrationSecret), in.Body.Signature,
	)
	if err != nil {
		return nil, huma.Error400BadRequest("malformed signature", err)
	}
	if !ok {
		return nil, huma.Error403Forbidden("invalid signature")
	}
	s.Deps.Tokens.Revoke(in.Body.Token, in.Body.Reason)
	return &RevokeTokenOutput{}, nil
}

func (s *Server) verifyAdminEnvelope(body tokenRequestBody) error {
	payload := map[string]any{"relayKey": body.RelayKey, "pubkey": body.Pubkey, "scope": body.Scope}
	ok, err := envelope.Verify(payload, []byte(s.Cfg.GatewayRegistrationSecret), body.Signature)
	if err != nil {
		return huma.Error400BadRequest("malformed signature", err)
	}
	if !ok {
		return huma.Error403Forbidden("invalid signature")
	}
	return nil
}

func decodeHexSig(s string) ([]byte, error) {
	b := make([]byte, len(s)/2)
	if _, err := fmt.Sscanf(s, "%x", &b); err != nil {
		return nil, err
	}
	return b, nil
}
