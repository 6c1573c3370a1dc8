// ABOUTME: Transport independent operations shared by the HTTP and gRPC APIs
// ABOUTME: Request and response types carry the JSON field names of the public API

package gateway

import (
	"context"
	"time"

	"github.com/2389/coven-witness/internal/account"
	"github.com/2389/coven-witness/internal/admission"
	"github.com/2389/coven-witness/internal/auth"
	"github.com/2389/coven-witness/internal/content"
	"github.com/2389/coven-witness/internal/gates"
	"github.com/2389/coven-witness/internal/store"
	"github.com/2389/coven-witness/internal/witness"
)

// RateLimitInfo is the admission metadata attached to counted responses.
type RateLimitInfo struct {
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter float64   `json:"retry_after,omitempty"` // seconds
}

func rateLimitInfo(d admission.Decision) *RateLimitInfo {
	if d.Limit <= 0 {
		return nil
	}
	info := &RateLimitInfo{Limit: d.Limit, Remaining: d.Remaining, ResetAt: d.ResetAt.UTC()}
	if !d.Allowed {
		info.RetryAfter = d.RetryAfter.Seconds()
	}
	return info
}

// RegisterRequest is the body of POST /api/v1/register.
type RegisterRequest struct {
	PublicKey string `json:"public_key"`
	Name      string `json:"name"`
	Purpose   string `json:"purpose"`
}

// IdentityResponse describes a registered identity.
type IdentityResponse struct {
	Address    string         `json:"address"`
	PublicKey  string         `json:"public_key"`
	Name       string         `json:"name"`
	Purpose    string         `json:"purpose"`
	Reputation float64        `json:"reputation"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	RateLimit  *RateLimitInfo `json:"rate_limit,omitempty"`
}

func identityResponse(id *store.Identity) *IdentityResponse {
	return &IdentityResponse{
		Address:    id.Address,
		PublicKey:  id.PublicKey,
		Name:       id.DisplayName,
		Purpose:    id.DeclaredPurpose,
		Reputation: id.Reputation,
		CreatedAt:  id.CreatedAt,
		UpdatedAt:  id.UpdatedAt,
	}
}

// ChallengeRequest names the address to challenge.
type ChallengeRequest struct {
	Address string `json:"address"`
}

// ChallengeResponse carries the nonce and the exact message to sign.
type ChallengeResponse struct {
	Address   string         `json:"address"`
	Nonce     string         `json:"nonce"`
	Message   string         `json:"message"`
	ExpiresAt time.Time      `json:"expires_at"`
	RateLimit *RateLimitInfo `json:"rate_limit,omitempty"`
}

// VerifyRequest is the body of POST /api/v1/verify.
type VerifyRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// SessionResponse carries a session token.
type SessionResponse struct {
	Address    string         `json:"address"`
	Token      string         `json:"token"`
	KeyVersion string         `json:"key_version"`
	ExpiresAt  time.Time      `json:"expires_at"`
	RateLimit  *RateLimitInfo `json:"rate_limit,omitempty"`
}

func sessionResponse(s *auth.Session) *SessionResponse {
	return &SessionResponse{Address: s.Address, Token: s.Token, KeyVersion: s.KeyVersion, ExpiresAt: s.ExpiresAt}
}

// SubmitRequest is the body of POST /api/v1/content.
type SubmitRequest struct {
	Body    string         `json:"body"`
	Context map[string]any `json:"context,omitempty"`
}

// SubmitResponse reports the gate verdicts for a submission.
type SubmitResponse struct {
	Accepted     bool             `json:"accepted"`
	ContentID    string           `json:"content_id,omitempty"`
	GateResults  []gates.Evidence `json:"gate_results"`
	EvidenceHash string           `json:"evidence_hash"`
	QualityScore float64          `json:"quality_score"`
	Reputation   float64          `json:"reputation"`
	Receipt      []byte           `json:"receipt,omitempty"`
	FailedGate   string           `json:"failed_gate,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	RateLimit    *RateLimitInfo   `json:"rate_limit,omitempty"`
}

// ContentResponse describes a stored content unit.
type ContentResponse struct {
	ID             string           `json:"content_id"`
	Author         string           `json:"author"`
	Body           string           `json:"body"`
	Context        map[string]any   `json:"context"`
	GateResults    []gates.Evidence `json:"gate_results"`
	EvidenceHash   string           `json:"evidence_hash"`
	EvidenceIntact bool             `json:"evidence_intact"`
	Receipt        []byte           `json:"receipt"`
	ReceiptKeyID   string           `json:"receipt_key_id"`
	QualityScore   float64          `json:"quality_score"`
	CreatedAt      time.Time        `json:"created_at"`
}

func contentResponse(u *content.Unit) ContentResponse {
	return ContentResponse{
		ID:             u.ID,
		Author:         u.Author,
		Body:           u.Body,
		Context:        u.Context.Map(),
		GateResults:    u.Evidence,
		EvidenceHash:   u.EvidenceHash,
		EvidenceIntact: u.EvidenceIntact,
		Receipt:        u.Receipt,
		ReceiptKeyID:   u.ReceiptKeyID,
		QualityScore:   u.QualityScore,
		CreatedAt:      u.CreatedAt,
	}
}

// ContentRequest names a content unit.
type ContentRequest struct {
	ID string `json:"content_id"`
}

// UpdateIdentityRequest is the body of PATCH /api/v1/identity.
type UpdateIdentityRequest struct {
	Purpose string `json:"purpose"`
}

// StatusResponse is returned by calls with no other result.
type StatusResponse struct {
	Status string `json:"status"`
}

// EventsRequest filters the audit listing.
type EventsRequest struct {
	Actor string `json:"actor,omitempty"`
	After int64  `json:"after,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// EventResponse is one witness event.
type EventResponse struct {
	Seq          int64  `json:"seq"`
	ID           string `json:"event_id"`
	EventType    string `json:"event_type"`
	Actor        string `json:"actor"`
	Action       string `json:"action"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	EventHash    string `json:"event_hash"`
}

// EventsResponse is a page of witness events.
type EventsResponse struct {
	Events []EventResponse `json:"events"`
}

func eventResponses(events []*store.WitnessEvent) []EventResponse {
	out := make([]EventResponse, len(events))
	for i, ev := range events {
		out[i] = EventResponse{
			Seq:          ev.Seq,
			ID:           ev.ID,
			EventType:    ev.EventType,
			Actor:        ev.Actor,
			Action:       ev.Action,
			Timestamp:    ev.Timestamp,
			PreviousHash: ev.PreviousHash,
			EventHash:    ev.EventHash,
		}
	}
	return out
}

// RevocationResponse is one revoked token record.
type RevocationResponse struct {
	TokenDigest string    `json:"token_digest"`
	Reason      string    `json:"reason"`
	RevokedAt   time.Time `json:"revoked_at"`
}

// ExportResponse is the full account record.
type ExportResponse struct {
	Identity    *IdentityResponse    `json:"identity"`
	Content     []ContentResponse    `json:"content"`
	Revocations []RevocationResponse `json:"revocations"`
	Events      []EventResponse      `json:"events"`
	ExportedAt  time.Time            `json:"exported_at"`
}

// DeleteAccountRequest confirms an account deletion.
type DeleteAccountRequest struct {
	Confirmed bool `json:"confirmed"`
}

// KeyResponse describes a signing key version. Secrets are never exposed.
type KeyResponse struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// KeysResponse lists signing key versions, newest first.
type KeysResponse struct {
	Keys           []KeyResponse `json:"keys"`
	ReceiptKeyID   string        `json:"receipt_key_id"`
	ReceiptKeyAlgo string        `json:"receipt_key_alg"`
}

type decisionKey struct{}

// withDecision stores the admission decision taken for this request.
func withDecision(ctx context.Context, d admission.Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

func decisionFrom(ctx context.Context) admission.Decision {
	d, _ := ctx.Value(decisionKey{}).(admission.Decision)
	return d
}

// admit applies class admission for subject. A nil admitter admits everything.
func (g *Gateway) admit(ctx context.Context, class admission.Class, subject string) (admission.Decision, error) {
	if g.admitter == nil {
		return admission.Decision{Allowed: true}, nil
	}
	return g.admitter.Admit(ctx, class, subject)
}

func (g *Gateway) register(ctx context.Context, req RegisterRequest) (*IdentityResponse, error) {
	if req.PublicKey == "" {
		return nil, invalid("public_key is required")
	}
	id, err := g.auth.Register(ctx, req.PublicKey, req.Name, req.Purpose)
	if err != nil {
		return nil, err
	}
	return identityResponse(id), nil
}

func (g *Gateway) challenge(ctx context.Context, req ChallengeRequest) (*ChallengeResponse, error) {
	if req.Address == "" {
		return nil, invalid("address is required")
	}
	c, err := g.auth.IssueChallenge(ctx, req.Address)
	if err != nil {
		return nil, err
	}
	return &ChallengeResponse{
		Address:   c.Address,
		Nonce:     c.Nonce,
		Message:   string(auth.ChallengeMessage(c.Address, c.Nonce)),
		ExpiresAt: c.ExpiresAt,
	}, nil
}

func (g *Gateway) verify(ctx context.Context, req VerifyRequest) (*SessionResponse, error) {
	if req.Address == "" || req.Signature == "" {
		return nil, invalid("address and signature are required")
	}
	s, err := g.auth.Verify(ctx, req.Address, req.Signature)
	if err != nil {
		return nil, err
	}
	return sessionResponse(s), nil
}

// submit runs the content pipeline for the authenticated caller. The response is
// populated for rejections too, alongside the error.
func (g *Gateway) submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	ac := auth.MustFromContext(ctx)
	res, err := g.pipeline.Submit(ctx, content.Submission{Author: ac.Address, Body: req.Body, Context: req.Context})
	if res == nil {
		return nil, err
	}
	resp := &SubmitResponse{
		Accepted:     res.Accepted,
		ContentID:    res.ContentID,
		GateResults:  res.Evidence,
		EvidenceHash: res.EvidenceHash,
		QualityScore: res.QualityScore,
		Reputation:   res.Reputation,
		Receipt:      res.Receipt,
		RateLimit:    rateLimitInfo(res.Decision),
	}
	if resp.GateResults == nil {
		resp.GateResults = []gates.Evidence{}
	}
	if gateErr, ok := asGateFailure(err); ok {
		resp.FailedGate = gateErr.Gate
		resp.Reason = gateErr.Reason
	}
	return resp, err
}

func (g *Gateway) getContent(ctx context.Context, req ContentRequest) (*ContentResponse, error) {
	if req.ID == "" {
		return nil, invalid("content_id is required")
	}
	u, err := g.pipeline.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	resp := contentResponse(u)
	return &resp, nil
}

func (g *Gateway) logout(ctx context.Context) (*StatusResponse, error) {
	if err := g.auth.Logout(ctx, auth.MustFromContext(ctx).Token); err != nil {
		return nil, err
	}
	return &StatusResponse{Status: "logged_out"}, nil
}

func (g *Gateway) refresh(ctx context.Context) (*SessionResponse, error) {
	s, err := g.auth.Refresh(ctx, auth.MustFromContext(ctx).Token)
	if err != nil {
		return nil, err
	}
	return sessionResponse(s), nil
}

func (g *Gateway) identity(ctx context.Context) (*IdentityResponse, error) {
	id, err := g.auth.Identity(ctx, auth.MustFromContext(ctx).Address)
	if err != nil {
		return nil, err
	}
	return identityResponse(id), nil
}

func (g *Gateway) updateIdentity(ctx context.Context, req UpdateIdentityRequest) (*IdentityResponse, error) {
	id, err := g.auth.UpdatePurpose(ctx, auth.MustFromContext(ctx).Address, req.Purpose)
	if err != nil {
		return nil, err
	}
	return identityResponse(id), nil
}

func (g *Gateway) verifyChain(ctx context.Context) (*witness.Report, error) {
	return g.chain.Verify(ctx)
}

func (g *Gateway) listEvents(ctx context.Context, req EventsRequest) (*EventsResponse, error) {
	if req.Limit < 0 || req.After < 0 {
		return nil, invalid("after and limit must not be negative")
	}
	events, err := g.chain.List(ctx, req.Actor, req.After, req.Limit)
	if err != nil {
		return nil, err
	}
	return &EventsResponse{Events: eventResponses(events)}, nil
}

func (g *Gateway) exportAccount(ctx context.Context) (*ExportResponse, error) {
	rec, err := g.accounts.Export(ctx, auth.MustFromContext(ctx).Address)
	if err != nil {
		return nil, err
	}

	resp := &ExportResponse{
		Identity:    identityResponse(rec.Identity),
		Content:     make([]ContentResponse, 0, len(rec.Content)),
		Revocations: make([]RevocationResponse, 0, len(rec.Revocations)),
		Events:      eventResponses(rec.Events),
		ExportedAt:  rec.ExportedAt,
	}
	for _, c := range rec.Content {
		resp.Content = append(resp.Content, contentResponse(g.pipeline.Decode(c)))
	}
	for _, r := range rec.Revocations {
		resp.Revocations = append(resp.Revocations, RevocationResponse{TokenDigest: r.TokenDigest, Reason: r.Reason, RevokedAt: r.RevokedAt})
	}
	return resp, nil
}

func (g *Gateway) deleteAccount(ctx context.Context, req DeleteAccountRequest) (*StatusResponse, error) {
	ac := auth.MustFromContext(ctx)
	err := g.accounts.Delete(ctx, account.DeleteRequest{
		Address:        ac.Address,
		Token:          ac.Token,
		TokenExpiresAt: ac.ExpiresAt,
		Confirmed:      req.Confirmed,
	})
	if err != nil {
		return nil, err
	}
	return &StatusResponse{Status: "deleted"}, nil
}

func (g *Gateway) listKeys(ctx context.Context) (*KeysResponse, error) {
	versions, err := g.keys.List(ctx)
	if err != nil {
		return nil, err
	}
	resp := &KeysResponse{Keys: make([]KeyResponse, 0, len(versions)), ReceiptKeyAlgo: "EdDSA"}
	if g.notary != nil {
		resp.ReceiptKeyID = g.notary.KeyID()
	}
	for _, v := range versions {
		resp.Keys = append(resp.Keys, KeyResponse{
			ID:        v.ID,
			Status:    string(v.Status),
			CreatedAt: v.CreatedAt,
			ExpiresAt: v.ExpiresAt,
			RotatedAt: v.RotatedAt,
			Reason:    v.Reason,
		})
	}
	return resp, nil
}
