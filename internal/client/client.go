// ABOUTME: gRPC client for the Witness service using Struct messages
// ABOUTME: Converts Go values through JSON and attaches bearer tokens to outgoing metadata

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-witness/internal/auth"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "coven.witness.v1.Witness"

// Method names.
const (
	MethodRegister       = "Register"
	MethodChallenge      = "Challenge"
	MethodVerify         = "Verify"
	MethodSubmitContent  = "SubmitContent"
	MethodGetContent     = "GetContent"
	MethodLogout         = "Logout"
	MethodRefresh        = "Refresh"
	MethodGetIdentity    = "GetIdentity"
	MethodUpdateIdentity = "UpdateIdentity"
	MethodVerifyChain    = "VerifyChain"
	MethodListEvents     = "ListEvents"
	MethodExportAccount  = "ExportAccount"
	MethodDeleteAccount  = "DeleteAccount"
	MethodListKeys       = "ListKeys"
)

// FullMethod returns the gRPC path for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ToStruct converts v to a Struct through its JSON encoding. A nil v is an
// empty Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v through JSON.
func FromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Dial opens a plaintext connection to addr. Deployments that need transport
// security run the gateway on a tailnet.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return conn, nil
}

// Client calls the Witness service.
type Client struct {
	conn  grpc.ClientConnInterface
	token string
}

// New creates a Client on conn.
func New(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Conn returns the underlying connection.
func (c *Client) Conn() grpc.ClientConnInterface {
	return c.conn
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	return &Client{conn: c.conn, token: token}
}

// Call invokes method with req and decodes the reply into resp. resp may be nil.
func (c *Client) Call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := ToStruct(req)
	if err != nil {
		return err
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return FromStruct(out, resp)
}

// Challenge is a one-time nonce issued for an address.
type Challenge struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session is an issued session token.
type Session struct {
	Address    string    `json:"address"`
	Token      string    `json:"token"`
	KeyVersion string    `json:"key_version"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ChainReport is the result of VerifyChain.
type ChainReport struct {
	Valid             bool   `json:"valid"`
	TotalEvents       int64  `json:"total_events"`
	FirstInvalidIndex *int64 `json:"first_invalid_index"`
}

// Register registers signer's public key and returns the identity record.
func (c *Client) Register(ctx context.Context, pub ssh.PublicKey, name, purpose string) (map[string]any, error) {
	req := map[string]string{
		"public_key": string(ssh.MarshalAuthorizedKey(pub)),
		"name":       name,
		"purpose":    purpose,
	}
	var resp map[string]any
	if err := c.Call(ctx, MethodRegister, req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Login runs challenge and verify for signer's key.
func (c *Client) Login(ctx context.Context, signer ssh.Signer) (*Session, error) {
	address := auth.AddressOf(signer.PublicKey())

	var ch Challenge
	if err := c.Call(ctx, MethodChallenge, map[string]string{"address": address}, &ch); err != nil {
		return nil, fmt.Errorf("requesting challenge: %w", err)
	}

	sig, err := auth.SignChallenge(signer, address, ch.Nonce)
	if err != nil {
		return nil, err
	}

	var s Session
	if err := c.Call(ctx, MethodVerify, map[string]string{"address": address, "signature": sig}, &s); err != nil {
		return nil, fmt.Errorf("verifying challenge: %w", err)
	}
	return &s, nil
}

// Submit submits body for gate verification. A gate rejection is returned as
// an error; RejectionDetails recovers the gate results from it.
func (c *Client) Submit(ctx context.Context, body string, contextFields map[string]any) (map[string]any, error) {
	req := map[string]any{"body": body}
	if contextFields != nil {
		req["context"] = contextFields
	}
	var resp map[string]any
	if err := c.Call(ctx, MethodSubmitContent, req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// VerifyChain asks the server to recompute the witness chain.
func (c *Client) VerifyChain(ctx context.Context) (*ChainReport, error) {
	var r ChainReport
	if err := c.Call(ctx, MethodVerifyChain, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Events lists witness events after seq, optionally for one actor.
func (c *Client) Events(ctx context.Context, actor string, after int64, limit int) ([]map[string]any, error) {
	req := map[string]any{"actor": actor, "after": after, "limit": limit}
	var resp struct {
		Events []map[string]any `json:"events"`
	}
	if err := c.Call(ctx, MethodListEvents, req, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// RejectionDetails returns the submission response attached to a gate
// rejection, or nil if err carries none.
func RejectionDetails(err error) map[string]any {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			return s.AsMap()
		}
	}
	return nil
}
