// Package provider is the EIP-1193 request façade. It answers account, chain
// and signing methods locally, hands UI handshakes to the navigation broker
// and forwards everything else to the backend node.
package provider

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
	"github.com/quantumauth-io/quantum-device-bridge/internal/navigation"
	"github.com/quantumauth-io/quantum-device-bridge/internal/session"
)

const jsonRPCVersion = "2.0"

// Request is an EIP-1193 request.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Broadcaster sends a JSON-RPC request to a node.
type Broadcaster interface {
	Broadcast(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error)
}

// Sessions is the aggregator surface the provider needs.
type Sessions interface {
	Snapshot() session.Context
	Apply(ev session.Event) session.Context
	Observe() *session.Subscription
}

// Signer runs device signing flows.
type Signer interface {
	Sign(ctx context.Context, r deviceaction.Request) (<-chan deviceaction.SignFlowStatus, error)
}

type Provider struct {
	sessions    Sessions
	broker      *navigation.Broker
	broadcaster Broadcaster
	signer      Signer

	nextID atomic.Uint64

	mu        sync.Mutex
	accounts  *negotiation
	pendingTx *deviceaction.TransactionParams

	events *emitter
}

func New(sessions Sessions, broker *navigation.Broker, broadcaster Broadcaster, signer Signer) *Provider {
	return &Provider{
		sessions:    sessions,
		broker:      broker,
		broadcaster: broadcaster,
		signer:      signer,
		events:      newEmitter(),
	}
}

// SetSigner replaces the signer, e.g. after the wallet was disconnected and
// a fresh translator was built.
func (p *Provider) SetSigner(s Signer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signer = s
}

// Request handles one EIP-1193 request. Errors are always *RPCError.
func (p *Provider) Request(ctx context.Context, req Request) (any, error) {
	res, err := p.dispatch(ctx, req)
	if err != nil {
		rpcErr := toRPCError(err)
		log.Warn("provider request failed", "method", req.Method, "code", rpcErr.Code, "error", err)
		return nil, rpcErr
	}
	return res, nil
}

func (p *Provider) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case "eth_requestAccounts":
		return p.requestAccounts(ctx)
	case "eth_accounts":
		return p.sessions.Snapshot().Accounts(), nil
	case "eth_chainId":
		return p.sessions.Snapshot().ChainIDHex(), nil
	case "wallet_switchEthereumChain":
		return p.switchChain(req.Params)
	case "eth_sendTransaction":
		return p.transaction(ctx, req.Params, true)
	case "eth_signTransaction":
		return p.transaction(ctx, req.Params, false)
	case "eth_signTypedData_v4":
		return p.signTypedData(ctx, req.Params)
	case "personal_sign":
		return p.personalSign(ctx, req.Params)
	case "":
		return nil, newRPCError(CodeMethodNotFound, "missing method")
	default:
		return p.forward(ctx, req.Method, req.Params)
	}
}

// ObserveContext subscribes to the session context.
func (p *Provider) ObserveContext() *session.Subscription {
	return p.sessions.Observe()
}

// Sign runs a signing flow directly on the device.
func (p *Provider) Sign(ctx context.Context, r deviceaction.Request) (<-chan deviceaction.SignFlowStatus, error) {
	p.mu.Lock()
	s := p.signer
	p.mu.Unlock()
	if s == nil {
		return nil, deviceaction.ErrConnection
	}
	return s.Sign(ctx, r)
}

// PendingTransaction returns the transaction waiting for UI approval.
func (p *Provider) PendingTransaction() (deviceaction.TransactionParams, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingTx == nil {
		return deviceaction.TransactionParams{}, false
	}
	return *p.pendingTx, true
}

// forward sends method to the node with the next local request id.
func (p *Provider) forward(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if p.broadcaster == nil {
		return nil, newRPCError(CodeUnsupportedMethod, "no node configured for "+method)
	}
	if len(params) == 0 {
		params = json.RawMessage("[]")
	}
	resp, err := p.broadcaster.Broadcast(ctx, JSONRPCRequest{
		JSONRPC: jsonRPCVersion,
		ID:      p.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		if rpcErr := toRPCError(err); rpcErr.Code != CodeInternal {
			return nil, rpcErr
		}
		return nil, &RPCError{Code: CodeInternal, Message: "node request failed", Data: err.Error()}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Result == nil {
		return json.RawMessage("null"), nil
	}
	return resp.Result, nil
}

// forwardInto forwards and decodes the result into out.
func (p *Provider) forwardInto(ctx context.Context, out any, method string, params ...any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	res, err := p.forward(ctx, method, raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res, out); err != nil {
		return &RPCError{Code: CodeInternal, Message: "unexpected " + method + " result", Data: string(res)}
	}
	return nil
}

// awaitIntent opens an intent and waits for its completion. Cancelling ctx
// cancels the intent.
func (p *Provider) awaitIntent(ctx context.Context, kind navigation.Kind, params any) (json.RawMessage, error) {
	in, done, err := p.broker.Open(kind, params)
	if err != nil {
		return nil, err
	}
	select {
	case c := <-done:
		if c.Err != nil {
			return nil, c.Err
		}
		return c.Result, nil
	case <-ctx.Done():
		_ = p.broker.Cancel(in.ID)
		return nil, ctx.Err()
	}
}
