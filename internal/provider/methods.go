package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
	"github.com/quantumauth-io/quantum-device-bridge/internal/navigation"
	"github.com/quantumauth-io/quantum-device-bridge/internal/session"
)

// AccountSelection is the result the UI completes an account-selector intent with.
type AccountSelection struct {
	Address        string `json:"address"`
	DerivationPath string `json:"derivationPath,omitempty"`
	Name           string `json:"name,omitempty"`
}

type accountSelectorParams struct {
	ChainID string `json:"chainId"`
}

type signMessageParams struct {
	From    string        `json:"from"`
	Message hexutil.Bytes `json:"message"`
}

type signTypedDataParams struct {
	From      string          `json:"from"`
	TypedData json.RawMessage `json:"typedData"`
}

type negotiation struct {
	done     chan struct{}
	cancel   context.CancelFunc
	waiters  int // guarded by Provider.mu
	accounts []string
	err      error
}

// requestAccounts returns the selected account, or opens one account-selector
// intent shared by every concurrent caller. The intent is cancelled once every
// caller has given up.
func (p *Provider) requestAccounts(ctx context.Context) ([]string, error) {
	if snap := p.sessions.Snapshot(); snap.SelectedAccount != nil {
		return snap.Accounts(), nil
	}

	p.mu.Lock()
	n := p.accounts
	if n == nil {
		nctx, cancel := context.WithCancel(context.Background())
		n = &negotiation{done: make(chan struct{}), cancel: cancel}
		p.accounts = n
		go p.negotiateAccounts(nctx, n)
	}
	n.waiters++
	p.mu.Unlock()

	select {
	case <-n.done:
		return n.accounts, n.err
	case <-ctx.Done():
		p.mu.Lock()
		n.waiters--
		if n.waiters == 0 {
			if p.accounts == n {
				p.accounts = nil
			}
			n.cancel()
			log.Info("account selection abandoned by every caller")
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (p *Provider) negotiateAccounts(ctx context.Context, n *negotiation) {
	defer func() {
		p.mu.Lock()
		if p.accounts == n {
			p.accounts = nil
		}
		p.mu.Unlock()
		n.cancel()
		close(n.done)
	}()

	res, err := p.awaitIntent(ctx, navigation.KindAccountSelector, accountSelectorParams{
		ChainID: p.sessions.Snapshot().ChainIDHex(),
	})
	if err != nil {
		n.err = err
		return
	}

	var sel AccountSelection
	if err := json.Unmarshal(res, &sel); err != nil || !common.IsHexAddress(sel.Address) {
		n.err = invalidParams("account selector returned an invalid account")
		return
	}
	snap := p.sessions.Apply(session.AccountChanged{Account: &session.Account{
		Address:        common.HexToAddress(sel.Address),
		DerivationPath: sel.DerivationPath,
		Name:           sel.Name,
	}})
	n.accounts = snap.Accounts()
}

func (p *Provider) switchChain(params json.RawMessage) (any, error) {
	var args []struct {
		ChainID string `json:"chainId"`
	}
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return nil, invalidParams("expected [{chainId}]")
	}
	id, err := hexutil.DecodeUint64(args[0].ChainID)
	if err != nil || id == 0 {
		return nil, invalidParams("invalid chainId %q", args[0].ChainID)
	}
	if p.sessions.Snapshot().ChainID != id {
		p.sessions.Apply(session.ChainChanged{ChainID: id})
	}
	return nil, nil
}

// transaction asks the UI to sign a transaction. With send set the signed
// transaction is broadcast and its hash returned, otherwise the raw
// transaction is returned.
func (p *Provider) transaction(ctx context.Context, params json.RawMessage, send bool) (any, error) {
	var args []deviceaction.TransactionParams
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return nil, invalidParams("expected [transaction]")
	}
	tx := args[0]

	snap := p.sessions.Snapshot()
	if snap.ConnectedDevice == nil {
		return nil, deviceaction.ErrConnection
	}
	if snap.SelectedAccount == nil {
		return nil, deviceaction.ErrAccountNotSelected
	}
	if tx.From == "" {
		tx.From = snap.SelectedAccount.Address.Hex()
	} else if !common.IsHexAddress(tx.From) || common.HexToAddress(tx.From) != snap.SelectedAccount.Address {
		return nil, newRPCError(CodeUnauthorized, "from is not the selected account")
	}
	if tx.ChainID == "" {
		tx.ChainID = snap.ChainIDHex()
	}

	if err := p.fillTransaction(ctx, &tx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.pendingTx != nil {
		p.mu.Unlock()
		return nil, newRPCError(CodeResourceUnavailable, "a transaction is already awaiting approval")
	}
	p.pendingTx = &tx
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.pendingTx = nil
		p.mu.Unlock()
	}()

	res, err := p.awaitIntent(ctx, navigation.KindSignTransaction, tx)
	if err != nil {
		return nil, err
	}

	var signed deviceaction.SignedTransaction
	if err := json.Unmarshal(res, &signed); err != nil || len(signed.Raw) == 0 {
		return nil, &RPCError{Code: CodeInternal, Message: "sign-transaction intent returned no transaction"}
	}
	if !send {
		return signed.Raw, nil
	}

	var hash common.Hash
	if err := p.forwardInto(ctx, &hash, "eth_sendRawTransaction", signed.Raw); err != nil {
		return nil, err
	}
	log.Info("transaction broadcast", "hash", hash.Hex())
	return hash, nil
}

// fillTransaction asks the node for the nonce, gas limit and gas price the
// dApp left out. A failing lookup fails the request.
func (p *Provider) fillTransaction(ctx context.Context, tx *deviceaction.TransactionParams) error {
	if tx.Nonce == "" {
		var nonce hexutil.Uint64
		if err := p.forwardInto(ctx, &nonce, "eth_getTransactionCount", tx.From, "pending"); err != nil {
			return errors.Wrap(err, "nonce")
		}
		tx.Nonce = nonce.String()
	}
	if tx.Gas == "" {
		call := *tx
		call.Nonce, call.ChainID = "", ""
		var gas hexutil.Uint64
		if err := p.forwardInto(ctx, &gas, "eth_estimateGas", call); err != nil {
			return errors.Wrap(err, "estimate gas")
		}
		tx.Gas = gas.String()
	}
	if tx.GasPrice == "" && !tx.Dynamic() {
		var price hexutil.Big
		if err := p.forwardInto(ctx, &price, "eth_gasPrice"); err != nil {
			return errors.Wrap(err, "gas price")
		}
		tx.GasPrice = price.String()
	}
	return nil
}

// signTypedData handles eth_signTypedData_v4 [address, typedData]. typedData
// may be a JSON string or an object.
func (p *Provider) signTypedData(ctx context.Context, params json.RawMessage) (any, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 2 {
		return nil, invalidParams("expected [address, typedData]")
	}
	var from string
	if err := json.Unmarshal(args[0], &from); err != nil {
		return nil, invalidParams("invalid address")
	}
	if err := p.checkSigner(from); err != nil {
		return nil, err
	}

	doc := args[1]
	var asString string
	if json.Unmarshal(doc, &asString) == nil {
		doc = json.RawMessage(asString)
	}
	if _, err := deviceaction.TypedDataDigest(doc); err != nil {
		return nil, invalidParams("invalid typed data: %v", err)
	}

	res, err := p.awaitIntent(ctx, navigation.KindSignTypedData, signTypedDataParams{From: from, TypedData: doc})
	if err != nil {
		return nil, err
	}
	return messageSignature(res)
}

// personalSign handles personal_sign [message, address]. A 0x message is
// decoded as bytes, anything else is signed as UTF-8 text.
func (p *Provider) personalSign(ctx context.Context, params json.RawMessage) (any, error) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 2 {
		return nil, invalidParams("expected [message, address]")
	}
	msg, from := args[0], args[1]
	if err := p.checkSigner(from); err != nil {
		return nil, err
	}

	payload := []byte(msg)
	if strings.HasPrefix(msg, "0x") {
		b, err := hexutil.Decode(msg)
		if err != nil {
			return nil, invalidParams("invalid hex message")
		}
		payload = b
	}

	res, err := p.awaitIntent(ctx, navigation.KindSignMessage, signMessageParams{From: from, Message: payload})
	if err != nil {
		return nil, err
	}
	return messageSignature(res)
}

func (p *Provider) checkSigner(from string) error {
	snap := p.sessions.Snapshot()
	if snap.ConnectedDevice == nil {
		return deviceaction.ErrConnection
	}
	if snap.SelectedAccount == nil {
		return deviceaction.ErrAccountNotSelected
	}
	if !common.IsHexAddress(from) || common.HexToAddress(from) != snap.SelectedAccount.Address {
		return newRPCError(CodeUnauthorized, "address is not the selected account")
	}
	return nil
}

func messageSignature(res json.RawMessage) (hexutil.Bytes, error) {
	var sig deviceaction.MessageSignature
	if err := json.Unmarshal(res, &sig); err != nil || len(sig.Signature) == 0 {
		return nil, &RPCError{Code: CodeInternal, Message: "signing intent returned no signature"}
	}
	return sig.Signature, nil
}
