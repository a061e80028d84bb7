package deviceaction

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/quantumauth-io/quantum-device-bridge/internal/constants"
	"github.com/quantumauth-io/quantum-device-bridge/internal/session"
)

// AppOpenedMessage is the debugging message emitted once the Ethereum app is open.
const AppOpenedMessage = "App Opened"

// RequestKind selects the signing operation of a Request.
type RequestKind string

const (
	RequestTransaction     RequestKind = "transaction"
	RequestPersonalMessage RequestKind = "personal_message"
	RequestTypedData       RequestKind = "typed_data"
	RequestGetAddress      RequestKind = "get_address"
)

// Request is the transport-neutral form of a signing request.
type Request struct {
	Kind           RequestKind        `json:"kind"`
	From           string             `json:"from,omitempty"`
	Transaction    *TransactionParams `json:"transaction,omitempty"`
	Message        hexutil.Bytes      `json:"message,omitempty"`
	TypedData      json.RawMessage    `json:"typedData,omitempty"`
	DerivationPath string             `json:"derivationPath,omitempty"`
}

// Signer builds Ethereum signing operations for the selected account and runs
// them through the Translator.
type Signer struct {
	translator *Translator
	sessions   ContextReader
}

func NewSigner(translator *Translator, sessions ContextReader) *Signer {
	return &Signer{translator: translator, sessions: sessions}
}

// Sign dispatches r to the matching operation.
func (s *Signer) Sign(ctx context.Context, r Request) (<-chan SignFlowStatus, error) {
	switch r.Kind {
	case RequestTransaction:
		if r.Transaction == nil {
			return nil, errors.Wrap(ErrInvalidRequest, "missing transaction")
		}
		p := *r.Transaction
		if p.From == "" {
			p.From = r.From
		}
		return s.SignTransaction(ctx, p)
	case RequestPersonalMessage:
		return s.SignPersonalMessage(ctx, r.From, r.Message)
	case RequestTypedData:
		return s.SignTypedData(ctx, r.From, r.TypedData)
	case RequestGetAddress:
		return s.GetAddress(ctx, r.DerivationPath)
	default:
		return nil, errors.Wrapf(ErrInvalidRequest, "unknown request kind %q", r.Kind)
	}
}

// SignTransaction signs p with the selected account. The success payload is a
// *SignedTransaction.
func (s *Signer) SignTransaction(ctx context.Context, p TransactionParams) (<-chan SignFlowStatus, error) {
	acct, snap, err := s.account(p.From)
	if err != nil {
		return nil, err
	}

	unsigned, err := BuildUnsignedTx(p, snap.ChainID)
	if err != nil {
		return nil, err
	}

	op := s.operation("sign_transaction", Action{
		Type:           ActionSignTransaction,
		AppName:        constants.EthereumAppName,
		DerivationPath: acct.DerivationPath,
		Payload:        unsigned.Payload,
	})
	op.Finalize = func(output any) (any, error) {
		sig, err := signatureBytes(output)
		if err != nil {
			return nil, err
		}
		return unsigned.Assemble(sig)
	}
	return s.translator.Run(ctx, op)
}

// SignPersonalMessage signs msg (EIP-191). The success payload is a *MessageSignature.
func (s *Signer) SignPersonalMessage(ctx context.Context, from string, msg []byte) (<-chan SignFlowStatus, error) {
	acct, _, err := s.account(from)
	if err != nil {
		return nil, err
	}

	op := s.operation("sign_personal_message", Action{
		Type:           ActionSignPersonalMessage,
		AppName:        constants.EthereumAppName,
		DerivationPath: acct.DerivationPath,
		Payload:        msg,
	})
	op.Finalize = finalizeMessage
	return s.translator.Run(ctx, op)
}

// SignTypedData signs an EIP-712 v4 document. The success payload is a *MessageSignature.
func (s *Signer) SignTypedData(ctx context.Context, from string, typedDataJSON []byte) (<-chan SignFlowStatus, error) {
	acct, _, err := s.account(from)
	if err != nil {
		return nil, err
	}
	if _, err := TypedDataDigest(typedDataJSON); err != nil {
		return nil, err
	}

	op := s.operation("sign_typed_data", Action{
		Type:           ActionSignTypedData,
		AppName:        constants.EthereumAppName,
		DerivationPath: acct.DerivationPath,
		Payload:        typedDataJSON,
	})
	op.Finalize = finalizeMessage
	return s.translator.Run(ctx, op)
}

// GetAddress opens the Ethereum app and reads the address at path. It does not
// need a selected account. The success payload is a common.Address.
func (s *Signer) GetAddress(ctx context.Context, path string) (<-chan SignFlowStatus, error) {
	op := s.operation("get_address", Action{
		Type:           ActionGetAddress,
		AppName:        constants.EthereumAppName,
		DerivationPath: path,
	})
	op.AccountOptional = true
	return s.translator.Run(ctx, op)
}

func (s *Signer) operation(name string, sign Action) Operation {
	return Operation{
		Name: name,
		Steps: []Step{
			{
				Name: "open_app",
				Action: Action{
					Type:    ActionOpenAppWithDependencies,
					AppName: constants.EthereumAppName,
				},
				CompletedMessage: AppOpenedMessage,
			},
			{Name: name, Action: sign},
		},
	}
}

// account resolves the signing account, checking preconditions in the same
// order as Translator.Run so callers see the same error for the same state.
func (s *Signer) account(from string) (*session.Account, session.Context, error) {
	snap := s.sessions.Snapshot()
	if snap.ConnectedDevice == nil {
		return nil, snap, ErrConnection
	}
	if snap.SelectedAccount == nil {
		return nil, snap, ErrAccountNotSelected
	}
	if from = strings.TrimSpace(from); from != "" {
		if !common.IsHexAddress(from) || common.HexToAddress(from) != snap.SelectedAccount.Address {
			return nil, snap, errors.Wrapf(ErrInvalidRequest, "from %s is not the selected account", from)
		}
	}
	return snap.SelectedAccount, snap, nil
}

func finalizeMessage(output any) (any, error) {
	sig, err := signatureBytes(output)
	if err != nil {
		return nil, err
	}
	return normalizeMessageSignature(sig)
}

func signatureBytes(output any) ([]byte, error) {
	switch v := output.(type) {
	case []byte:
		return v, nil
	case Signature:
		return v.Bytes(), nil
	case *Signature:
		if v == nil {
			return nil, errors.New("nil signature")
		}
		return v.Bytes(), nil
	default:
		return nil, errors.Newf("unexpected signing output %T", output)
	}
}
