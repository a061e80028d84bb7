package deviceaction

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TransactionParams is an eth_sendTransaction / eth_signTransaction object.
// Quantities are 0x-prefixed hex.
type TransactionParams struct {
	From                 string `json:"from"`
	To                   string `json:"to,omitempty"`
	Value                string `json:"value,omitempty"`
	Data                 string `json:"data,omitempty"`
	Input                string `json:"input,omitempty"`
	Gas                  string `json:"gas,omitempty"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                string `json:"nonce,omitempty"`
	ChainID              string `json:"chainId,omitempty"`
}

// Dynamic reports whether the params describe an EIP-1559 transaction.
func (p TransactionParams) Dynamic() bool {
	return p.MaxFeePerGas != "" || p.MaxPriorityFeePerGas != ""
}

// UnsignedTx is a transaction ready to be shown on the device.
type UnsignedTx struct {
	ChainID *big.Int
	Tx      *types.Transaction
	// Payload is the signing payload: RLP for legacy, type byte plus RLP for typed.
	Payload []byte
}

// BuildUnsignedTx validates p and derives the device payload. Nonce and gas
// must already be present; chainID is used when p carries none.
func BuildUnsignedTx(p TransactionParams, chainID uint64) (*UnsignedTx, error) {
	if p.Nonce == "" || p.Gas == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "transaction needs nonce and gas")
	}

	nonce, err := decodeUint64(p.Nonce)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "nonce: %v", err)
	}
	gas, err := decodeUint64(p.Gas)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "gas: %v", err)
	}
	value, err := decodeQuantity(p.Value)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "value: %v", err)
	}

	dataHex := p.Data
	if dataHex == "" {
		dataHex = p.Input
	}
	var data []byte
	if dataHex != "" {
		if data, err = hexutil.Decode(dataHex); err != nil {
			return nil, errors.Wrapf(ErrInvalidRequest, "data: %v", err)
		}
	}

	var to *common.Address
	if strings.TrimSpace(p.To) != "" {
		if !common.IsHexAddress(p.To) {
			return nil, errors.Wrapf(ErrInvalidRequest, "invalid to address %q", p.To)
		}
		addr := common.HexToAddress(p.To)
		to = &addr
	}

	cid := new(big.Int).SetUint64(chainID)
	if p.ChainID != "" {
		if cid, err = decodeQuantity(p.ChainID); err != nil {
			return nil, errors.Wrapf(ErrInvalidRequest, "chainId: %v", err)
		}
	}
	if cid.Sign() <= 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "missing chain id")
	}

	if p.Dynamic() {
		feeCap, err := decodeQuantity(p.MaxFeePerGas)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidRequest, "maxFeePerGas: %v", err)
		}
		tip, err := decodeQuantity(p.MaxPriorityFeePerGas)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidRequest, "maxPriorityFeePerGas: %v", err)
		}
		if feeCap.Cmp(tip) < 0 {
			tip = new(big.Int).Set(feeCap)
		}

		payload, err := rlp.EncodeToBytes([]any{cid, nonce, tip, feeCap, gas, to, value, data, types.AccessList{}})
		if err != nil {
			return nil, errors.Wrap(err, "encode dynamic fee tx")
		}
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   cid,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        to,
			Value:     value,
			Data:      data,
		})
		return &UnsignedTx{ChainID: cid, Tx: tx, Payload: append([]byte{types.DynamicFeeTxType}, payload...)}, nil
	}

	gasPrice, err := decodeQuantity(p.GasPrice)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "gasPrice: %v", err)
	}
	payload, err := rlp.EncodeToBytes([]any{nonce, gasPrice, gas, to, value, data, cid, uint(0), uint(0)})
	if err != nil {
		return nil, errors.Wrap(err, "encode legacy tx")
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       to,
		Value:    value,
		Data:     data,
	})
	return &UnsignedTx{ChainID: cid, Tx: tx, Payload: payload}, nil
}

// SignedTransaction is the success payload of a transaction signing flow.
type SignedTransaction struct {
	Raw       hexutil.Bytes `json:"raw"`
	Hash      common.Hash   `json:"hash"`
	Signature hexutil.Bytes `json:"signature"`
}

// Assemble attaches a 65 byte [R || S || V] signature, V in {0,1}.
func (u *UnsignedTx) Assemble(sig []byte) (*SignedTransaction, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, errors.Newf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	signed, err := u.Tx.WithSignature(types.LatestSignerForChainID(u.ChainID), sig)
	if err != nil {
		return nil, errors.Wrap(err, "attach signature")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode signed tx")
	}
	return &SignedTransaction{Raw: raw, Hash: signed.Hash(), Signature: sig}, nil
}

// TransactionDigest is the hash a device signs for a transaction payload.
func TransactionDigest(payload []byte) []byte {
	return crypto.Keccak256(payload)
}

// PersonalMessageDigest is the EIP-191 personal_sign digest.
func PersonalMessageDigest(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// TypedDataDigest is the EIP-712 v4 digest of typedDataJSON.
func TypedDataDigest(typedDataJSON []byte) ([]byte, error) {
	var td apitypes.TypedData
	if err := json.Unmarshal(typedDataJSON, &td); err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "typed data json: %v", err)
	}

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "domain hash: %v", err)
	}
	msgHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "message hash: %v", err)
	}

	// keccak256("\x19\x01" || domainSeparator || msgHash)
	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, msgHash), nil
}

// MessageSignature is the success payload of message signing flows.
// V is 27/28 as dapps expect.
type MessageSignature struct {
	Signature hexutil.Bytes `json:"signature"`
}

func normalizeMessageSignature(sig []byte) (*MessageSignature, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, errors.Newf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	out := make([]byte, len(sig))
	copy(out, sig)
	if out[64] < 27 {
		out[64] += 27
	}
	return &MessageSignature{Signature: out}, nil
}

// decodeQuantity accepts 0x-prefixed hex with or without leading zeros; an
// empty string is zero.
func decodeQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, ok := new(big.Int).SetString(digits, 16)
	if !ok || digits == "" || n.Sign() < 0 {
		return nil, errors.Newf("invalid quantity %q", s)
	}
	return n, nil
}

func decodeUint64(s string) (uint64, error) {
	n, err := decodeQuantity(s)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, errors.Newf("quantity %q overflows uint64", s)
	}
	return n.Uint64(), nil
}
