// Package backend talks to the Ethereum node the provider forwards to.
package backend

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/qa_evm"
	"github.com/quantumauth-io/quantum-go-utils/retry"

	"github.com/quantumauth-io/quantum-device-bridge/internal/provider"
)

const defaultDialTimeout = 30 * time.Second

// Client forwards provider requests to a node and keeps the latest header.
type Client struct {
	url     string
	rpc     *rpc.Client
	eth     qa_evm.BlockchainClient
	chainID uint64

	latestHeader             atomic.Pointer[types.Header]
	timeReceivedLatestHeader atomic.Pointer[time.Time]
}

// Dial connects to url, retrying until the node answers eth_chainId or ctx
// (bounded by a default timeout) expires.
func Dial(ctx context.Context, url string) (*Client, error) {
	if url == "" {
		return nil, errors.New("backend: empty node url")
	}
	ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	cfg := retry.DefaultConfig()
	cfg.InitialDelayBeforeRetrying = 200 * time.Millisecond
	cfg.MaxDelayBeforeRetrying = 5 * time.Second

	res, err := retry.Retry(ctx, cfg,
		func(ctx context.Context) ([]interface{}, error) {
			rc, err := rpc.DialContext(ctx, url)
			if err != nil {
				return nil, err
			}
			eclient := ethclient.NewClient(rc)
			id, err := eclient.ChainID(ctx)
			if err != nil {
				rc.Close()
				return nil, err
			}
			return []interface{}{rc, eclient, id.Uint64()}, nil
		},
		nil,
		"dial node")
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to connect to node at %s", url)
	}

	c := &Client{
		url:     url,
		rpc:     res[0].(*rpc.Client),
		eth:     res[1].(*ethclient.Client),
		chainID: res[2].(uint64),
	}
	log.Info("connected to node", "url", url, "chain_id", c.chainID)
	return c, nil
}

// ChainID is the chain id the node reported when dialled.
func (c *Client) ChainID() uint64 { return c.chainID }

func (c *Client) URL() string { return c.url }

// Broadcast sends req to the node. JSON-RPC errors from the node come back in
// the response; transport failures are returned as err.
func (c *Client) Broadcast(ctx context.Context, req provider.JSONRPCRequest) (provider.JSONRPCResponse, error) {
	resp := provider.JSONRPCResponse{JSONRPC: req.JSONRPC, ID: req.ID}

	var args []json.RawMessage
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &args); err != nil {
			resp.Error = &provider.RPCError{Code: provider.CodeInvalidParams, Message: "params must be an array"}
			return resp, nil
		}
	}
	callArgs := make([]interface{}, len(args))
	for i, a := range args {
		callArgs[i] = a
	}

	var result json.RawMessage
	err := c.rpc.CallContext(ctx, &result, req.Method, callArgs...)
	if err == nil {
		resp.Result = result
		return resp, nil
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		resp.Error = &provider.RPCError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			resp.Error.Data = dataErr.ErrorData()
		}
		return resp, nil
	}
	return resp, errors.Wrapf(err, "node call %s", req.Method)
}

// Close stops the RPC client.
func (c *Client) Close() {
	c.rpc.Close()
}
