// Package session holds the single source of truth for what is currently
// connected and selected. State changes only by applying events.
package session

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DeviceRef identifies a connected hardware device session.
type DeviceRef struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Account is a selected signing account on the device.
type Account struct {
	Address        common.Address `json:"address"`
	DerivationPath string         `json:"derivationPath,omitempty"`
	Name           string         `json:"name,omitempty"`
}

// Context is the aggregated session state. Empty fields mean "nothing".
type Context struct {
	ConnectedDevice *DeviceRef `json:"connectedDevice,omitempty"`
	SelectedAccount *Account   `json:"selectedAccount,omitempty"`
	TrustChainID    string     `json:"trustChainId,omitempty"`
	ApplicationPath string     `json:"applicationPath,omitempty"`
	ChainID         uint64     `json:"chainId"`
}

// Empty returns the start-of-process context.
func Empty(chainID uint64) Context {
	return Context{ChainID: chainID}
}

func (c Context) SessionID() string {
	if c.ConnectedDevice == nil {
		return ""
	}
	return c.ConnectedDevice.SessionID
}

func (c Context) ChainIDHex() string {
	return hexutil.EncodeUint64(c.ChainID)
}

// Accounts returns the EIP-1193 accounts list (lowercase hex).
func (c Context) Accounts() []string {
	if c.SelectedAccount == nil {
		return []string{}
	}
	return []string{strings.ToLower(c.SelectedAccount.Address.Hex())}
}

// clone detaches pointer fields so subscribers never share mutable state.
func (c Context) clone() Context {
	out := c
	if c.ConnectedDevice != nil {
		d := *c.ConnectedDevice
		out.ConnectedDevice = &d
	}
	if c.SelectedAccount != nil {
		a := *c.SelectedAccount
		out.SelectedAccount = &a
	}
	return out
}
