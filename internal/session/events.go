package session

import "fmt"

// Event is the closed set of context transitions.
type Event interface {
	EventName() string
	apply(Context) Context
}

type InitializeContext struct {
	Snapshot Context
}

type DeviceConnected struct {
	Device DeviceRef
}

type DeviceDisconnected struct{}

type AccountChanged struct {
	Account *Account
}

type ChainChanged struct {
	ChainID uint64
}

type TrustChainConnected struct {
	TrustChainID    string
	ApplicationPath string
}

type WalletDisconnected struct{}

func (InitializeContext) EventName() string   { return "initialize_context" }
func (DeviceConnected) EventName() string     { return "device_connected" }
func (DeviceDisconnected) EventName() string  { return "device_disconnected" }
func (AccountChanged) EventName() string      { return "account_changed" }
func (ChainChanged) EventName() string        { return "chain_changed" }
func (TrustChainConnected) EventName() string { return "trustchain_connected" }
func (WalletDisconnected) EventName() string  { return "wallet_disconnected" }

func (e InitializeContext) apply(Context) Context {
	return e.Snapshot.clone()
}

func (e DeviceConnected) apply(c Context) Context {
	if e.Device.SessionID == "" {
		panic("session: device_connected without session id")
	}
	d := e.Device
	c.ConnectedDevice = &d
	return c
}

func (DeviceDisconnected) apply(c Context) Context {
	c.ConnectedDevice = nil
	return c
}

func (e AccountChanged) apply(c Context) Context {
	if e.Account == nil {
		panic("session: account_changed without account")
	}
	a := *e.Account
	c.SelectedAccount = &a
	return c
}

func (e ChainChanged) apply(c Context) Context {
	if e.ChainID == 0 {
		panic("session: chain_changed with chain id 0")
	}
	c.ChainID = e.ChainID
	return c
}

func (e TrustChainConnected) apply(c Context) Context {
	if e.TrustChainID == "" {
		panic("session: trustchain_connected without trust chain id")
	}
	c.TrustChainID = e.TrustChainID
	c.ApplicationPath = e.ApplicationPath
	return c
}

func (WalletDisconnected) apply(c Context) Context {
	c.SelectedAccount = nil
	c.TrustChainID = ""
	c.ApplicationPath = ""
	return c
}

// Reduce applies ev to c. It never mutates c.
func Reduce(c Context, ev Event) Context {
	if ev == nil {
		panic(fmt.Sprintf("session: nil event applied to %+v", c))
	}
	return ev.apply(c.clone())
}
