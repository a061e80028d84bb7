package provider

import (
	"context"
	"slices"
	"sync"

	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-device-bridge/internal/session"
)

const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
	EventMessage         = "message"
)

// Listener receives an event payload.
type Listener func(payload any)

type ListenerID uint64

// ConnectInfo is the connect payload.
type ConnectInfo struct {
	ChainID string `json:"chainId"`
}

// Message is the message payload.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type emitter struct {
	mu        sync.Mutex
	next      ListenerID
	listeners map[string]map[ListenerID]Listener
	connected bool
}

func newEmitter() *emitter {
	return &emitter{listeners: map[string]map[ListenerID]Listener{}}
}

// On registers fn for event and returns an id for RemoveListener.
func (p *Provider) On(event string, fn Listener) ListenerID {
	e := p.events
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	if e.listeners[event] == nil {
		e.listeners[event] = map[ListenerID]Listener{}
	}
	e.listeners[event][e.next] = fn
	return e.next
}

func (p *Provider) RemoveListener(event string, id ListenerID) {
	e := p.events
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners[event], id)
}

// Connected reports whether connect was emitted more recently than disconnect.
func (p *Provider) Connected() bool {
	p.events.mu.Lock()
	defer p.events.mu.Unlock()
	return p.events.connected
}

func (e *emitter) emit(event string, payload any) {
	e.mu.Lock()
	fns := make([]Listener, 0, len(e.listeners[event]))
	for _, fn := range e.listeners[event] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// setConnected emits connect or disconnect only on a change.
func (e *emitter) setConnected(connected bool, payload any) {
	e.mu.Lock()
	changed := e.connected != connected
	e.connected = connected
	e.mu.Unlock()

	if !changed {
		return
	}
	if connected {
		e.emit(EventConnect, payload)
	} else {
		e.emit(EventDisconnect, payload)
	}
}

// Run derives provider events from the session context until ctx is done.
func (p *Provider) Run(ctx context.Context) {
	sub := p.sessions.Observe()
	defer sub.Unsubscribe()

	var prev *session.Context
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				log.Warn("provider event pump stopped", "error", err)
			}
			return
		case next, ok := <-sub.C:
			if !ok {
				return
			}
			p.diff(prev, next)
			prev = &next
		}
	}
}

func (p *Provider) diff(prev *session.Context, next session.Context) {
	if prev == nil {
		if next.ConnectedDevice != nil {
			p.events.setConnected(true, ConnectInfo{ChainID: next.ChainIDHex()})
		}
		return
	}

	if prev.ChainID != next.ChainID {
		p.events.emit(EventChainChanged, next.ChainIDHex())
	}
	if accounts := next.Accounts(); !slices.Equal(prev.Accounts(), accounts) {
		p.events.emit(EventAccountsChanged, accounts)
	}
	if prev.TrustChainID != next.TrustChainID {
		if next.TrustChainID != "" {
			p.events.emit(EventMessage, Message{Type: "trustchain_connected", Data: next.TrustChainID})
		} else {
			p.events.emit(EventMessage, Message{Type: "trustchain_disconnected"})
		}
	}

	switch {
	case next.ConnectedDevice != nil:
		p.events.setConnected(true, ConnectInfo{ChainID: next.ChainIDHex()})
	case prev.ConnectedDevice != nil:
		p.events.setConnected(false, newRPCError(CodeDisconnected, "The device was disconnected."))
	}
}
