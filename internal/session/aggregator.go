package session

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

const observeBuffer = 32

// Aggregator owns the session Context. Apply is the only mutation path.
//
// Subscribers receive Context values that must be treated as read-only; they
// are never mutated after delivery. A subscriber that stops draining its
// channel blocks Apply.
type Aggregator struct {
	mu    sync.Mutex
	state Context
	feed  event.FeedOf[Context]
}

// Subscription delivers the current Context followed by every later one.
type Subscription struct {
	C   <-chan Context
	sub event.Subscription
}

func (s *Subscription) Unsubscribe() { s.sub.Unsubscribe() }

func (s *Subscription) Err() <-chan error { return s.sub.Err() }

func NewAggregator(initial Context) *Aggregator {
	return &Aggregator{state: initial.clone()}
}

// Apply reduces ev into the current state and publishes the result.
func (a *Aggregator) Apply(ev Event) Context {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = Reduce(a.state, ev)
	log.Info("session context updated", "event", ev.EventName(),
		"device", a.state.SessionID() != "",
		"account", a.state.SelectedAccount != nil,
		"chain_id", a.state.ChainID,
	)

	a.feed.Send(a.state)
	return a.state
}

// Snapshot returns the current state.
func (a *Aggregator) Snapshot() Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.clone()
}

// Observe subscribes to state changes, replaying the current state first.
func (a *Aggregator) Observe() *Subscription {
	ch := make(chan Context, observeBuffer)

	a.mu.Lock()
	defer a.mu.Unlock()

	ch <- a.state
	return &Subscription{C: ch, sub: a.feed.Subscribe(ch)}
}
