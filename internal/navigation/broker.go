// Package navigation hands UI intents (account selection, signing screens)
// to whichever UI is attached and routes each completion back to the request
// that opened it, by correlation id.
package navigation

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

type Kind string

const (
	KindAccountSelector Kind = "account-selector"
	KindSignTransaction Kind = "sign-transaction"
	KindSignTypedData   Kind = "sign-typed-data"
	KindSignMessage     Kind = "sign-message"
)

var (
	ErrUnknownIntent = errors.New("unknown or already resolved intent")
	ErrRejected      = errors.New("intent rejected by user")
	ErrCancelled     = errors.New("intent cancelled")
)

// Intent asks the UI to show a screen. Params is kind specific.
type Intent struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Params    json.RawMessage `json:"params,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Completion resolves an Intent. Exactly one of Result and Err is set.
type Completion struct {
	IntentID string
	Result   json.RawMessage
	Err      error
}

type pending struct {
	intent Intent
	done   chan Completion
}

// Broker tracks open intents. Each intent resolves exactly once.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
	feed    event.FeedOf[Intent]
}

func NewBroker() *Broker {
	return &Broker{pending: map[string]*pending{}}
}

// Open registers an intent, announces it to subscribers and returns the
// channel its completion arrives on.
func (b *Broker) Open(kind Kind, params any) (Intent, <-chan Completion, error) {
	var raw json.RawMessage
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return Intent{}, nil, errors.Wrap(err, "marshal intent params")
		}
	}

	p := &pending{
		intent: Intent{
			ID:        uuid.NewString(),
			Kind:      kind,
			Params:    raw,
			CreatedAt: time.Now().UTC(),
		},
		done: make(chan Completion, 1),
	}

	b.mu.Lock()
	b.pending[p.intent.ID] = p
	b.mu.Unlock()

	log.Info("ui intent opened", "id", p.intent.ID, "kind", kind)
	b.feed.Send(p.intent)
	return p.intent, p.done, nil
}

func (b *Broker) resolve(c Completion) error {
	b.mu.Lock()
	p, ok := b.pending[c.IntentID]
	if ok {
		delete(b.pending, c.IntentID)
	}
	b.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrUnknownIntent, "intent %s", c.IntentID)
	}
	p.done <- c
	close(p.done)
	return nil
}

// Complete resolves id with result.
func (b *Broker) Complete(id string, result json.RawMessage) error {
	log.Info("ui intent completed", "id", id)
	return b.resolve(Completion{IntentID: id, Result: result})
}

// Reject resolves id with ErrRejected.
func (b *Broker) Reject(id, reason string) error {
	log.Info("ui intent rejected", "id", id, "reason", reason)
	err := ErrRejected
	if reason != "" {
		err = errors.Wrap(ErrRejected, reason)
	}
	return b.resolve(Completion{IntentID: id, Err: err})
}

// Cancel resolves id with ErrCancelled, typically because the requester went away.
func (b *Broker) Cancel(id string) error {
	return b.resolve(Completion{IntentID: id, Err: ErrCancelled})
}

// CancelAll cancels every open intent.
func (b *Broker) CancelAll() {
	for _, in := range b.Pending() {
		_ = b.Cancel(in.ID)
	}
}

func (b *Broker) Get(id string) (Intent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return Intent{}, false
	}
	return p.intent, true
}

// Pending returns open intents, oldest first.
func (b *Broker) Pending() []Intent {
	b.mu.Lock()
	out := make([]Intent, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.intent)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Subscribe delivers every intent opened after the call. A subscriber that
// does not drain ch blocks Open.
func (b *Broker) Subscribe(ch chan<- Intent) event.Subscription {
	return b.feed.Subscribe(ch)
}
