package deviceaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-device-bridge/internal/session"
)

const statusBuffer = 16

// ContextReader is the read side of the session aggregator.
type ContextReader interface {
	Snapshot() session.Context
	Observe() *session.Subscription
}

// Step is one device action of an Operation. CompletedMessage is emitted as a
// debugging status when a non-final step completes.
type Step struct {
	Name             string
	Action           Action
	CompletedMessage string
}

// Operation is a chain of device actions. Only the final step's completion is
// a success; Finalize, when set, maps its output to the success payload.
type Operation struct {
	Name            string
	Steps           []Step
	AccountOptional bool
	Finalize        func(output any) (any, error)
}

// Translator runs Operations against the device SDK, one at a time.
type Translator struct {
	sdk      SDK
	sessions ContextReader

	mu   sync.Mutex
	busy bool
}

func NewTranslator(sdk SDK, sessions ContextReader) *Translator {
	return &Translator{sdk: sdk, sessions: sessions}
}

// Busy reports whether a device invocation is in flight.
func (t *Translator) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

// Run checks the preconditions and starts op. Precondition failures are
// returned synchronously; everything after start arrives on the channel, which
// is closed after the terminal status. Cancelling ctx stops delivery but the
// dispatched device action is left to finish, and the translator stays busy
// until it does.
func (t *Translator) Run(ctx context.Context, op Operation) (<-chan SignFlowStatus, error) {
	if len(op.Steps) == 0 {
		return nil, errors.Wrapf(ErrInvalidRequest, "operation %q has no steps", op.Name)
	}

	snap := t.sessions.Snapshot()
	if snap.ConnectedDevice == nil {
		return nil, ErrConnection
	}
	if snap.SelectedAccount == nil && !op.AccountOptional {
		return nil, ErrAccountNotSelected
	}

	t.mu.Lock()
	if t.busy {
		t.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	t.busy = true
	t.mu.Unlock()

	out := make(chan SignFlowStatus, statusBuffer)
	go t.run(ctx, snap.SessionID(), op, out)
	return out, nil
}

func (t *Translator) release() {
	t.mu.Lock()
	t.busy = false
	t.mu.Unlock()
}

func (t *Translator) run(ctx context.Context, sessionID string, op Operation, out chan<- SignFlowStatus) {
	defer close(out)
	defer t.release()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	disconnected := t.watchDisconnect(watchCtx, sessionID)

	deviceCtx := context.WithoutCancel(ctx)
	detached := false

	emit := func(s SignFlowStatus) {
		if detached {
			return
		}
		if ctx.Err() != nil {
			detached = true
			return
		}
		select {
		case out <- s:
		case <-ctx.Done():
			detached = true
		}
	}

	for i, step := range op.Steps {
		final := i == len(op.Steps)-1
		if detached {
			log.Info("device flow abandoned by caller", "operation", op.Name, "next_step", step.Name)
			return
		}

		states, err := t.sdk.ExecuteDeviceAction(deviceCtx, sessionID, step.Action)
		if err != nil {
			log.Warn("device refused action", "operation", op.Name, "step", step.Name, "error", err)
			emit(Error(dispatchError(step.Name, err)))
			return
		}

		if !t.follow(op, step, final, states, disconnected, emit) {
			return
		}
	}
}

// follow consumes one step's state stream. It returns true when the step
// completed and the next step should start.
func (t *Translator) follow(op Operation, step Step, final bool, states <-chan State, disconnected <-chan struct{}, emit func(SignFlowStatus)) bool {
	for {
		select {
		case st, ok := <-states:
			if !ok {
				emit(Error(signingError(step.Name, errors.New("device action ended without a result"))))
				return false
			}

			switch st.Status {
			case StatusPending:
				switch {
				case st.Interaction.isNone():
				case st.Interaction.Known():
					emit(UserInteractionNeeded(st.Interaction))
				default:
					emit(Debugging(fmt.Sprintf("unhandled device interaction %q", st.Interaction)))
				}

			case StatusCompleted:
				if !final {
					msg := step.CompletedMessage
					if msg == "" {
						msg = step.Name + " completed"
					}
					emit(Debugging(msg))
					return true
				}
				result := st.Output
				if op.Finalize != nil {
					var err error
					if result, err = op.Finalize(st.Output); err != nil {
						emit(Error(signingError(step.Name, err)))
						return false
					}
				}
				emit(Success(result))
				return false

			case StatusError:
				log.Warn("device action failed", "operation", op.Name, "step", step.Name, "tag", ErrorTag(st.Err), "error", st.Err)
				emit(Error(signingError(step.Name, st.Err)))
				return false

			default:
				emit(Debugging(fmt.Sprintf("unhandled device action status %s", st.Status)))
			}

		case <-disconnected:
			log.Warn("device disconnected mid-flow", "operation", op.Name, "step", step.Name)
			emit(Error(connectionError(step.Name)))
			go drain(states)
			return false
		}
	}
}

// watchDisconnect closes the returned channel once the device behind
// sessionID goes away, as reported by either the SDK or the session context.
func (t *Translator) watchDisconnect(ctx context.Context, sessionID string) <-chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	fire := func() { once.Do(func() { close(done) }) }

	if states, err := t.sdk.DeviceSessionState(ctx, sessionID); err == nil && states != nil {
		go func() {
			for {
				select {
				case s, ok := <-states:
					if !ok {
						return
					}
					if s.DeviceStatus == DeviceNotConnected {
						fire()
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	sub := t.sessions.Observe()
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case c := <-sub.C:
				if c.SessionID() != sessionID {
					fire()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return done
}

func drain(states <-chan State) {
	for range states {
	}
}
