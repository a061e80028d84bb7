package devicekit

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
)

// Interactions reported while signing messages. They are not part of the
// hardware vocabulary, so the translator surfaces them as debugging.
const (
	InteractionSignPersonalMessage deviceaction.Interaction = "sign-personal-message"
	InteractionSignTypedData       deviceaction.Interaction = "sign-typed-data"
)

// Prompt is what the device would show on its screen.
type Prompt struct {
	SessionID   string
	Interaction deviceaction.Interaction
	Action      deviceaction.Action
}

// Confirmer approves prompts. Returning an error refuses the action.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) error
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, p Prompt) error

func (f ConfirmFunc) Confirm(ctx context.Context, p Prompt) error { return f(ctx, p) }

type session struct {
	id         string
	currentApp string
	locked     bool
	busy       bool
	watchers   map[chan deviceaction.SessionState]struct{}
}

func (s *session) state() deviceaction.SessionState {
	st := deviceaction.SessionState{DeviceStatus: deviceaction.DeviceConnected, CurrentApp: s.currentApp}
	switch {
	case s.busy:
		st.DeviceStatus = deviceaction.DeviceBusy
	case s.locked:
		st.DeviceStatus = deviceaction.DeviceLocked
	}
	return st
}

// Device implements deviceaction.SDK on top of a sealed Key.
type Device struct {
	key       *Key
	confirmer Confirmer
	name      string

	mu       sync.Mutex
	sessions map[string]*session
	lockNew  bool
}

type Option func(*Device)

// WithConfirmer routes every prompt through c. Without one prompts are
// approved automatically.
func WithConfirmer(c Confirmer) Option { return func(d *Device) { d.confirmer = c } }

// WithLocked starts every new session locked.
func WithLocked() Option { return func(d *Device) { d.lockNew = true } }

func WithName(name string) Option { return func(d *Device) { d.name = name } }

func New(key *Key, opts ...Option) *Device {
	d := &Device{
		key:      key,
		name:     "devicekit",
		sessions: map[string]*session{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Name() string { return d.name }

func (d *Device) Key() *Key { return d.key }

// Connect opens a session and returns its id.
func (d *Device) Connect() string {
	s := &session{
		id:       uuid.NewString(),
		locked:   d.lockNew,
		watchers: map[chan deviceaction.SessionState]struct{}{},
	}
	d.mu.Lock()
	d.sessions[s.id] = s
	d.mu.Unlock()
	log.Info("device session opened", "session_id", s.id, "address", d.key.Address().Hex())
	return s.id
}

// Disconnect ends a session. Watchers see NOT_CONNECTED, then their channel
// closes.
func (d *Device) Disconnect(sessionID string) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if ok {
		delete(d.sessions, sessionID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	gone := deviceaction.SessionState{DeviceStatus: deviceaction.DeviceNotConnected}
	d.mu.Lock()
	for ch := range s.watchers {
		select {
		case ch <- gone:
		default:
		}
		close(ch)
	}
	s.watchers = nil
	d.mu.Unlock()
	log.Info("device session closed", "session_id", sessionID)
}

func (d *Device) IsEnvironmentSupported() bool { return true }

// DeviceSessionState streams the session state, starting with the current one.
func (d *Device) DeviceSessionState(ctx context.Context, sessionID string) (<-chan deviceaction.SessionState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return nil, disconnected()
	}

	ch := make(chan deviceaction.SessionState, 8)
	ch <- s.state()
	s.watchers[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// notify must be called with d.mu held.
func (d *Device) notify(s *session) {
	st := s.state()
	for ch := range s.watchers {
		select {
		case ch <- st:
		default:
		}
	}
}

// ExecuteDeviceAction runs a on the session. One action runs at a time.
func (d *Device) ExecuteDeviceAction(ctx context.Context, sessionID string, a deviceaction.Action) (<-chan deviceaction.State, error) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if !ok {
		d.mu.Unlock()
		return nil, disconnected()
	}
	if s.busy {
		d.mu.Unlock()
		return nil, deviceaction.ErrDeviceBusy
	}
	s.busy = true
	d.notify(s)
	d.mu.Unlock()

	out := make(chan deviceaction.State, 4)
	go func() {
		defer close(out)
		defer func() {
			d.mu.Lock()
			s.busy = false
			d.notify(s)
			d.mu.Unlock()
		}()

		out <- deviceaction.Pending(deviceaction.InteractionNone)
		res, err := d.run(ctx, s, a, out)
		if err != nil {
			log.Warn("device action failed", "action", a.Type, "error", err)
			out <- deviceaction.Failed(err)
			return
		}
		out <- deviceaction.Completed(res)
	}()
	return out, nil
}

func (d *Device) run(ctx context.Context, s *session, a deviceaction.Action, out chan<- deviceaction.State) (any, error) {
	if a.Type != deviceaction.ActionGetAddress {
		if err := d.unlock(ctx, s, a, out); err != nil {
			return nil, err
		}
	}

	switch a.Type {
	case deviceaction.ActionOpenAppWithDependencies:
		d.mu.Lock()
		current := s.currentApp
		d.mu.Unlock()
		if current != a.AppName {
			if err := d.prompt(ctx, s, deviceaction.InteractionConfirmOpenApp, a, out); err != nil {
				return nil, err
			}
			d.mu.Lock()
			s.currentApp = a.AppName
			d.mu.Unlock()
		}
		return deviceaction.AppOpened{App: a.AppName}, nil

	case deviceaction.ActionGetAddress:
		return d.key.Address(), nil

	case deviceaction.ActionSignTransaction:
		return d.sign(ctx, s, a, deviceaction.InteractionSignTransaction, deviceaction.TransactionDigest(a.Payload), out)

	case deviceaction.ActionSignPersonalMessage:
		return d.sign(ctx, s, a, InteractionSignPersonalMessage, deviceaction.PersonalMessageDigest(a.Payload), out)

	case deviceaction.ActionSignTypedData:
		digest, err := deviceaction.TypedDataDigest(a.Payload)
		if err != nil {
			return nil, &deviceaction.DeviceError{Tag: deviceaction.TagUnknown, Message: "invalid typed data", Err: err}
		}
		return d.sign(ctx, s, a, InteractionSignTypedData, digest, out)

	case deviceaction.ActionAuthenticate:
		return d.sign(ctx, s, a, deviceaction.InteractionAllowSecureConnection, crypto.Keccak256(a.Payload), out)

	default:
		return nil, &deviceaction.DeviceError{Tag: deviceaction.TagUnknown, Message: "unsupported action " + string(a.Type)}
	}
}

func (d *Device) sign(ctx context.Context, s *session, a deviceaction.Action, i deviceaction.Interaction, digest []byte, out chan<- deviceaction.State) (any, error) {
	if a.Type != deviceaction.ActionAuthenticate {
		d.mu.Lock()
		current := s.currentApp
		d.mu.Unlock()
		if a.AppName != "" && current != a.AppName {
			return nil, &deviceaction.DeviceError{Tag: deviceaction.TagUnknown, Message: "app " + a.AppName + " is not open"}
		}
	}
	if err := d.prompt(ctx, s, i, a, out); err != nil {
		return nil, err
	}
	sig, err := d.key.SignHash(digest)
	if err != nil {
		return nil, &deviceaction.DeviceError{Tag: deviceaction.TagUnknown, Message: "sign", Err: err}
	}
	return sig, nil
}

func (d *Device) unlock(ctx context.Context, s *session, a deviceaction.Action, out chan<- deviceaction.State) error {
	d.mu.Lock()
	locked := s.locked
	d.mu.Unlock()
	if !locked {
		return nil
	}
	if err := d.prompt(ctx, s, deviceaction.InteractionUnlockDevice, a, out); err != nil {
		return &deviceaction.DeviceError{Tag: deviceaction.TagDeviceLocked, Message: "device locked", Err: err}
	}
	d.mu.Lock()
	s.locked = false
	d.mu.Unlock()
	return nil
}

// prompt emits the interaction and waits for the confirmer.
func (d *Device) prompt(ctx context.Context, s *session, i deviceaction.Interaction, a deviceaction.Action, out chan<- deviceaction.State) error {
	out <- deviceaction.Pending(i)
	if d.confirmer == nil {
		return nil
	}
	err := d.confirmer.Confirm(ctx, Prompt{SessionID: s.id, Interaction: i, Action: a})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &deviceaction.DeviceError{Tag: deviceaction.TagTimeout, Message: "prompt timed out", Err: err}
	default:
		return &deviceaction.DeviceError{Tag: deviceaction.TagUserRefused, Message: "refused on device", Err: err}
	}
}

// Lock locks the session, e.g. after an idle timeout.
func (d *Device) Lock(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[sessionID]; ok {
		s.locked = true
		s.currentApp = ""
		d.notify(s)
	}
}

func disconnected() error {
	return &deviceaction.DeviceError{Tag: deviceaction.TagDeviceDisconnected, Message: "no such device session"}
}
