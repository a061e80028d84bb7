// Package bridge owns the long-lived components and the transitions between
// device, wallet and trust chain sessions.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-device-bridge/internal/credentials"
	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
	"github.com/quantumauth-io/quantum-device-bridge/internal/navigation"
	"github.com/quantumauth-io/quantum-device-bridge/internal/provider"
	"github.com/quantumauth-io/quantum-device-bridge/internal/securefile"
	"github.com/quantumauth-io/quantum-device-bridge/internal/session"
	"github.com/quantumauth-io/quantum-device-bridge/internal/trustchain"
)

var (
	ErrNotStarted   = errors.New("bridge not started")
	ErrNoDevice     = errors.New("no device configured")
	ErrNotConnected = errors.New("no device session to disconnect")
)

// Device is a device SDK the bridge can open and close sessions on.
type Device interface {
	deviceaction.SDK
	Name() string
	Connect() string
	Disconnect(sessionID string)
}

// HeadTracker keeps a chain head fresh in the background.
type HeadTracker interface {
	TrackHead(ctx context.Context, interval time.Duration) error
}

// KeyringRejection reports whether err means the keyring no longer accepts the
// stored trust chain.
type KeyringRejection func(err error) bool

type Config struct {
	ChainID          uint64
	TrustChainTTL    time.Duration
	HeadPollInterval time.Duration
}

type Deps struct {
	Backend credentials.Backend
	Sealer  securefile.Sealer
	Keyring trustchain.KeyringClient

	// Optional.
	Device      Device
	Broadcaster provider.Broadcaster
	Head        HeadTracker
	GenerateKey credentials.KeyGenerator
	Rejected    KeyringRejection
}

// services are rebuilt on wallet disconnect.
type services struct {
	signer *deviceaction.Signer
	auth   *trustchain.Authenticator
}

type Bridge struct {
	cfg  Config
	deps Deps

	sessions *session.Aggregator
	store    *credentials.Store
	keychain *credentials.Keychain
	broker   *navigation.Broker
	provider *provider.Provider

	// translator owns the device busy guard and outlives services.
	translator *deviceaction.Translator

	mu      sync.Mutex
	svc     services
	started bool
	cancel  context.CancelFunc
	watch   context.CancelFunc
}

func New(cfg Config, deps Deps) (*Bridge, error) {
	if deps.Backend == nil {
		return nil, errors.New("bridge: credential backend is required")
	}
	if deps.Sealer == nil {
		return nil, errors.New("bridge: sealer is required")
	}
	if deps.Keyring == nil {
		return nil, errors.New("bridge: keyring client is required")
	}
	if cfg.TrustChainTTL == 0 {
		cfg.TrustChainTTL = trustchain.DefaultTTL
	}

	store := credentials.NewStore(deps.Backend)
	b := &Bridge{
		cfg:      cfg,
		deps:     deps,
		sessions: session.NewAggregator(session.Empty(cfg.ChainID)),
		store:    store,
		keychain: credentials.NewKeychain(store, deps.Sealer, deps.GenerateKey),
		broker:   navigation.NewBroker(),
	}
	if deps.Device != nil {
		b.translator = deviceaction.NewTranslator(deps.Device, b.sessions)
	}
	b.svc = b.newServices()
	b.provider = provider.New(b.sessions, b.broker, deps.Broadcaster, b.svc.providerSigner())
	return b, nil
}

func (b *Bridge) newServices() services {
	var svc services
	if b.translator != nil {
		svc.signer = deviceaction.NewSigner(b.translator, b.sessions)
	}
	svc.auth = trustchain.NewAuthenticator(b.deps.Keyring, b.store, b.keychain, b.sessions,
		trustchain.WithTTL(b.cfg.TrustChainTTL))
	return svc
}

func (s services) providerSigner() provider.Signer {
	if s.signer == nil {
		return nil
	}
	return s.signer
}

// Start opens and migrates the credential store, restores the session context
// from a live trust chain and starts the background loops. They stop with ctx
// or Close.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	if err := b.store.Open(ctx); err != nil {
		return errors.Wrap(err, "open credential store")
	}
	if err := b.keychain.Migrate(ctx); err != nil {
		return err
	}
	if err := b.rehydrate(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.provider.Run(runCtx)
	if b.deps.Head != nil && b.cfg.HeadPollInterval > 0 {
		go func() {
			if err := b.deps.Head.TrackHead(runCtx, b.cfg.HeadPollInterval); err != nil && runCtx.Err() == nil {
				log.Warn("chain head tracking stopped", "error", err)
			}
		}()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	b.started = true
	log.Info("bridge started", "chain_id", b.cfg.ChainID, "trust_chain_id", b.sessions.Snapshot().TrustChainID)
	return nil
}

func (b *Bridge) rehydrate(ctx context.Context) error {
	snap := session.Empty(b.cfg.ChainID)

	rec, err := b.store.TrustChainID(ctx)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
	case err != nil:
		return errors.Wrap(err, "read trust chain id")
	case rec.Expired(b.cfg.TrustChainTTL, time.Now()):
		log.Info("stored trust chain expired", "trust_chain_id", rec.ID, "saved_at", rec.SavedAt)
		if err := b.store.RemoveTrustChainID(ctx); err != nil {
			return errors.Wrap(err, "remove expired trust chain id")
		}
	default:
		snap.TrustChainID = rec.ID
	}

	b.sessions.Apply(session.InitializeContext{Snapshot: snap})
	return nil
}

// Close stops the background loops, drops any device session and closes the
// credential store.
func (b *Bridge) Close() error {
	b.mu.Lock()
	cancel, watch := b.cancel, b.watch
	b.cancel, b.watch = nil, nil
	b.started = false
	b.mu.Unlock()

	if watch != nil {
		watch()
	}
	if cancel != nil {
		cancel()
	}
	if sid := b.sessions.Snapshot().SessionID(); sid != "" && b.deps.Device != nil {
		b.deps.Device.Disconnect(sid)
	}
	b.broker.CancelAll()
	return b.store.Close()
}

func (b *Bridge) Sessions() *session.Aggregator { return b.sessions }

func (b *Bridge) Store() *credentials.Store { return b.store }

func (b *Bridge) Keychain() *credentials.Keychain { return b.keychain }

func (b *Bridge) Broker() *navigation.Broker { return b.broker }

func (b *Bridge) Provider() *provider.Provider { return b.provider }

func (b *Bridge) Authenticator() *trustchain.Authenticator {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.svc.auth
}

func (b *Bridge) Signer() *deviceaction.Signer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.svc.signer
}

// ConnectDevice opens a device session and makes it the connected device.
// The session is watched: when the device reports it is gone the context
// drops it.
func (b *Bridge) ConnectDevice(ctx context.Context) (session.DeviceRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return session.DeviceRef{}, ErrNotStarted
	}
	if b.deps.Device == nil {
		return session.DeviceRef{}, ErrNoDevice
	}
	if !b.deps.Device.IsEnvironmentSupported() {
		return session.DeviceRef{}, errors.Wrap(ErrNoDevice, "environment not supported")
	}

	if old := b.sessions.Snapshot().SessionID(); old != "" {
		b.dropDeviceLocked(old)
	}

	sid := b.deps.Device.Connect()
	ref := session.DeviceRef{SessionID: sid, Name: b.deps.Device.Name()}

	watchCtx, cancel := context.WithCancel(context.Background())
	states, err := b.deps.Device.DeviceSessionState(watchCtx, sid)
	if err != nil {
		cancel()
		b.deps.Device.Disconnect(sid)
		return session.DeviceRef{}, errors.Wrap(err, "watch device session")
	}
	b.watch = cancel
	go b.watchDevice(sid, states)

	b.sessions.Apply(session.DeviceConnected{Device: ref})
	log.Info("device connected", "session_id", sid, "name", ref.Name)
	return ref, nil
}

func (b *Bridge) watchDevice(sid string, states <-chan deviceaction.SessionState) {
	for st := range states {
		if st.DeviceStatus == deviceaction.DeviceNotConnected {
			break
		}
	}
	if b.sessions.Snapshot().SessionID() == sid {
		log.Info("device went away", "session_id", sid)
		b.sessions.Apply(session.DeviceDisconnected{})
	}
}

// DisconnectDevice closes the current device session. The selected account is
// kept.
func (b *Bridge) DisconnectDevice(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sid := b.sessions.Snapshot().SessionID()
	if sid == "" {
		return ErrNotConnected
	}
	b.dropDeviceLocked(sid)
	return nil
}

func (b *Bridge) dropDeviceLocked(sid string) {
	b.sessions.Apply(session.DeviceDisconnected{})
	if b.watch != nil {
		b.watch()
		b.watch = nil
	}
	if b.deps.Device != nil {
		b.deps.Device.Disconnect(sid)
	}
	log.Info("device disconnected", "session_id", sid)
}

// DisconnectWallet forgets the account and the trust chain, and rebuilds the
// signing and authentication services. The device session stays.
func (b *Bridge) DisconnectWallet(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.svc.auth.Logout()
	b.broker.CancelAll()

	var err error
	if rmErr := b.store.RemoveTrustChainID(ctx); rmErr != nil {
		err = errors.Wrap(rmErr, "remove trust chain id")
	}

	b.sessions.Apply(session.WalletDisconnected{})
	b.svc = b.newServices()
	b.provider.SetSigner(b.svc.providerSigner())
	log.Info("wallet disconnected")
	return err
}

// Authenticate runs the trust chain authentication. When the keyring refuses
// a stored trust chain, the id is dropped and the wallet context reset so the
// next attempt bootstraps.
func (b *Bridge) Authenticate(ctx context.Context) <-chan trustchain.AuthStatus {
	auth := b.Authenticator()
	rejoin := b.sessions.Snapshot().TrustChainID != ""
	in := auth.Authenticate(ctx)
	if !rejoin || b.deps.Rejected == nil {
		return in
	}

	out := make(chan trustchain.AuthStatus, 1)
	go func() {
		defer close(out)
		for st := range in {
			if st.Kind == trustchain.StatusFailed && b.deps.Rejected(st.Err) {
				b.invalidateTrustChain(st.Err)
			}
			select {
			case out <- st:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (b *Bridge) invalidateTrustChain(cause error) {
	log.Warn("trust chain rejected by keyring, resetting", "error", cause)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.RemoveTrustChainID(ctx); err != nil {
		log.Error("remove rejected trust chain id", "error", err)
	}
	b.sessions.Apply(session.WalletDisconnected{})
}

// Sign runs a signing request on the current signer.
func (b *Bridge) Sign(ctx context.Context, r deviceaction.Request) (<-chan deviceaction.SignFlowStatus, error) {
	s := b.Signer()
	if s == nil {
		return nil, ErrNoDevice
	}
	return s.Sign(ctx, r)
}
