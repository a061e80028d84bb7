package trustchain

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-device-bridge/internal/credentials"
	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
	"github.com/quantumauth-io/quantum-device-bridge/internal/session"
)

// DefaultTTL is how long a stored trust chain id is trusted without
// re-authenticating.
const DefaultTTL = 30 * 24 * time.Hour

// TrustChainStore is the credential store surface used here.
type TrustChainStore interface {
	TrustChainID(ctx context.Context) (credentials.TrustChainRecord, error)
	SaveTrustChainID(ctx context.Context, id string, savedAt time.Time) error
	RemoveTrustChainID(ctx context.Context) error
}

// KeyPairs is the keychain surface used here.
type KeyPairs interface {
	KeyPair(ctx context.Context) ([]byte, error)
	GetOrCreateKeyPair(ctx context.Context) ([]byte, error)
}

// Sessions reads and updates the session context.
type Sessions interface {
	Snapshot() session.Context
	Apply(ev session.Event) session.Context
}

type Authenticator struct {
	client   KeyringClient
	store    TrustChainStore
	keys     KeyPairs
	sessions Sessions
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	state  State
	auth   *AuthContext
	flight *flight
	// gen is bumped by Logout; a flight started under an older gen never
	// commits.
	gen uint64
}

type Option func(*Authenticator)

func WithTTL(ttl time.Duration) Option { return func(a *Authenticator) { a.ttl = ttl } }

func WithClock(now func() time.Time) Option { return func(a *Authenticator) { a.now = now } }

func NewAuthenticator(client KeyringClient, store TrustChainStore, keys KeyPairs, sessions Sessions, opts ...Option) *Authenticator {
	a := &Authenticator{
		client:   client,
		store:    store,
		keys:     keys,
		sessions: sessions,
		ttl:      DefaultTTL,
		now:      time.Now,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Context returns a copy of the current auth context, or nil.
func (a *Authenticator) Context() *AuthContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.auth.clone()
}

// Authenticate starts an authentication, or joins the one in flight. Every
// caller sees the full status sequence of the shared run; the channel closes
// after the terminal status. Cancelling ctx only detaches this caller.
func (a *Authenticator) Authenticate(ctx context.Context) <-chan AuthStatus {
	a.mu.Lock()
	f := a.flight
	if f == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		f = newFlight(a.gen, cancel)
		a.flight = f
		a.state = StateAuthenticating
		go a.run(runCtx, f)
	}
	a.mu.Unlock()
	return f.follow(ctx)
}

func (a *Authenticator) run(ctx context.Context, f *flight) {
	defer f.cancel()
	auth, err := a.authenticate(ctx, f)

	a.mu.Lock()
	if a.flight == f {
		a.flight = nil
	}
	switch {
	case f.gen != a.gen:
		auth.clear()
		auth = nil
		err = classify(ErrLoggedOut)
	case err != nil:
		a.state = StateFailed
	default:
		a.auth.clear()
		a.auth = auth
		a.state = StateAuthenticated
	}
	a.mu.Unlock()

	if err != nil {
		log.Warn("trust chain authentication failed", "error", err)
		f.publish(AuthStatus{Kind: StatusFailed, Err: err}, true)
		return
	}
	log.Info("trust chain authenticated", "trust_chain_id", auth.TrustChainID, "application_path", auth.ApplicationPath)
	f.publish(AuthStatus{Kind: StatusAuthenticated, Context: auth.clone()}, true)
}

func (a *Authenticator) authenticate(ctx context.Context, f *flight) (*AuthContext, error) {
	params := Params{SessionID: a.sessions.Snapshot().SessionID()}

	existing, err := a.existingTrustChain(ctx)
	if err != nil {
		return nil, err
	}

	if existing != "" {
		kp, err := a.keys.KeyPair(ctx)
		switch {
		case errors.Is(err, credentials.ErrNotFound):
			log.Warn("stored trust chain has no keypair, bootstrapping", "trust_chain_id", existing)
			existing = ""
		case err != nil:
			return nil, errors.Wrap(err, "load keypair")
		default:
			params.TrustChainID = existing
			params.KeyPair = kp
		}
	}

	bootstrap := existing == ""
	if bootstrap {
		if params.SessionID == "" {
			return nil, ErrNoSession
		}
		kp, err := a.keys.GetOrCreateKeyPair(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "keypair")
		}
		params.KeyPair = kp
	}

	states, err := a.client.Authenticate(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	for st := range states {
		switch st.Status {
		case deviceaction.StatusPending:
			if st.Interaction == "" || st.Interaction == deviceaction.InteractionNone {
				continue
			}
			if !st.Interaction.Known() {
				log.Debug("unhandled keyring interaction", "interaction", st.Interaction)
				continue
			}
			f.publish(AuthStatus{Kind: StatusInteractionRequired, Interaction: st.Interaction}, false)

		case deviceaction.StatusCompleted:
			res, err := authResult(st.Output)
			if err != nil {
				return nil, classify(err)
			}
			auth := &AuthContext{
				JWT:             res.JWT,
				TrustChainID:    res.TrustChainID,
				ApplicationPath: res.ApplicationPath,
				EncryptionKey:   append([]byte(nil), res.EncryptionKey...),
				KeyPair:         params.KeyPair,
			}
			go drainStates(states)
			if err := a.commit(ctx, f, auth, bootstrap); err != nil {
				auth.clear()
				return nil, err
			}
			return auth, nil

		case deviceaction.StatusError:
			go drainStates(states)
			return nil, classify(st.Err)
		}
	}
	return nil, classify(errors.New("keyring stream ended without a result"))
}

// commit persists a bootstrapped trust chain id and connects the trust chain
// in the session context, unless Logout ran since the flight started.
func (a *Authenticator) commit(ctx context.Context, f *flight, auth *AuthContext, bootstrap bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f.gen != a.gen {
		return ErrLoggedOut
	}
	if bootstrap {
		if err := a.store.SaveTrustChainID(ctx, auth.TrustChainID, a.now()); err != nil {
			return errors.Wrap(err, "persist trust chain id")
		}
	}
	a.sessions.Apply(session.TrustChainConnected{
		TrustChainID:    auth.TrustChainID,
		ApplicationPath: auth.ApplicationPath,
	})
	return nil
}

// existingTrustChain returns the stored, unexpired trust chain id. Expired
// records are removed.
func (a *Authenticator) existingTrustChain(ctx context.Context) (string, error) {
	rec, err := a.store.TrustChainID(ctx)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		return "", nil
	case err != nil:
		return "", errors.Wrap(err, "read trust chain id")
	}
	if rec.Expired(a.ttl, a.now()) {
		log.Info("stored trust chain expired", "trust_chain_id", rec.ID, "saved_at", rec.SavedAt)
		if err := a.store.RemoveTrustChainID(ctx); err != nil {
			return "", errors.Wrap(err, "remove expired trust chain id")
		}
		return "", nil
	}
	return rec.ID, nil
}

func authResult(output any) (*AuthResult, error) {
	var res *AuthResult
	switch v := output.(type) {
	case AuthResult:
		res = &v
	case *AuthResult:
		res = v
	}
	if res == nil {
		return nil, errors.Newf("unexpected keyring output %T", output)
	}
	if res.TrustChainID == "" {
		return nil, errors.New("keyring returned an empty trust chain id")
	}
	return res, nil
}

// Decrypt decrypts then decompresses data with the authenticated encryption
// key.
func (a *Authenticator) Decrypt(data []byte) ([]byte, error) {
	a.mu.Lock()
	auth := a.auth
	a.mu.Unlock()
	if auth == nil || len(auth.EncryptionKey) == 0 {
		return nil, ErrAuthContextMissing
	}

	compressed, err := a.client.DecryptData(auth.EncryptionKey, data)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "keyring decrypt"), ErrDecrypt)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "gzip header"), ErrDecompress)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "gzip body"), ErrDecompress)
	}
	return plain, nil
}

// Logout drops the in-memory auth context and cancels any authentication in
// flight; its followers receive a failed status wrapping ErrLoggedOut.
func (a *Authenticator) Logout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	if a.flight != nil {
		a.flight.cancel()
		a.flight = nil
	}
	a.auth.clear()
	a.auth = nil
	a.state = StateIdle
}

func drainStates(states <-chan deviceaction.State) {
	for range states {
	}
}

// flight is one shared authentication run. Statuses are logged so late
// joiners replay everything from the start.
type flight struct {
	gen    uint64
	cancel context.CancelFunc

	mu   sync.Mutex
	cond *sync.Cond
	log  []AuthStatus
	done bool
}

func newFlight(gen uint64, cancel context.CancelFunc) *flight {
	f := &flight{gen: gen, cancel: cancel}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *flight) publish(s AuthStatus, final bool) {
	f.mu.Lock()
	f.log = append(f.log, s)
	if final {
		f.done = true
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *flight) follow(ctx context.Context) <-chan AuthStatus {
	out := make(chan AuthStatus)
	go func() {
		defer close(out)
		for i := 0; ; i++ {
			f.mu.Lock()
			for i >= len(f.log) && !f.done {
				f.cond.Wait()
			}
			if i >= len(f.log) {
				f.mu.Unlock()
				return
			}
			s := f.log[i]
			f.mu.Unlock()

			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
