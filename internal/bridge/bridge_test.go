package bridge

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/quantum-device-bridge/internal/credentials"
	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
	"github.com/quantumauth-io/quantum-device-bridge/internal/devicekit"
	"github.com/quantumauth-io/quantum-device-bridge/internal/securefile"
	"github.com/quantumauth-io/quantum-device-bridge/internal/session"
	"github.com/quantumauth-io/quantum-device-bridge/internal/trustchain"
)

var errRejected = errors.New("keyring said no")

type fakeKeyring struct {
	mu     sync.Mutex
	calls  []trustchain.Params
	reject bool
	// gate, when set, holds the flow on a secure connection prompt until
	// closed.
	gate chan struct{}
}

func (k *fakeKeyring) Authenticate(_ context.Context, p trustchain.Params) (<-chan deviceaction.State, error) {
	k.mu.Lock()
	k.calls = append(k.calls, p)
	reject := k.reject
	gate := k.gate
	k.mu.Unlock()

	if gate != nil {
		ch := make(chan deviceaction.State)
		go func() {
			defer close(ch)
			ch <- deviceaction.Pending(deviceaction.InteractionAllowSecureConnection)
			<-gate
			ch <- deviceaction.Completed(&trustchain.AuthResult{
				JWT:             "jwt",
				TrustChainID:    "tc-late",
				ApplicationPath: "m/0'",
				EncryptionKey:   make([]byte, 32),
			})
		}()
		return ch, nil
	}

	ch := make(chan deviceaction.State, 2)
	ch <- deviceaction.Pending(deviceaction.InteractionNone)
	if reject {
		ch <- deviceaction.Failed(errors.Wrap(errRejected, "authenticate"))
	} else {
		id := p.TrustChainID
		if id == "" {
			id = "tc-new"
		}
		ch <- deviceaction.Completed(&trustchain.AuthResult{
			JWT:             "jwt",
			TrustChainID:    id,
			ApplicationPath: "m/0'",
			EncryptionKey:   make([]byte, 32),
		})
	}
	close(ch)
	return ch, nil
}

func (k *fakeKeyring) DecryptData(_, data []byte) ([]byte, error) { return data, nil }

type fixture struct {
	bridge  *Bridge
	backend *credentials.FileBackend
	sealer  securefile.Sealer
	keyring *fakeKeyring
	device  *devicekit.Device
}

func testSealer(t *testing.T) securefile.Sealer {
	t.Helper()
	s, err := securefile.NewPassphraseSealer([]byte("bridge-test-pass"), securefile.KDFParams{
		Version: 1, ArgonTime: 1, ArgonMemory: 8 * 1024, ArgonThreads: 1, ArgonKeyLen: 32,
	})
	require.NoError(t, err)
	return s
}

func newFixture(t *testing.T, dir string, opts ...devicekit.Option) *fixture {
	t.Helper()
	sealer := testSealer(t)
	key, err := (&devicekit.Store{Path: filepath.Join(dir, "device.json"), Sealer: sealer}).Ensure(context.Background())
	require.NoError(t, err)

	f := &fixture{
		backend: credentials.NewFileBackend(filepath.Join(dir, "credentials.json")),
		sealer:  sealer,
		keyring: &fakeKeyring{},
		device:  devicekit.New(key, opts...),
	}
	f.bridge, err = New(Config{ChainID: 1, TrustChainTTL: time.Hour}, Deps{
		Backend:  f.backend,
		Sealer:   sealer,
		Keyring:  f.keyring,
		Device:   f.device,
		Rejected: func(err error) bool { return errors.Is(err, errRejected) },
	})
	require.NoError(t, err)
	return f
}

// seed writes a trust chain record (and a keypair) before the bridge starts.
func seed(t *testing.T, f *fixture, savedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	store := credentials.NewStore(f.backend)
	require.NoError(t, store.Open(ctx))
	kc := credentials.NewKeychain(store, f.sealer, nil)
	require.NoError(t, kc.Migrate(ctx))
	_, err := kc.GetOrCreateKeyPair(ctx)
	require.NoError(t, err)
	require.NoError(t, store.SaveTrustChainID(ctx, "tc-stored", savedAt))
	require.NoError(t, store.Close())
}

func lastAuth(t *testing.T, ch <-chan trustchain.AuthStatus) trustchain.AuthStatus {
	t.Helper()
	var last trustchain.AuthStatus
	timeout := time.After(5 * time.Second)
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				return last
			}
			last = st
		case <-timeout:
			t.Fatal("auth stream did not finish")
		}
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestStart_FreshStore(t *testing.T) {
	f := newFixture(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))
	defer f.bridge.Close()

	snap := f.bridge.Sessions().Snapshot()
	assert.Equal(t, uint64(1), snap.ChainID)
	assert.Empty(t, snap.TrustChainID)

	v, err := f.bridge.Store().GetDBVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, credentials.LatestSchemaVersion, v)

	// Second start is a no-op.
	require.NoError(t, f.bridge.Start(ctx))
}

func TestStart_Rehydrates(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir)
	seed(t, f, time.Now())

	require.NoError(t, f.bridge.Start(context.Background()))
	defer f.bridge.Close()
	assert.Equal(t, "tc-stored", f.bridge.Sessions().Snapshot().TrustChainID)
}

func TestStart_DropsExpiredTrustChain(t *testing.T) {
	f := newFixture(t, t.TempDir())
	seed(t, f, time.Now().Add(-2*time.Hour))

	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))
	defer f.bridge.Close()

	assert.Empty(t, f.bridge.Sessions().Snapshot().TrustChainID)
	_, err := f.bridge.Store().TrustChainID(ctx)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestDeviceLifecycle(t *testing.T) {
	f := newFixture(t, t.TempDir())
	ctx := context.Background()

	_, err := f.bridge.ConnectDevice(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, f.bridge.Start(ctx))
	defer f.bridge.Close()

	ref, err := f.bridge.ConnectDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, ref.SessionID, f.bridge.Sessions().Snapshot().SessionID())

	require.NoError(t, f.bridge.DisconnectDevice(ctx))
	assert.Empty(t, f.bridge.Sessions().Snapshot().SessionID())
	assert.ErrorIs(t, f.bridge.DisconnectDevice(ctx), ErrNotConnected)

	// The device ending the session on its own clears the context too.
	ref, err = f.bridge.ConnectDevice(ctx)
	require.NoError(t, err)
	f.device.Disconnect(ref.SessionID)
	assert.Eventually(t, func() bool {
		return f.bridge.Sessions().Snapshot().ConnectedDevice == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthenticateThenDisconnectWallet(t *testing.T) {
	f := newFixture(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))
	defer f.bridge.Close()

	_, err := f.bridge.ConnectDevice(ctx)
	require.NoError(t, err)

	st := lastAuth(t, f.bridge.Authenticate(ctx))
	require.Equal(t, trustchain.StatusAuthenticated, st.Kind)
	assert.Equal(t, "tc-new", f.bridge.Sessions().Snapshot().TrustChainID)

	rec, err := f.bridge.Store().TrustChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tc-new", rec.ID)

	before := f.bridge.Authenticator()
	require.NoError(t, f.bridge.DisconnectWallet(ctx))

	snap := f.bridge.Sessions().Snapshot()
	assert.Empty(t, snap.TrustChainID)
	assert.NotNil(t, snap.ConnectedDevice)
	assert.NotSame(t, before, f.bridge.Authenticator())
	assert.Equal(t, trustchain.StateIdle, f.bridge.Authenticator().State())

	_, err = f.bridge.Store().TrustChainID(ctx)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestAuthenticate_RejectedTrustChainIsDropped(t *testing.T) {
	f := newFixture(t, t.TempDir())
	seed(t, f, time.Now())
	f.keyring.reject = true

	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))
	defer f.bridge.Close()

	st := lastAuth(t, f.bridge.Authenticate(ctx))
	require.Equal(t, trustchain.StatusFailed, st.Kind)

	require.Len(t, f.keyring.calls, 1)
	assert.Equal(t, "tc-stored", f.keyring.calls[0].TrustChainID)

	assert.Empty(t, f.bridge.Sessions().Snapshot().TrustChainID)
	_, err := f.bridge.Store().TrustChainID(ctx)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestSign_NeedsDevice(t *testing.T) {
	f := newFixture(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))
	defer f.bridge.Close()

	_, err := f.bridge.Sign(ctx, deviceaction.Request{Kind: deviceaction.RequestPersonalMessage, Message: []byte("x")})
	assert.ErrorIs(t, err, deviceaction.ErrConnection)
}

func TestDisconnectWallet_CancelsAuthenticationInFlight(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.keyring.gate = make(chan struct{})
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))
	defer f.bridge.Close()

	_, err := f.bridge.ConnectDevice(ctx)
	require.NoError(t, err)

	ch := f.bridge.Authenticate(ctx)
	select {
	case st := <-ch:
		require.Equal(t, trustchain.StatusInteractionRequired, st.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no interaction status")
	}

	require.NoError(t, f.bridge.DisconnectWallet(ctx))
	close(f.keyring.gate)

	st := lastAuth(t, ch)
	assert.Equal(t, trustchain.StatusFailed, st.Kind)
	assert.ErrorIs(t, st.Err, trustchain.ErrLoggedOut)

	assert.Empty(t, f.bridge.Sessions().Snapshot().TrustChainID)
	_, err = f.bridge.Store().TrustChainID(ctx)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
	assert.Nil(t, f.bridge.Authenticator().Context())
}

func TestDisconnectWallet_KeepsDeviceBusy(t *testing.T) {
	prompted := make(chan struct{}, 1)
	release := make(chan struct{})
	f := newFixture(t, t.TempDir(), devicekit.WithConfirmer(devicekit.ConfirmFunc(func(ctx context.Context, _ devicekit.Prompt) error {
		select {
		case prompted <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})))
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))
	defer f.bridge.Close()

	_, err := f.bridge.ConnectDevice(ctx)
	require.NoError(t, err)
	account := &session.Account{Address: f.device.Key().Address(), DerivationPath: "44'/60'/0'/0/0"}
	f.bridge.Sessions().Apply(session.AccountChanged{Account: account})

	req := deviceaction.Request{Kind: deviceaction.RequestPersonalMessage, Message: []byte("hello")}
	first, err := f.bridge.Sign(ctx, req)
	require.NoError(t, err)
	select {
	case <-prompted:
	case <-time.After(5 * time.Second):
		t.Fatal("device never prompted")
	}

	require.NoError(t, f.bridge.DisconnectWallet(ctx))
	f.bridge.Sessions().Apply(session.AccountChanged{Account: account})

	_, err = f.bridge.Sign(ctx, req)
	assert.ErrorIs(t, err, deviceaction.ErrDeviceBusy)

	close(release)
	for range first {
	}

	second, err := f.bridge.Sign(ctx, req)
	require.NoError(t, err)
	for range second {
	}
}
