package trustchain

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/quantum-device-bridge/internal/credentials"
	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
	"github.com/quantumauth-io/quantum-device-bridge/internal/session"
)

type fakeKeyring struct {
	mu      sync.Mutex
	calls   []Params
	states  []deviceaction.State
	gate    chan struct{}
	decrypt func(key, data []byte) ([]byte, error)
}

func (k *fakeKeyring) Authenticate(_ context.Context, p Params) (<-chan deviceaction.State, error) {
	k.mu.Lock()
	k.calls = append(k.calls, p)
	states := k.states
	gate := k.gate
	k.mu.Unlock()

	ch := make(chan deviceaction.State)
	go func() {
		defer close(ch)
		if gate != nil {
			<-gate
		}
		for _, s := range states {
			ch <- s
		}
	}()
	return ch, nil
}

func (k *fakeKeyring) DecryptData(key, data []byte) ([]byte, error) {
	return k.decrypt(key, data)
}

func (k *fakeKeyring) callCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.calls)
}

type fakeStore struct {
	mu      sync.Mutex
	rec     *credentials.TrustChainRecord
	saves   int
	removes int
}

func (s *fakeStore) TrustChainID(context.Context) (credentials.TrustChainRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return credentials.TrustChainRecord{}, credentials.ErrNotFound
	}
	return *s.rec, nil
}

func (s *fakeStore) SaveTrustChainID(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.rec = &credentials.TrustChainRecord{ID: id, SavedAt: at}
	return nil
}

func (s *fakeStore) RemoveTrustChainID(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes++
	s.rec = nil
	return nil
}

type fakeKeys struct {
	kp      []byte
	created int
}

func (k *fakeKeys) KeyPair(context.Context) ([]byte, error) {
	if k.kp == nil {
		return nil, credentials.ErrNotFound
	}
	return append([]byte(nil), k.kp...), nil
}

func (k *fakeKeys) GetOrCreateKeyPair(context.Context) ([]byte, error) {
	if k.kp == nil {
		k.created++
		k.kp = []byte("fresh-keypair")
	}
	return append([]byte(nil), k.kp...), nil
}

var (
	fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result   = AuthResult{JWT: "jwt", TrustChainID: "tc-new", ApplicationPath: "m/0'/16'/0'", EncryptionKey: []byte("0123456789abcdef0123456789abcdef")}
)

func connectedSessions() *session.Aggregator {
	agg := session.NewAggregator(session.Empty(1))
	agg.Apply(session.DeviceConnected{Device: session.DeviceRef{SessionID: "s-1"}})
	return agg
}

func drain(t *testing.T, ch <-chan AuthStatus) []AuthStatus {
	t.Helper()
	var out []AuthStatus
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, s)
		case <-timeout:
			t.Fatalf("timed out, got %v", out)
			return out
		}
	}
}

func successStates() []deviceaction.State {
	return []deviceaction.State{
		deviceaction.Pending(deviceaction.InteractionNone),
		deviceaction.Pending(deviceaction.InteractionUnlockDevice),
		deviceaction.Completed(result),
	}
}

func TestAuthenticate_Bootstrap(t *testing.T) {
	kr := &fakeKeyring{states: successStates()}
	store := &fakeStore{}
	keys := &fakeKeys{}
	agg := connectedSessions()

	a := NewAuthenticator(kr, store, keys, agg, WithClock(func() time.Time { return fixedNow }))
	got := drain(t, a.Authenticate(context.Background()))

	require.Len(t, got, 2)
	assert.Equal(t, StatusInteractionRequired, got[0].Kind)
	assert.Equal(t, deviceaction.InteractionUnlockDevice, got[0].Interaction)
	require.Equal(t, StatusAuthenticated, got[1].Kind)
	assert.Equal(t, "tc-new", got[1].Context.TrustChainID)

	require.Len(t, kr.calls, 1)
	assert.Empty(t, kr.calls[0].TrustChainID)
	assert.Equal(t, "s-1", kr.calls[0].SessionID)
	assert.Equal(t, []byte("fresh-keypair"), kr.calls[0].KeyPair)

	assert.Equal(t, 1, store.saves)
	assert.Equal(t, fixedNow, store.rec.SavedAt)
	assert.Equal(t, "tc-new", agg.Snapshot().TrustChainID)
	assert.Equal(t, "m/0'/16'/0'", agg.Snapshot().ApplicationPath)
	assert.Equal(t, StateAuthenticated, a.State())
}

func TestAuthenticate_RejoinDoesNotPersist(t *testing.T) {
	kr := &fakeKeyring{states: successStates()}
	store := &fakeStore{rec: &credentials.TrustChainRecord{ID: "tc-old", SavedAt: fixedNow.Add(-time.Hour)}}
	keys := &fakeKeys{kp: []byte("stored-keypair")}

	a := NewAuthenticator(kr, store, keys, session.NewAggregator(session.Empty(1)), WithClock(func() time.Time { return fixedNow }))
	got := drain(t, a.Authenticate(context.Background()))

	require.Equal(t, StatusAuthenticated, got[len(got)-1].Kind)
	require.Len(t, kr.calls, 1)
	assert.Equal(t, "tc-old", kr.calls[0].TrustChainID)
	assert.Equal(t, []byte("stored-keypair"), kr.calls[0].KeyPair)
	assert.Equal(t, 0, store.saves)
	assert.Equal(t, 0, keys.created)
}

func TestAuthenticate_ExpiredTrustChainBootstraps(t *testing.T) {
	kr := &fakeKeyring{states: successStates()}
	store := &fakeStore{rec: &credentials.TrustChainRecord{ID: "tc-old", SavedAt: fixedNow.Add(-DefaultTTL - time.Minute)}}
	keys := &fakeKeys{kp: []byte("stored-keypair")}

	a := NewAuthenticator(kr, store, keys, connectedSessions(), WithClock(func() time.Time { return fixedNow }))
	drain(t, a.Authenticate(context.Background()))

	assert.Equal(t, 1, store.removes)
	assert.Empty(t, kr.calls[0].TrustChainID)
	assert.Equal(t, 1, store.saves)
}

func TestAuthenticate_NoSessionFailsFast(t *testing.T) {
	kr := &fakeKeyring{states: successStates()}
	a := NewAuthenticator(kr, &fakeStore{}, &fakeKeys{}, session.NewAggregator(session.Empty(1)))

	got := drain(t, a.Authenticate(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, StatusFailed, got[0].Kind)
	assert.ErrorIs(t, got[0].Err, ErrNoSession)
	assert.Equal(t, 0, kr.callCount())
	assert.Equal(t, StateFailed, a.State())
}

func TestAuthenticate_ConcurrentCallersShareOneRun(t *testing.T) {
	kr := &fakeKeyring{states: successStates(), gate: make(chan struct{})}
	store := &fakeStore{}
	a := NewAuthenticator(kr, store, &fakeKeys{}, connectedSessions())

	first := a.Authenticate(context.Background())
	second := a.Authenticate(context.Background())
	require.Eventually(t, func() bool { return kr.callCount() == 1 }, time.Second, 5*time.Millisecond)
	close(kr.gate)

	var wg sync.WaitGroup
	var a1, a2 []AuthStatus
	wg.Add(2)
	go func() { defer wg.Done(); a1 = drain(t, first) }()
	go func() { defer wg.Done(); a2 = drain(t, second) }()
	wg.Wait()

	assert.Equal(t, a1, a2)
	assert.Len(t, a1, 2)
	assert.Equal(t, 1, kr.callCount())
	assert.Equal(t, 1, store.saves)
}

func TestAuthenticate_ErrorClassification(t *testing.T) {
	cases := map[string]ErrorKind{
		deviceaction.TagDeviceDisconnected: ErrorDeviceDisconnected,
		deviceaction.TagUserRefused:        ErrorUserRejected,
		deviceaction.TagTimeout:            ErrorTimeout,
		"SomethingNew":                     ErrorUnknown,
	}
	for tag, want := range cases {
		t.Run(tag, func(t *testing.T) {
			kr := &fakeKeyring{states: []deviceaction.State{
				deviceaction.Failed(&deviceaction.DeviceError{Tag: tag}),
			}}
			a := NewAuthenticator(kr, &fakeStore{}, &fakeKeys{}, connectedSessions())

			got := drain(t, a.Authenticate(context.Background()))
			require.Len(t, got, 1)
			var ae *AuthenticationError
			require.True(t, errors.As(got[0].Err, &ae))
			assert.Equal(t, want, ae.Kind)
		})
	}
}

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecrypt(t *testing.T) {
	kr := &fakeKeyring{states: successStates()}
	a := NewAuthenticator(kr, &fakeStore{}, &fakeKeys{}, connectedSessions())

	_, err := a.Decrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrAuthContextMissing)

	drain(t, a.Authenticate(context.Background()))

	kr.decrypt = func(key, data []byte) ([]byte, error) {
		assert.Equal(t, result.EncryptionKey, key)
		return gzipped(t, []byte("payload")), nil
	}
	out, err := a.Decrypt([]byte("cipher"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)

	kr.decrypt = func([]byte, []byte) ([]byte, error) { return nil, errors.New("bad tag") }
	_, err = a.Decrypt([]byte("cipher"))
	assert.True(t, errors.Is(err, ErrDecrypt))
	assert.False(t, errors.Is(err, ErrDecompress))

	kr.decrypt = func([]byte, []byte) ([]byte, error) { return []byte("not gzip"), nil }
	_, err = a.Decrypt([]byte("cipher"))
	assert.True(t, errors.Is(err, ErrDecompress))
	assert.False(t, errors.Is(err, ErrDecrypt))

	a.Logout()
	_, err = a.Decrypt([]byte("cipher"))
	assert.ErrorIs(t, err, ErrAuthContextMissing)
	assert.Equal(t, StateIdle, a.State())
}

func TestAuthenticate_UnknownInteractionIsNotForwarded(t *testing.T) {
	kr := &fakeKeyring{states: []deviceaction.State{
		deviceaction.Pending(deviceaction.Interaction("ScanQRCode")),
		deviceaction.Pending(deviceaction.InteractionAllowSecureConnection),
		deviceaction.Completed(result),
	}}
	a := NewAuthenticator(kr, &fakeStore{}, &fakeKeys{}, connectedSessions())

	got := drain(t, a.Authenticate(context.Background()))
	require.Len(t, got, 2)
	assert.Equal(t, StatusInteractionRequired, got[0].Kind)
	assert.Equal(t, deviceaction.InteractionAllowSecureConnection, got[0].Interaction)
	assert.Equal(t, StatusAuthenticated, got[1].Kind)
}

func TestLogout_CancelsAuthenticationInFlight(t *testing.T) {
	kr := &fakeKeyring{states: successStates(), gate: make(chan struct{})}
	store := &fakeStore{}
	agg := connectedSessions()
	a := NewAuthenticator(kr, store, &fakeKeys{}, agg)

	ch := a.Authenticate(context.Background())
	require.Eventually(t, func() bool { return kr.callCount() == 1 }, time.Second, 5*time.Millisecond)
	a.Logout()
	assert.Equal(t, StateIdle, a.State())
	close(kr.gate)

	got := drain(t, ch)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, StatusFailed, last.Kind)
	assert.ErrorIs(t, last.Err, ErrLoggedOut)

	assert.Equal(t, 0, store.saves)
	assert.Empty(t, agg.Snapshot().TrustChainID)
	assert.Nil(t, a.Context())
	assert.Equal(t, StateIdle, a.State())
}

func TestLogout_StartsFreshFlightAfterward(t *testing.T) {
	kr := &fakeKeyring{states: successStates(), gate: make(chan struct{})}
	a := NewAuthenticator(kr, &fakeStore{}, &fakeKeys{}, connectedSessions())

	stale := a.Authenticate(context.Background())
	require.Eventually(t, func() bool { return kr.callCount() == 1 }, time.Second, 5*time.Millisecond)
	a.Logout()

	fresh := a.Authenticate(context.Background())
	require.Eventually(t, func() bool { return kr.callCount() == 2 }, time.Second, 5*time.Millisecond)
	close(kr.gate)

	staleGot := drain(t, stale)
	assert.Equal(t, StatusFailed, staleGot[len(staleGot)-1].Kind)
	freshGot := drain(t, fresh)
	assert.Equal(t, StatusAuthenticated, freshGot[len(freshGot)-1].Kind)
	assert.Equal(t, StateAuthenticated, a.State())
}

func TestContext_CopySurvivesLogout(t *testing.T) {
	kr := &fakeKeyring{states: successStates()}
	a := NewAuthenticator(kr, &fakeStore{}, &fakeKeys{}, connectedSessions())

	got := drain(t, a.Authenticate(context.Background()))
	published := got[len(got)-1].Context
	require.NotNil(t, published)
	held := a.Context()
	require.NotNil(t, held)

	a.Logout()
	assert.Equal(t, result.EncryptionKey, published.EncryptionKey)
	assert.Equal(t, result.EncryptionKey, held.EncryptionKey)
	assert.Equal(t, []byte("fresh-keypair"), held.KeyPair)
}
