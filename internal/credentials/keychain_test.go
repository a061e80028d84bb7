package credentials

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/quantum-device-bridge/internal/constants"
	"github.com/quantumauth-io/quantum-device-bridge/internal/securefile"
)

// memBackend records every handle operation as "op:key".
type memBackend struct {
	mu      sync.Mutex
	entries map[string][]byte
	trace   []string
	failPut map[string]int
	opens   atomic.Int32
	gate    chan struct{}
}

func newMemBackend() *memBackend {
	return &memBackend{entries: map[string][]byte{}, failPut: map[string]int{}}
}

func (b *memBackend) Open(context.Context) (Handle, error) {
	b.opens.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	return b, nil
}

func (b *memBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace = append(b.trace, "get:"+key)
	v, ok := b.entries[key]
	return v, ok, nil
}

func (b *memBackend) Put(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace = append(b.trace, "put:"+key)
	if b.failPut[key] > 0 {
		b.failPut[key]--
		return errors.New("disk full")
	}
	b.entries[key] = append([]byte(nil), value...)
	return nil
}

func (b *memBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace = append(b.trace, "delete:"+key)
	delete(b.entries, key)
	return nil
}

func (b *memBackend) Close() error { return nil }

func (b *memBackend) takeTrace() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.trace
	b.trace = nil
	return t
}

func (b *memBackend) keyTrace() []string {
	var out []string
	for _, op := range b.takeTrace() {
		if op == "put:"+constants.KeyKeyPair || op == "delete:"+constants.KeyKeyPair {
			out = append(out, op)
		}
	}
	return out
}

// xorSealer is a reversible test sealer.
type xorSealer struct{}

func (xorSealer) Seal(_ context.Context, _ string, secret []byte) ([]byte, error) {
	out := make([]byte, len(secret))
	for i, b := range secret {
		out[i] = b ^ 0x5a
	}
	return out, nil
}

func (s xorSealer) Unseal(ctx context.Context, label string, blob []byte) ([]byte, error) {
	return s.Seal(ctx, label, blob)
}

func openKeychain(t *testing.T, b *memBackend, gen KeyGenerator) *Keychain {
	t.Helper()
	store := NewStore(b)
	require.NoError(t, store.Open(context.Background()))
	return NewKeychain(store, xorSealer{}, gen)
}

func TestMigrate_PlaintextKeyPairRemovedBeforeStore(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	plain := []byte("plaintext-keypair-0123456789abcd")
	b.entries[constants.KeyKeyPair] = plain

	kc := openKeychain(t, b, nil)
	require.NoError(t, kc.Migrate(ctx))

	assert.Equal(t, []string{"delete:" + constants.KeyKeyPair, "put:" + constants.KeyKeyPair}, b.keyTrace())
	assert.NotEqual(t, plain, b.entries[constants.KeyKeyPair])
	assert.Equal(t, "1", string(b.entries[constants.KeySchemaVersion]))

	got, err := kc.GetOrCreateKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestMigrate_SecondRunTouchesNothing(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	b.entries[constants.KeyKeyPair] = []byte("plaintext-keypair-0123456789abcd")

	kc := openKeychain(t, b, nil)
	require.NoError(t, kc.Migrate(ctx))
	b.takeTrace()

	require.NoError(t, kc.Migrate(ctx))
	assert.Empty(t, b.takeTrace())

	v, err := kc.Store().GetDBVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion, v)
}

func TestMigrate_NoKeyPairGeneratesWithoutStoring(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()

	generated := []byte("generated-keypair-0123456789abcd")
	calls := 0
	kc := openKeychain(t, b, func() ([]byte, error) {
		calls++
		return generated, nil
	})

	require.NoError(t, kc.Migrate(ctx))
	assert.Empty(t, b.keyTrace())
	assert.Equal(t, 1, calls)
	assert.Equal(t, "1", string(b.entries[constants.KeySchemaVersion]))

	got, err := kc.GetOrCreateKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, generated, got)
	assert.Equal(t, 1, calls, "the migration keypair is the one persisted")
}

func TestMigrate_StoreFailureDoesNotAdvanceVersion(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	plain := []byte("plaintext-keypair-0123456789abcd")
	b.entries[constants.KeyKeyPair] = plain
	b.failPut[constants.KeyKeyPair] = 1

	kc := openKeychain(t, b, nil)
	err := kc.Migrate(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMigration))
	assert.True(t, errors.Is(err, ErrStore))

	_, hasVersion := b.entries[constants.KeySchemaVersion]
	assert.False(t, hasVersion)
	assert.Equal(t, plain, b.entries[constants.KeyKeyPair], "plaintext restored for the next attempt")

	require.NoError(t, kc.Migrate(ctx))
	got, err := kc.GetOrCreateKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestMigrate_VersionWriteFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	plain := []byte("plaintext-keypair-0123456789abcd")
	b.entries[constants.KeyKeyPair] = plain
	b.failPut[constants.KeySchemaVersion] = 1

	kc := openKeychain(t, b, nil)
	err := kc.Migrate(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMigration))

	v, err := kc.Store().GetDBVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	assert.Equal(t, plain, b.entries[constants.KeyKeyPair])
}

func TestGetOrCreateKeyPair_RequiresMigration(t *testing.T) {
	kc := openKeychain(t, newMemBackend(), nil)
	_, err := kc.GetOrCreateKeyPair(context.Background())
	assert.Error(t, err)
}

func TestGetOrCreateKeyPair_Secp256k1(t *testing.T) {
	ctx := context.Background()
	kc := openKeychain(t, newMemBackend(), nil)
	require.NoError(t, kc.Migrate(ctx))

	first, err := kc.GetOrCreateKeyPair(ctx)
	require.NoError(t, err)
	again, err := kc.GetOrCreateKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = PrivateKey(first)
	assert.NoError(t, err)
}

func TestStore_ErrorKinds(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newMemBackend())

	_, err := store.GetKeyPair(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, store.Open(ctx))
	_, err = store.GetKeyPair(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.TrustChainID(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	b := newMemBackend()
	b.failPut[constants.KeyEncryptionKey] = 1
	failing := NewStore(b)
	require.NoError(t, failing.Open(ctx))
	err = failing.StoreEncryptionKey(ctx, []byte("x"))
	assert.True(t, errors.Is(err, ErrStore))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestStore_OpenSharesInFlight(t *testing.T) {
	b := newMemBackend()
	b.gate = make(chan struct{})
	store := NewStore(b)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Open(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return b.opens.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(b.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), b.opens.Load())
	require.NoError(t, store.Open(context.Background()))
	assert.Equal(t, int32(1), b.opens.Load())
}

func TestStore_TrustChainRecord(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newMemBackend())
	require.NoError(t, store.Open(ctx))

	saved := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.SaveTrustChainID(ctx, "tc-1", saved))

	rec, err := store.TrustChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tc-1", rec.ID)
	assert.True(t, rec.SavedAt.Equal(saved))
	assert.False(t, rec.Expired(24*time.Hour, saved.Add(time.Hour)))
	assert.True(t, rec.Expired(24*time.Hour, saved.Add(25*time.Hour)))

	require.NoError(t, store.RemoveTrustChainID(ctx))
	_, err = store.TrustChainID(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackend_PersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/nested/credentials.json"

	store := NewStore(NewFileBackend(path))
	require.NoError(t, store.Open(ctx))
	require.NoError(t, store.SetDBVersion(ctx, 1))
	require.NoError(t, store.StoreKeyPair(ctx, []byte{1, 2, 3}))
	require.NoError(t, store.Close())

	reopened := NewStore(NewFileBackend(path))
	require.NoError(t, reopened.Open(ctx))
	v, err := reopened.GetDBVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	kp, err := reopened.GetKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, kp)

	require.NoError(t, reopened.Reset(ctx))
	st, err := reopened.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{}, st)
}

func TestKeychain_PassphraseSealer(t *testing.T) {
	ctx := context.Background()
	sealer, err := securefile.NewPassphraseSealer([]byte("correct horse"), securefile.KDFParams{
		Version: 1, ArgonTime: 1, ArgonMemory: 8 * 1024, ArgonThreads: 1, ArgonKeyLen: 32,
	})
	require.NoError(t, err)

	store := NewStore(newMemBackend())
	require.NoError(t, store.Open(ctx))
	kc := NewKeychain(store, sealer, nil)
	require.NoError(t, kc.Migrate(ctx))

	kp, err := kc.GetOrCreateKeyPair(ctx)
	require.NoError(t, err)
	again, err := kc.KeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, kp, again)
}
