package devicekit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/quantum-device-bridge/internal/constants"
	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
	"github.com/quantumauth-io/quantum-device-bridge/internal/securefile"
	sessionpkg "github.com/quantumauth-io/quantum-device-bridge/internal/session"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	sealer, err := securefile.NewPassphraseSealer([]byte("correct horse"), securefile.KDFParams{
		Version: 1, ArgonTime: 1, ArgonMemory: 8 * 1024, ArgonThreads: 1, ArgonKeyLen: 32,
	})
	require.NoError(t, err)
	return &Store{Path: filepath.Join(t.TempDir(), constants.DeviceFileName), Sealer: sealer}
}

func TestStore_EnsureCreatesThenLoads(t *testing.T) {
	st := testStore(t)
	first, err := st.Ensure(context.Background())
	require.NoError(t, err)

	second, err := st.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Address(), second.Address())

	f, err := securefile.ReadJSON[deviceFile](st.Path)
	require.NoError(t, err)
	assert.Equal(t, first.Address().Hex(), f.Address)
	assert.NotContains(t, f.PayloadB64, "priv_key_hex")

	other, err := securefile.NewPassphraseSealer([]byte("wrong"), securefile.KDFParams{
		Version: 1, ArgonTime: 1, ArgonMemory: 8 * 1024, ArgonThreads: 1, ArgonKeyLen: 32,
	})
	require.NoError(t, err)
	_, err = (&Store{Path: st.Path, Sealer: other}).Ensure(context.Background())
	assert.Error(t, err)
}

func collect[T any](t *testing.T, ch <-chan T) []T {
	t.Helper()
	var out []T
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func newDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	key, err := testStore(t).Ensure(context.Background())
	require.NoError(t, err)
	return New(key, opts...)
}

func TestDevice_OpenAppThenSign(t *testing.T) {
	d := newDevice(t, WithLocked())
	sid := d.Connect()
	ctx := context.Background()

	states, err := d.ExecuteDeviceAction(ctx, sid, deviceaction.Action{Type: deviceaction.ActionOpenAppWithDependencies, AppName: constants.EthereumAppName})
	require.NoError(t, err)
	got := collect(t, states)
	require.Len(t, got, 4)
	assert.Equal(t, deviceaction.InteractionUnlockDevice, got[1].Interaction)
	assert.Equal(t, deviceaction.InteractionConfirmOpenApp, got[2].Interaction)
	assert.Equal(t, deviceaction.AppOpened{App: constants.EthereumAppName}, got[3].Output)

	// Already open: no prompts.
	states, err = d.ExecuteDeviceAction(ctx, sid, deviceaction.Action{Type: deviceaction.ActionOpenAppWithDependencies, AppName: constants.EthereumAppName})
	require.NoError(t, err)
	assert.Len(t, collect(t, states), 2)

	msg := []byte("hello")
	states, err = d.ExecuteDeviceAction(ctx, sid, deviceaction.Action{Type: deviceaction.ActionSignPersonalMessage, AppName: constants.EthereumAppName, Payload: msg})
	require.NoError(t, err)
	got = collect(t, states)
	last := got[len(got)-1]
	require.Equal(t, deviceaction.StatusCompleted, last.Status)

	sig := last.Output.([]byte)
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	require.NoError(t, err)
	assert.Equal(t, d.Key().Address(), crypto.PubkeyToAddress(*pub))
}

func TestDevice_SignRequiresOpenApp(t *testing.T) {
	d := newDevice(t)
	sid := d.Connect()
	states, err := d.ExecuteDeviceAction(context.Background(), sid, deviceaction.Action{
		Type: deviceaction.ActionSignPersonalMessage, AppName: constants.EthereumAppName, Payload: []byte("x"),
	})
	require.NoError(t, err)
	got := collect(t, states)
	assert.Equal(t, deviceaction.StatusError, got[len(got)-1].Status)
}

func TestDevice_ConfirmerRefusal(t *testing.T) {
	d := newDevice(t, WithConfirmer(ConfirmFunc(func(_ context.Context, p Prompt) error {
		if p.Interaction == deviceaction.InteractionAllowSecureConnection {
			return errors.New("no")
		}
		return nil
	})))
	sid := d.Connect()

	states, err := d.ExecuteDeviceAction(context.Background(), sid, deviceaction.Action{Type: deviceaction.ActionAuthenticate, Payload: []byte("challenge")})
	require.NoError(t, err)
	got := collect(t, states)
	last := got[len(got)-1]
	require.Equal(t, deviceaction.StatusError, last.Status)
	assert.Equal(t, deviceaction.TagUserRefused, deviceaction.ErrorTag(last.Err))
}

func TestDevice_BusyAndUnknownSession(t *testing.T) {
	release := make(chan struct{})
	d := newDevice(t, WithConfirmer(ConfirmFunc(func(ctx context.Context, _ Prompt) error {
		<-release
		return nil
	})))
	sid := d.Connect()

	states, err := d.ExecuteDeviceAction(context.Background(), sid, deviceaction.Action{Type: deviceaction.ActionOpenAppWithDependencies, AppName: "Ethereum"})
	require.NoError(t, err)

	_, err = d.ExecuteDeviceAction(context.Background(), sid, deviceaction.Action{Type: deviceaction.ActionGetAddress})
	assert.ErrorIs(t, err, deviceaction.ErrDeviceBusy)

	close(release)
	collect(t, states)

	_, err = d.ExecuteDeviceAction(context.Background(), "nope", deviceaction.Action{Type: deviceaction.ActionGetAddress})
	assert.Equal(t, deviceaction.TagDeviceDisconnected, deviceaction.ErrorTag(err))
}

func TestDevice_DisconnectNotifiesWatchers(t *testing.T) {
	d := newDevice(t)
	sid := d.Connect()

	ch, err := d.DeviceSessionState(context.Background(), sid)
	require.NoError(t, err)
	first := <-ch
	assert.Equal(t, deviceaction.DeviceConnected, first.DeviceStatus)

	d.Disconnect(sid)
	got := collect(t, ch)
	require.NotEmpty(t, got)
	assert.Equal(t, deviceaction.DeviceNotConnected, got[len(got)-1].DeviceStatus)
}

// The device behind the translator: a full personal_sign flow.
func TestDevice_WithTranslator(t *testing.T) {
	d := newDevice(t)
	sid := d.Connect()

	agg := sessionpkg.NewAggregator(sessionpkg.Empty(1))
	agg.Apply(sessionpkg.DeviceConnected{Device: sessionpkg.DeviceRef{SessionID: sid, Name: d.Name()}})
	agg.Apply(sessionpkg.AccountChanged{Account: &sessionpkg.Account{Address: d.Key().Address()}})

	signer := deviceaction.NewSigner(deviceaction.NewTranslator(d, agg), agg)
	statuses, err := signer.SignPersonalMessage(context.Background(), "", []byte("hi"))
	require.NoError(t, err)
	got := collect(t, statuses)

	last := got[len(got)-1]
	require.Equal(t, deviceaction.KindSuccess, last.Kind)
	sig := last.Data.(*deviceaction.MessageSignature).Signature
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte("hi")), raw)
	require.NoError(t, err)
	assert.Equal(t, d.Key().Address(), crypto.PubkeyToAddress(*pub))

	var kinds []deviceaction.Kind
	for _, s := range got {
		kinds = append(kinds, s.Kind)
	}
	assert.Contains(t, kinds, deviceaction.KindDebugging)
	assert.NotEqual(t, common.Address{}, d.Key().Address())
}
