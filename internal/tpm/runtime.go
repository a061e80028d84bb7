// Package tpm opens the host TPM for attestation and sealing, falling back to a
// passphrase sealer where no TPM is reachable.
package tpm

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/go-tpm/tpmutil"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/tpmdevice"

	"github.com/quantumauth-io/quantum-device-bridge/internal/constants"
	"github.com/quantumauth-io/quantum-device-bridge/internal/securefile"
)

const keyRefFile = "tpm_keyref.json"

// ErrUnsupported is returned on platforms without a TPM backend.
var ErrUnsupported = errors.New("tpm: platform not supported")

type KeyRef struct {
	HandleHex string `json:"handle_hex"`
}

// Runtime is what the bridge got out of the host: an attesting client when a
// TPM is present, and always a sealer.
type Runtime struct {
	Client tpmdevice.Client
	Sealer securefile.Sealer
}

func (r *Runtime) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

// PasswordFunc supplies the passphrase for the fallback sealer.
type PasswordFunc func() ([]byte, error)

// Open opens the TPM. Without one, it asks password for a passphrase and seals
// with that instead. A nil password makes a missing TPM fatal.
func Open(ctx context.Context, password PasswordFunc) (*Runtime, error) {
	c, err := OpenClient(ctx)
	if err == nil {
		var sealer securefile.Sealer = tpmdevice.NewSealer("")
		log.Info("tpm opened", "handle", fmt.Sprintf("0x%x", uint32(c.Handle())))
		return &Runtime{Client: c, Sealer: sealer}, nil
	}
	if password == nil {
		return nil, err
	}

	log.Warn("tpm unavailable, falling back to passphrase sealing", "error", err)
	pw, perr := password()
	if perr != nil {
		return nil, errors.Wrap(perr, "passphrase")
	}
	defer securefile.ZeroBytes(pw)

	sealer, perr := securefile.NewPassphraseSealer(pw)
	if perr != nil {
		return nil, perr
	}
	return &Runtime{Sealer: sealer}, nil
}

// OpenClient opens the TPM key, reusing the persisted handle when there is one.
func OpenClient(ctx context.Context) (tpmdevice.Client, error) {
	switch runtime.GOOS {
	case "linux", "windows":
	default:
		return nil, errors.Wrapf(ErrUnsupported, "%s", runtime.GOOS)
	}

	paths, err := securefile.ConfigPathCandidates(constants.AppName, keyRefFile)
	if err != nil {
		return nil, errors.Wrap(err, "tpm: config path")
	}
	path := paths[0]

	var loaded tpmutil.Handle
	if ref, err := securefile.ReadJSON[KeyRef](path); err == nil {
		if h, err := ParseHandle(ref.HandleHex); err == nil {
			loaded = h
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "tpm: read keyref")
	}

	cfg := tpmdevice.Config{
		Handle:      loaded, // 0 picks a free handle in the range below
		HandleStart: tpmutil.Handle(0x8100B001),
		HandleCount: 32,
	}

	c, err := tpmdevice.NewWithConfig(ctx, cfg)
	if err != nil {
		if loaded == 0 {
			return nil, err
		}
		// Stored handle went stale; pick again once.
		cfg.Handle = 0
		c, err = tpmdevice.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	if err := persistHandle(path, c.Handle()); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "tpm: persist keyref")
	}
	return c, nil
}

func persistHandle(path string, h tpmutil.Handle) error {
	ref := KeyRef{HandleHex: fmt.Sprintf("0x%x", uint32(h))}
	return securefile.WriteJSON(path, ref, constants.FilePerm, constants.DirectoryPerm)
}

// ParseHandle accepts "0x8100b001", "8100B001" or "8100_b001".
func ParseHandle(s string) (tpmutil.Handle, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return 0, errors.New("empty handle")
	}
	if len(s) > 8 {
		return 0, errors.New("handle too long")
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, errors.Wrap(err, "invalid hex")
	}
	var v uint32
	for _, by := range b {
		v = (v << 8) | uint32(by)
	}
	if v == 0 {
		return 0, errors.New("zero handle")
	}
	return tpmutil.Handle(v), nil
}
