// Package devicekit is a software signing device for hosts without a hardware
// wallet. Its secp256k1 key lives in a sealed file and it speaks the same
// device-action protocol as a hardware device.
package devicekit

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/quantumauth-io/quantum-device-bridge/internal/constants"
	"github.com/quantumauth-io/quantum-device-bridge/internal/securefile"
)

const fileVersion = 1

// Store persists the device key sealed under a DEK that the Sealer protects.
type Store struct {
	Path   string
	Sealer securefile.Sealer
}

type deviceFile struct {
	Version   int    `json:"version"`
	Address   string `json:"address"`
	CreatedAt string `json:"created_at,omitempty"`

	PayloadB64   string `json:"payload_b64"`
	SealedDEKB64 string `json:"sealed_dek_b64"`
}

type devicePlain struct {
	PrivKeyHex string `json:"priv_key_hex"`
}

// NewStore binds the canonical device file path to sealer.
func NewStore(sealer securefile.Sealer) (*Store, error) {
	if sealer == nil {
		return nil, errors.New("devicekit: sealer is required")
	}
	paths, err := securefile.ConfigPathCandidates(constants.AppName, constants.DeviceFileName)
	if err != nil {
		return nil, err
	}
	return &Store{Path: paths[0], Sealer: sealer}, nil
}

// Ensure loads the device key, creating and persisting one on first use.
func (s *Store) Ensure(ctx context.Context) (*Key, error) {
	f, err := securefile.ReadJSON[deviceFile](s.Path)
	if err == nil {
		return s.load(ctx, f)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "read %s", s.Path)
	}

	key, f, err := s.create(ctx)
	if err != nil {
		return nil, err
	}
	if err := securefile.WriteJSON(s.Path, f, constants.FilePerm, constants.DirectoryPerm); err != nil {
		return nil, errors.Wrap(err, "write device file")
	}
	return key, nil
}

func (s *Store) create(ctx context.Context) (*Key, deviceFile, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, deviceFile{}, errors.Wrap(err, "generate key")
	}

	dek, err := securefile.NewKey()
	if err != nil {
		return nil, deviceFile{}, err
	}
	defer securefile.ZeroBytes(dek)

	sealed, err := s.Sealer.Seal(ctx, constants.DeviceSealerLabel, dek)
	if err != nil {
		return nil, deviceFile{}, errors.Wrap(err, "seal dek")
	}

	plain, err := json.Marshal(devicePlain{PrivKeyHex: hexutil.Encode(crypto.FromECDSA(priv))})
	if err != nil {
		return nil, deviceFile{}, err
	}
	defer securefile.ZeroBytes(plain)

	payload, err := securefile.SealBytes(dek, plain, []byte(constants.DevicePayloadAAD))
	if err != nil {
		return nil, deviceFile{}, err
	}

	key := newKey(priv)
	return key, deviceFile{
		Version:      fileVersion,
		Address:      key.Address().Hex(),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		PayloadB64:   base64.StdEncoding.EncodeToString(payload),
		SealedDEKB64: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func (s *Store) load(ctx context.Context, f deviceFile) (*Key, error) {
	if f.Version != fileVersion {
		return nil, errors.Newf("unsupported device file version: %d", f.Version)
	}
	payload, err := base64.StdEncoding.DecodeString(f.PayloadB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}
	sealed, err := base64.StdEncoding.DecodeString(f.SealedDEKB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode sealed dek")
	}

	dek, err := s.Sealer.Unseal(ctx, constants.DeviceSealerLabel, sealed)
	if err != nil {
		return nil, errors.Wrap(err, "unseal dek")
	}
	defer securefile.ZeroBytes(dek)

	plainJSON, err := securefile.OpenBytes(dek, payload, []byte(constants.DevicePayloadAAD))
	if err != nil {
		return nil, errors.New("device file decrypt failed (sealer changed or file corrupted)")
	}
	defer securefile.ZeroBytes(plainJSON)

	var plain devicePlain
	if err := json.Unmarshal(plainJSON, &plain); err != nil {
		return nil, errors.Wrap(err, "unmarshal plain")
	}
	privBytes, err := hexutil.Decode(plain.PrivKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "privkey hex")
	}
	priv, err := crypto.ToECDSA(privBytes)
	if err != nil {
		return nil, errors.Wrap(err, "to ecdsa")
	}

	key := newKey(priv)
	if key.Address() != common.HexToAddress(f.Address) {
		return nil, errors.New("device file mismatch: address does not match private key")
	}
	return key, nil
}

// Key is the device's non-exportable signing key.
type Key struct {
	addr common.Address
	priv *ecdsa.PrivateKey
}

func newKey(priv *ecdsa.PrivateKey) *Key {
	return &Key{addr: crypto.PubkeyToAddress(priv.PublicKey), priv: priv}
}

func (k *Key) Address() common.Address { return k.addr }

// SignHash signs a 32 byte digest. V is 0 or 1.
func (k *Key) SignHash(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.Newf("digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, k.priv)
}
