// Package securefile seals small secrets and writes JSON files atomically.
// Passphrases go through Argon2id; payloads use XChaCha20-Poly1305.
package securefile

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidKeyOrCorrupt is the only error a failed decryption returns.
	ErrInvalidKeyOrCorrupt = errors.New("invalid key or corrupted data")
)

// KeySize is the size of every data encryption key handled here.
const KeySize = chacha20poly1305.KeySize

// Sealer protects a small secret (a DEK). Implemented by tpmdevice.Sealer
// and by PassphraseSealer.
type Sealer interface {
	Seal(ctx context.Context, label string, secret []byte) ([]byte, error)
	Unseal(ctx context.Context, label string, blob []byte) ([]byte, error)
}

// KDFParams describes the passphrase envelope written by PassphraseSealer.
type KDFParams struct {
	Version int    `json:"version"`
	Label   string `json:"label"`

	ArgonTime    uint32 `json:"argon_time"`
	ArgonMemory  uint32 `json:"argon_memory_kib"`
	ArgonThreads uint8  `json:"argon_threads"`
	ArgonKeyLen  uint32 `json:"argon_key_len"`
	SaltB64      string `json:"salt_b64"`

	NonceB64 string `json:"nonce_b64"`
	CTB64    string `json:"ct_b64"`
}

var DefaultKDF = KDFParams{
	Version:      1,
	ArgonTime:    2,
	ArgonMemory:  64 * 1024,
	ArgonThreads: 1,
	ArgonKeyLen:  32,
}

// PassphraseSealer seals secrets under an Argon2id-derived key. Used when no
// TPM is available.
type PassphraseSealer struct {
	password []byte
	kdf      KDFParams
}

func NewPassphraseSealer(password []byte, kdf ...KDFParams) (*PassphraseSealer, error) {
	if len(password) == 0 {
		return nil, errors.New("securefile: empty password")
	}
	if isAllZero(password) {
		return nil, errors.New("securefile: zeroed password buffer")
	}
	params := DefaultKDF
	if len(kdf) > 0 && kdf[0].Version != 0 {
		params = kdf[0]
	}
	pw := make([]byte, len(password))
	copy(pw, password)
	return &PassphraseSealer{password: pw, kdf: params}, nil
}

func (p *PassphraseSealer) Seal(ctx context.Context, label string, secret []byte) ([]byte, error) {
	_ = ctx

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "rand salt")
	}

	key := argon2.IDKey(p.password, salt, p.kdf.ArgonTime, p.kdf.ArgonMemory, p.kdf.ArgonThreads, p.kdf.ArgonKeyLen)
	defer ZeroBytes(key)

	sealed, err := SealBytes(key, secret, []byte(label))
	if err != nil {
		return nil, err
	}

	out := p.kdf
	out.Label = label
	out.SaltB64 = base64.StdEncoding.EncodeToString(salt)
	out.NonceB64 = base64.StdEncoding.EncodeToString(sealed[:chacha20poly1305.NonceSizeX])
	out.CTB64 = base64.StdEncoding.EncodeToString(sealed[chacha20poly1305.NonceSizeX:])

	b, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return b, nil
}

func (p *PassphraseSealer) Unseal(ctx context.Context, label string, blob []byte) ([]byte, error) {
	_ = ctx

	var ef KDFParams
	if err := json.Unmarshal(blob, &ef); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope")
	}
	if ef.Version != 1 {
		return nil, errors.Newf("unsupported envelope version: %d", ef.Version)
	}
	if ef.Label != label {
		return nil, ErrInvalidKeyOrCorrupt
	}

	salt, err := base64.StdEncoding.DecodeString(ef.SaltB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode salt")
	}
	nonce, err := base64.StdEncoding.DecodeString(ef.NonceB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode nonce")
	}
	ct, err := base64.StdEncoding.DecodeString(ef.CTB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode ciphertext")
	}

	key := argon2.IDKey(p.password, salt, ef.ArgonTime, ef.ArgonMemory, ef.ArgonThreads, ef.ArgonKeyLen)
	defer ZeroBytes(key)

	return OpenBytes(key, append(nonce, ct...), []byte(label))
}

// Clear wipes the password held by the sealer.
func (p *PassphraseSealer) Clear() {
	ZeroBytes(p.password)
}

// NewKey returns a fresh random 32-byte data encryption key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "rand key")
	}
	return key, nil
}

// SealBytes encrypts plain with key. Output layout: nonce || ciphertext.
func SealBytes(key, plain, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "aead")
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "rand nonce")
	}

	return aead.Seal(nonce, nonce, plain, aad), nil
}

// OpenBytes reverses SealBytes.
func OpenBytes(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "aead")
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, ErrInvalidKeyOrCorrupt
	}

	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrInvalidKeyOrCorrupt
	}
	return plain, nil
}

// AtomicWriteFile writes data to a temp file beside path, syncs it and renames
// it over path. The data is written as is.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp")
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write temp")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "sync temp")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close temp")
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return errors.Wrap(err, "chmod temp")
	}
	return errors.Wrapf(os.Rename(tmp, path), "rename into %s", path)
}

// WriteJSON creates the parent directory with permDir and writes v as
// indented JSON.
func WriteJSON[T any](path string, v T, permFile, permDir os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, permDir); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	return AtomicWriteFile(path, b, permFile)
}

// ReadJSON decodes the JSON file at path. A missing file matches
// os.ErrNotExist.
func ReadJSON[T any](path string) (T, error) {
	var out T
	b, err := os.ReadFile(path)
	if err != nil {
		return out, errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		var zero T
		return zero, errors.Wrapf(err, "decode %s", path)
	}
	return out, nil
}

// ConfigPathCandidates lists where app keeps filename, most preferred first:
// $SNAP_REAL_HOME/.config, $HOME/.config, then os.UserConfigDir. QA_ENV adds
// an environment subfolder.
func ConfigPathCandidates(app, filename string) ([]string, error) {
	if app == "" || filename == "" {
		return nil, errors.New("securefile: app and filename are required")
	}
	envFolder, err := QaEnvFolder()
	if err != nil {
		return nil, err
	}

	var bases []string
	for _, env := range []string{"SNAP_REAL_HOME", "HOME"} {
		if home := os.Getenv(env); home != "" {
			bases = append(bases, filepath.Join(home, ".config", app))
		}
	}
	cfgDir, cfgErr := os.UserConfigDir()
	if cfgErr == nil {
		bases = append(bases, filepath.Join(cfgDir, app))
	}
	if len(bases) == 0 {
		return nil, errors.Wrap(cfgErr, "no config directory")
	}

	paths := make([]string, 0, len(bases))
	for _, base := range bases {
		p := filepath.Join(base, envFolder, filename)
		if !slices.Contains(paths, p) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// QaEnvFolder maps QA_ENV to the per-environment config subfolder.
func QaEnvFolder() (string, error) {
	raw := strings.TrimSpace(os.Getenv("QA_ENV"))
	switch strings.ToLower(raw) {
	case "":
		return "", nil
	case "local":
		return "local", nil
	case "dev", "develop", "development":
		return "develop", nil
	case "prod", "production":
		return "", nil
	default:
		return "", errors.Newf("invalid QA_ENV %q", raw)
	}
}

// ZeroBytes wipes b in place.
func ZeroBytes(b []byte) {
	clear(b)
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
