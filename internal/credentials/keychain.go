package credentials

import (
	"context"
	"crypto/ecdsa"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-device-bridge/internal/constants"
	"github.com/quantumauth-io/quantum-device-bridge/internal/securefile"
)

// LatestSchemaVersion is the schema Migrate brings the store to.
const LatestSchemaVersion = 1

// ErrMigration marks every error returned by Migrate.
var ErrMigration = errors.New("credential migration failed")

// KeyGenerator returns a fresh serialized keypair.
type KeyGenerator func() ([]byte, error)

// GenerateSecp256k1 returns a new secp256k1 private key as 32 raw bytes.
func GenerateSecp256k1() ([]byte, error) {
	k, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return crypto.FromECDSA(k), nil
}

// PrivateKey parses keypair bytes produced by GenerateSecp256k1.
func PrivateKey(keyPair []byte) (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(keyPair)
}

// Keychain layers keypair encryption and schema migration over a Store.
type Keychain struct {
	store    *Store
	sealer   securefile.Sealer
	generate KeyGenerator

	mu      sync.Mutex
	pending []byte
}

func NewKeychain(store *Store, sealer securefile.Sealer, generate KeyGenerator) *Keychain {
	if generate == nil {
		generate = GenerateSecp256k1
	}
	return &Keychain{store: store, sealer: sealer, generate: generate}
}

func (k *Keychain) Store() *Store { return k.store }

func migrationError(step string, err error) error {
	return errors.Mark(errors.Wrapf(err, "migrate credentials: %s", step), ErrMigration)
}

// Migrate brings the store to LatestSchemaVersion. When already current it
// touches nothing but the cached version. A failure leaves the version where
// it was.
func (k *Keychain) Migrate(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	v, err := k.store.GetDBVersion(ctx)
	if err != nil {
		return migrationError("read version", err)
	}
	if v >= LatestSchemaVersion {
		return nil
	}

	var generated []byte
	plain, err := k.store.GetKeyPair(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		// Nothing to migrate. The fresh keypair is kept in memory and only
		// persisted, encrypted, on first use.
		if generated, err = k.generate(); err != nil {
			return migrationError("generate keypair", err)
		}

	case err != nil:
		return migrationError("read keypair", err)

	default:
		if err := k.reencrypt(ctx, plain); err != nil {
			return err
		}
	}

	if err := k.store.SetDBVersion(ctx, LatestSchemaVersion); err != nil {
		if plain != nil {
			k.restorePlaintext(ctx, plain)
		}
		return migrationError("write version", err)
	}
	if generated != nil {
		k.pending = generated
	}
	log.Info("credential store migrated", "from", v, "to", LatestSchemaVersion)
	return nil
}

func (k *Keychain) reencrypt(ctx context.Context, plain []byte) error {
	dek, err := k.encryptionKey(ctx)
	if err != nil {
		return migrationError("encryption key", err)
	}
	defer securefile.ZeroBytes(dek)

	enc, err := securefile.SealBytes(dek, plain, []byte(constants.KeyPairAAD))
	if err != nil {
		return migrationError("encrypt keypair", err)
	}

	// Remove strictly before store: a crash in between leaves no keypair
	// rather than two of differing formats.
	if err := k.store.RemoveKeyPair(ctx); err != nil {
		return migrationError("remove plaintext keypair", err)
	}
	if err := k.store.StoreKeyPair(ctx, enc); err != nil {
		k.restorePlaintext(ctx, plain)
		return migrationError("store encrypted keypair", err)
	}
	return nil
}

// restorePlaintext puts the schema 0 keypair back after a failed migration so
// the next start retries from the same state.
func (k *Keychain) restorePlaintext(ctx context.Context, plain []byte) {
	if err := k.store.RemoveKeyPair(ctx); err != nil {
		log.Error("rollback: remove keypair failed", "error", err)
		return
	}
	if err := k.store.StoreKeyPair(ctx, plain); err != nil {
		log.Error("rollback: restore plaintext keypair failed", "error", err)
	}
}

// GetOrCreateKeyPair returns the decrypted keypair, generating and persisting
// one when none is stored. The store must be migrated.
func (k *Keychain) GetOrCreateKeyPair(ctx context.Context) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	v, err := k.store.GetDBVersion(ctx)
	if err != nil {
		return nil, err
	}
	if v < LatestSchemaVersion {
		return nil, errors.Newf("credential store at schema %d, migration required", v)
	}

	enc, err := k.store.GetKeyPair(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	dek, err := k.encryptionKey(ctx)
	if err != nil {
		return nil, err
	}
	defer securefile.ZeroBytes(dek)

	if enc != nil {
		plain, err := securefile.OpenBytes(dek, enc, []byte(constants.KeyPairAAD))
		if err != nil {
			return nil, errors.Wrap(err, "decrypt keypair")
		}
		return plain, nil
	}

	kp := k.pending
	if kp == nil {
		if kp, err = k.generate(); err != nil {
			return nil, errors.Wrap(err, "generate keypair")
		}
	}
	sealed, err := securefile.SealBytes(dek, kp, []byte(constants.KeyPairAAD))
	if err != nil {
		return nil, errors.Wrap(err, "encrypt keypair")
	}
	if err := k.store.StoreKeyPair(ctx, sealed); err != nil {
		return nil, err
	}
	k.pending = nil
	return kp, nil
}

// KeyPair returns the stored keypair without creating one.
func (k *Keychain) KeyPair(ctx context.Context) ([]byte, error) {
	enc, err := k.store.GetKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	dek, err := k.encryptionKey(ctx)
	if err != nil {
		return nil, err
	}
	defer securefile.ZeroBytes(dek)
	plain, err := securefile.OpenBytes(dek, enc, []byte(constants.KeyPairAAD))
	if err != nil {
		return nil, errors.Wrap(err, "decrypt keypair")
	}
	return plain, nil
}

// encryptionKey unseals the stored data encryption key, creating and sealing
// one on first use.
func (k *Keychain) encryptionKey(ctx context.Context) ([]byte, error) {
	sealed, err := k.store.GetEncryptionKey(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		dek, err := securefile.NewKey()
		if err != nil {
			return nil, errors.Wrap(err, "generate encryption key")
		}
		blob, err := k.sealer.Seal(ctx, constants.EncryptionKeySealerLabel, dek)
		if err != nil {
			return nil, errors.Wrap(err, "seal encryption key")
		}
		if err := k.store.StoreEncryptionKey(ctx, blob); err != nil {
			return nil, err
		}
		return dek, nil

	case err != nil:
		return nil, err
	}

	dek, err := k.sealer.Unseal(ctx, constants.EncryptionKeySealerLabel, sealed)
	if err != nil {
		return nil, errors.Wrap(err, "unseal encryption key")
	}
	if len(dek) != securefile.KeySize {
		return nil, errors.Newf("unsealed encryption key has %d bytes", len(dek))
	}
	return dek, nil
}
