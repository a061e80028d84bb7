// Package credentials persists the bridge keypair, its encryption key and the
// trust chain id, and migrates the record across schema versions.
package credentials

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/quantumauth-io/quantum-device-bridge/internal/constants"
)

// Error kinds. Store errors are marked with exactly one of these; test with
// errors.Is. ErrNotFound is never a storage failure.
var (
	ErrNotFound       = errors.New("credential not found")
	ErrNotInitialized = errors.New("credential store not initialized")
	ErrOpen           = errors.New("credential store open failed")
	ErrGet            = errors.New("credential read failed")
	ErrStore          = errors.New("credential write failed")
	ErrRemove         = errors.New("credential remove failed")
)

// TrustChainRecord is the persisted trust chain reference.
type TrustChainRecord struct {
	ID      string    `json:"id"`
	SavedAt time.Time `json:"savedAt"`
}

// Expired reports whether the record is older than ttl at now. A zero ttl
// never expires.
func (r TrustChainRecord) Expired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(r.SavedAt) > ttl
}

// Store is the versioned credential record. Open must succeed before any
// other call; until then they fail with ErrNotInitialized.
type Store struct {
	backend Backend
	group   singleflight.Group

	mu      sync.RWMutex
	handle  Handle
	version *int
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Open is idempotent. Concurrent callers share one in-flight open.
func (s *Store) Open(ctx context.Context) error {
	if s.current() != nil {
		return nil
	}
	_, err, _ := s.group.Do("open", func() (any, error) {
		if s.current() != nil {
			return nil, nil
		}
		h, err := s.backend.Open(ctx)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "open credential store"), ErrOpen)
		}
		s.mu.Lock()
		s.handle = h
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	err := s.handle.Close()
	s.handle = nil
	s.version = nil
	return err
}

func (s *Store) current() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	h := s.current()
	if h == nil {
		return nil, ErrNotInitialized
	}
	v, ok, err := h.Get(ctx, key)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "get %s", key), ErrGet)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *Store) put(ctx context.Context, key string, value []byte) error {
	h := s.current()
	if h == nil {
		return ErrNotInitialized
	}
	if err := h.Put(ctx, key, value); err != nil {
		return errors.Mark(errors.Wrapf(err, "store %s", key), ErrStore)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, key string) error {
	h := s.current()
	if h == nil {
		return ErrNotInitialized
	}
	if err := h.Delete(ctx, key); err != nil {
		return errors.Mark(errors.Wrapf(err, "remove %s", key), ErrRemove)
	}
	return nil
}

// GetKeyPair returns the stored keypair bytes: plaintext at schema 0,
// encrypted from schema 1 on.
func (s *Store) GetKeyPair(ctx context.Context) ([]byte, error) {
	return s.get(ctx, constants.KeyKeyPair)
}

func (s *Store) StoreKeyPair(ctx context.Context, b []byte) error {
	return s.put(ctx, constants.KeyKeyPair, b)
}

func (s *Store) RemoveKeyPair(ctx context.Context) error {
	return s.remove(ctx, constants.KeyKeyPair)
}

// StoreEncryptionKey stores the sealed encryption key handle.
func (s *Store) StoreEncryptionKey(ctx context.Context, sealed []byte) error {
	return s.put(ctx, constants.KeyEncryptionKey, sealed)
}

func (s *Store) GetEncryptionKey(ctx context.Context) ([]byte, error) {
	return s.get(ctx, constants.KeyEncryptionKey)
}

// GetDBVersion returns the schema version; an absent version is 0. The value
// is cached after the first read.
func (s *Store) GetDBVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	cached := s.version
	s.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}

	raw, err := s.get(ctx, constants.KeySchemaVersion)
	v := 0
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if v, err = strconv.Atoi(string(raw)); err != nil {
			return 0, errors.Mark(errors.Wrapf(err, "parse %s", constants.KeySchemaVersion), ErrGet)
		}
	}

	s.mu.Lock()
	s.version = &v
	s.mu.Unlock()
	return v, nil
}

func (s *Store) SetDBVersion(ctx context.Context, v int) error {
	if err := s.put(ctx, constants.KeySchemaVersion, []byte(strconv.Itoa(v))); err != nil {
		return err
	}
	s.mu.Lock()
	s.version = &v
	s.mu.Unlock()
	return nil
}

// TrustChainID returns the persisted trust chain record.
func (s *Store) TrustChainID(ctx context.Context) (TrustChainRecord, error) {
	raw, err := s.get(ctx, constants.KeyTrustChainID)
	if err != nil {
		return TrustChainRecord{}, err
	}
	var rec TrustChainRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return TrustChainRecord{}, errors.Mark(errors.Wrap(err, "decode trust chain record"), ErrGet)
	}
	if rec.ID == "" {
		return TrustChainRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *Store) SaveTrustChainID(ctx context.Context, id string, savedAt time.Time) error {
	if id == "" {
		return errors.Mark(errors.New("empty trust chain id"), ErrStore)
	}
	b, err := json.Marshal(TrustChainRecord{ID: id, SavedAt: savedAt.UTC()})
	if err != nil {
		return errors.Mark(err, ErrStore)
	}
	return s.put(ctx, constants.KeyTrustChainID, b)
}

func (s *Store) RemoveTrustChainID(ctx context.Context) error {
	return s.remove(ctx, constants.KeyTrustChainID)
}

// Reset removes every record and returns the store to schema 0.
func (s *Store) Reset(ctx context.Context) error {
	for _, key := range []string{
		constants.KeyTrustChainID,
		constants.KeyKeyPair,
		constants.KeyEncryptionKey,
		constants.KeySchemaVersion,
	} {
		if err := s.remove(ctx, key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.version = nil
	s.mu.Unlock()
	return nil
}

// Status summarises what is stored, without reading secrets.
type Status struct {
	SchemaVersion int               `json:"schemaVersion"`
	HasKeyPair    bool              `json:"hasKeyPair"`
	HasEncryption bool              `json:"hasEncryptionKey"`
	TrustChain    *TrustChainRecord `json:"trustChain,omitempty"`
}

func (s *Store) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.SchemaVersion, err = s.GetDBVersion(ctx); err != nil {
		return st, err
	}
	if st.HasKeyPair, err = s.has(ctx, constants.KeyKeyPair); err != nil {
		return st, err
	}
	if st.HasEncryption, err = s.has(ctx, constants.KeyEncryptionKey); err != nil {
		return st, err
	}
	rec, err := s.TrustChainID(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return st, err
	default:
		st.TrustChain = &rec
	}
	return st, nil
}

func (s *Store) has(ctx context.Context, key string) (bool, error) {
	_, err := s.get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
