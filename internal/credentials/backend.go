package credentials

import (
	"context"
	"io/fs"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/quantum-device-bridge/internal/constants"
	"github.com/quantumauth-io/quantum-device-bridge/internal/securefile"
)

// Backend opens the single underlying record handle.
type Backend interface {
	Open(ctx context.Context) (Handle, error)
}

// Handle is an open key/value record. Get reports ok=false for absent keys.
type Handle interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type fileRecord struct {
	Entries map[string][]byte `json:"entries"`
}

// FileBackend keeps every record in one JSON file, rewritten atomically on
// each mutation.
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

// DefaultFileBackend resolves the credentials file under the first config
// path candidate for the app.
func DefaultFileBackend() (*FileBackend, error) {
	paths, err := securefile.ConfigPathCandidates(constants.AppName, constants.CredentialsFile)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return NewFileBackend(p), nil
		}
	}
	return NewFileBackend(paths[0]), nil
}

func (b *FileBackend) Open(context.Context) (Handle, error) {
	rec, err := securefile.ReadJSON[fileRecord](b.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		rec = fileRecord{}
	}
	if rec.Entries == nil {
		rec.Entries = map[string][]byte{}
	}
	return &fileHandle{path: b.Path, rec: rec}, nil
}

type fileHandle struct {
	mu     sync.Mutex
	path   string
	rec    fileRecord
	closed bool
}

var errHandleClosed = errors.New("credential file handle closed")

func (h *fileHandle) Get(_ context.Context, key string) ([]byte, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false, errHandleClosed
	}
	v, ok := h.rec.Entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (h *fileHandle) Put(_ context.Context, key string, value []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	v := make([]byte, len(value))
	copy(v, value)

	prev, had := h.rec.Entries[key]
	h.rec.Entries[key] = v
	if err := h.flush(); err != nil {
		if had {
			h.rec.Entries[key] = prev
		} else {
			delete(h.rec.Entries, key)
		}
		return err
	}
	return nil
}

func (h *fileHandle) Delete(_ context.Context, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	prev, had := h.rec.Entries[key]
	if !had {
		return nil
	}
	delete(h.rec.Entries, key)
	if err := h.flush(); err != nil {
		h.rec.Entries[key] = prev
		return err
	}
	return nil
}

func (h *fileHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fileHandle) flush() error {
	return securefile.WriteJSON(h.path, h.rec, constants.FilePerm, constants.DirectoryPerm)
}
