// Package trustchain authenticates the bridge against the keyring protocol,
// bootstrapping a new trust chain or rejoining the stored one.
package trustchain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
)

var (
	ErrNoSession          = errors.New("no device session and no trust chain")
	ErrAuthContextMissing = errors.New("missing auth context")
	ErrDecrypt            = errors.New("decrypt failed")
	ErrDecompress         = errors.New("decompress failed")
	// ErrLoggedOut fails an authentication that was still running when
	// Logout was called.
	ErrLoggedOut = errors.New("authentication cancelled by logout")
)

// Params is handed to the keyring client. TrustChainID is empty for the
// bootstrap flow.
type Params struct {
	SessionID    string
	KeyPair      []byte
	TrustChainID string
}

// AuthResult is the output of a completed keyring authentication.
type AuthResult struct {
	JWT             string `json:"jwt"`
	TrustChainID    string `json:"trustchainId"`
	ApplicationPath string `json:"applicationPath"`
	EncryptionKey   []byte `json:"encryptionKey"`
}

// KeyringClient is the keyring/sync protocol client.
type KeyringClient interface {
	Authenticate(ctx context.Context, p Params) (<-chan deviceaction.State, error)
	DecryptData(key, data []byte) ([]byte, error)
}

// AuthContext is the in-memory result of a successful authentication. It is
// never persisted.
type AuthContext struct {
	JWT             string
	TrustChainID    string
	ApplicationPath string
	EncryptionKey   []byte
	KeyPair         []byte
}

// clone returns a copy that owns its key material, so clearing the
// authenticator's copy never reaches a caller's.
func (c *AuthContext) clone() *AuthContext {
	if c == nil {
		return nil
	}
	out := *c
	out.EncryptionKey = append([]byte(nil), c.EncryptionKey...)
	out.KeyPair = append([]byte(nil), c.KeyPair...)
	return &out
}

func (c *AuthContext) clear() {
	if c == nil {
		return
	}
	for i := range c.EncryptionKey {
		c.EncryptionKey[i] = 0
	}
	for i := range c.KeyPair {
		c.KeyPair[i] = 0
	}
}

// State is the authenticator state.
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateFailed         State = "failed"
)

// StatusKind tags an AuthStatus.
type StatusKind string

const (
	StatusInteractionRequired StatusKind = "interaction_required"
	StatusAuthenticated       StatusKind = "authenticated"
	StatusFailed              StatusKind = "failed"
)

// AuthStatus is one value of an Authenticate stream.
type AuthStatus struct {
	Kind        StatusKind
	Interaction deviceaction.Interaction
	Context     *AuthContext
	Err         error
}

func (s AuthStatus) Terminal() bool {
	return s.Kind == StatusAuthenticated || s.Kind == StatusFailed
}

func (s AuthStatus) MarshalJSON() ([]byte, error) {
	out := struct {
		Status          StatusKind               `json:"status"`
		Interaction     deviceaction.Interaction `json:"interaction,omitempty"`
		TrustChainID    string                   `json:"trustChainId,omitempty"`
		ApplicationPath string                   `json:"applicationPath,omitempty"`
		Error           string                   `json:"error,omitempty"`
		ErrorKind       ErrorKind                `json:"errorKind,omitempty"`
	}{
		Status:      s.Kind,
		Interaction: s.Interaction,
	}
	if s.Context != nil {
		out.TrustChainID = s.Context.TrustChainID
		out.ApplicationPath = s.Context.ApplicationPath
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
		var ae *AuthenticationError
		if errors.As(s.Err, &ae) {
			out.ErrorKind = ae.Kind
		}
	}
	return json.Marshal(out)
}

// ErrorKind classifies authentication failures.
type ErrorKind string

const (
	ErrorDeviceDisconnected ErrorKind = "device-disconnected"
	ErrorUserRejected       ErrorKind = "user-rejected"
	ErrorTimeout            ErrorKind = "timeout"
	ErrorUnknown            ErrorKind = "unknown"
)

// AuthenticationError is the uniform error of a failed authentication.
type AuthenticationError struct {
	Kind ErrorKind
	Err  error
}

func (e *AuthenticationError) Error() string {
	switch e.Kind {
	case ErrorDeviceDisconnected:
		return "authentication failed: device disconnected"
	case ErrorUserRejected:
		return "authentication failed: rejected on device"
	case ErrorTimeout:
		return "authentication failed: timed out"
	default:
		if e.Err != nil {
			return fmt.Sprintf("authentication failed: %v", e.Err)
		}
		return "authentication failed"
	}
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func classify(err error) *AuthenticationError {
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return ae
	}
	kind := ErrorUnknown
	switch deviceaction.ErrorTag(err) {
	case deviceaction.TagDeviceDisconnected:
		kind = ErrorDeviceDisconnected
	case deviceaction.TagUserRefused:
		kind = ErrorUserRejected
	case deviceaction.TagTimeout:
		kind = ErrorTimeout
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrorTimeout
		} else if errors.Is(err, deviceaction.ErrConnection) {
			kind = ErrorDeviceDisconnected
		}
	}
	return &AuthenticationError{Kind: kind, Err: err}
}
