// Package deviceaction translates the phased device-action states reported by
// a device SDK into the compact SignFlowStatus stream consumed by the bridge.
package deviceaction

import (
	"context"
	"fmt"
)

// Status is the phase of a device action.
type Status int

const (
	StatusPending Status = iota
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Interaction is the user interaction a pending device action waits for.
type Interaction string

const (
	InteractionNone                  Interaction = "none"
	InteractionUnlockDevice          Interaction = "unlock-device"
	InteractionAllowSecureConnection Interaction = "allow-secure-connection"
	InteractionConfirmOpenApp        Interaction = "confirm-open-app"
	InteractionSignTransaction       Interaction = "sign-transaction"
	InteractionAllowListApps         Interaction = "allow-list-apps"
)

// Known reports whether i is part of the enumeration surfaced to callers.
func (i Interaction) Known() bool {
	switch i {
	case InteractionUnlockDevice,
		InteractionAllowSecureConnection,
		InteractionConfirmOpenApp,
		InteractionSignTransaction,
		InteractionAllowListApps:
		return true
	}
	return false
}

func (i Interaction) isNone() bool {
	return i == "" || i == InteractionNone
}

// State is one value of a device action stream. Once a Completed or Error
// state is delivered the stream carries nothing else.
type State struct {
	Status      Status
	Interaction Interaction
	Output      any
	Err         error
}

func Pending(i Interaction) State { return State{Status: StatusPending, Interaction: i} }

func Completed(output any) State { return State{Status: StatusCompleted, Output: output} }

func Failed(err error) State { return State{Status: StatusError, Err: err} }

func (s State) Terminal() bool { return s.Status == StatusCompleted || s.Status == StatusError }

// ActionType names the device actions the bridge issues.
type ActionType string

const (
	ActionOpenAppWithDependencies ActionType = "open_app_with_dependencies"
	ActionSignTransaction         ActionType = "sign_transaction"
	ActionSignPersonalMessage     ActionType = "sign_personal_message"
	ActionSignTypedData           ActionType = "sign_typed_data"
	ActionGetAddress              ActionType = "get_address"
	ActionAuthenticate            ActionType = "authenticate"
)

// Action is a device action request.
type Action struct {
	Type           ActionType
	AppName        string
	Dependencies   []string
	DerivationPath string
	Payload        []byte
}

// DeviceStatus is the coarse device session status.
type DeviceStatus string

const (
	DeviceConnected    DeviceStatus = "CONNECTED"
	DeviceLocked       DeviceStatus = "LOCKED"
	DeviceBusy         DeviceStatus = "BUSY"
	DeviceNotConnected DeviceStatus = "NOT_CONNECTED"
)

type SessionState struct {
	DeviceStatus DeviceStatus
	CurrentApp   string
}

// SDK is the device SDK surface the bridge consumes.
type SDK interface {
	ExecuteDeviceAction(ctx context.Context, sessionID string, action Action) (<-chan State, error)
	DeviceSessionState(ctx context.Context, sessionID string) (<-chan SessionState, error)
	IsEnvironmentSupported() bool
}

// AppOpened is the output of a completed open-app action.
type AppOpened struct {
	App string `json:"app"`
}

// Signature is the output of a completed signing action. V is 0 or 1.
type Signature struct {
	R [32]byte
	S [32]byte
	V byte
}

// Bytes returns the 65 byte [R || S || V] form.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, 65)
	out = append(out, s.R[:]...)
	out = append(out, s.S[:]...)
	return append(out, s.V)
}
