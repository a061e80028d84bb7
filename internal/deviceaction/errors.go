package deviceaction

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrConnection: no device, or the device went away mid-flow.
	ErrConnection = errors.New("device not connected")
	// ErrAccountNotSelected: a flow that needs an account started without one.
	ErrAccountNotSelected = errors.New("no account selected")
	// ErrDeviceBusy: a device invocation is already in flight.
	ErrDeviceBusy = errors.New("device busy")
	// ErrSigning marks errors reported by the device for a signing flow.
	ErrSigning = errors.New("signing failed")
	// ErrInvalidRequest: the request could not be turned into a device action.
	ErrInvalidRequest = errors.New("invalid signing request")
)

// Well-known device error tags.
const (
	TagDeviceDisconnected = "DeviceDisconnected"
	TagDeviceLocked       = "DeviceLocked"
	TagUserRefused        = "UserRefusedOnDevice"
	TagTimeout            = "Timeout"
	TagUnknown            = "Unknown"
)

// DeviceError is the error payload of a device action Error state.
type DeviceError struct {
	Tag     string
	Message string
	Err     error
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("device error %s", e.Tag)
	}
	return fmt.Sprintf("device error %s: %s", e.Tag, e.Message)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// ErrorTag returns the tag of the DeviceError in err's chain, or TagUnknown.
func ErrorTag(err error) string {
	var de *DeviceError
	if errors.As(err, &de) && de.Tag != "" {
		return de.Tag
	}
	return TagUnknown
}

func signingError(step string, cause error) error {
	if cause == nil {
		cause = errors.New("no error payload")
	}
	return errors.Mark(errors.Wrapf(cause, "device action %s", step), ErrSigning)
}

// dispatchError classifies an error returned by ExecuteDeviceAction itself,
// before any state was streamed.
func dispatchError(step string, err error) error {
	switch {
	case errors.Is(err, ErrDeviceBusy):
		return errors.Wrapf(err, "device action %s", step)
	case errors.Is(err, ErrConnection), ErrorTag(err) == TagDeviceDisconnected:
		return errors.Mark(errors.Wrapf(err, "device action %s", step), ErrConnection)
	default:
		return signingError(step, err)
	}
}

func connectionError(step string) error {
	return errors.Wrapf(ErrConnection, "device disconnected during %s", step)
}
