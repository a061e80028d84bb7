package deviceaction

import (
	"encoding/json"
	"fmt"
)

// Kind tags a SignFlowStatus.
type Kind string

const (
	KindDebugging             Kind = "debugging"
	KindUserInteractionNeeded Kind = "user_interaction_needed"
	KindSuccess               Kind = "success"
	KindError                 Kind = "error"
)

// SignFlowStatus is the stable, translated view of a device flow.
// Debugging statuses are diagnostics only; Success and Error are terminal.
type SignFlowStatus struct {
	Kind        Kind
	Message     string
	Interaction Interaction
	Data        any
	Err         error
}

func Debugging(msg string) SignFlowStatus {
	return SignFlowStatus{Kind: KindDebugging, Message: msg}
}

func UserInteractionNeeded(i Interaction) SignFlowStatus {
	return SignFlowStatus{Kind: KindUserInteractionNeeded, Interaction: i}
}

func Success(data any) SignFlowStatus {
	return SignFlowStatus{Kind: KindSuccess, Data: data}
}

func Error(err error) SignFlowStatus {
	return SignFlowStatus{Kind: KindError, Err: err}
}

func (s SignFlowStatus) Terminal() bool {
	return s.Kind == KindSuccess || s.Kind == KindError
}

func (s SignFlowStatus) String() string {
	switch s.Kind {
	case KindDebugging:
		return fmt.Sprintf("debugging(%s)", s.Message)
	case KindUserInteractionNeeded:
		return fmt.Sprintf("user_interaction_needed(%s)", s.Interaction)
	case KindSuccess:
		return "success"
	case KindError:
		return fmt.Sprintf("error(%v)", s.Err)
	default:
		return string(s.Kind)
	}
}

type signFlowStatusJSON struct {
	Status      Kind        `json:"status"`
	Message     string      `json:"message,omitempty"`
	Interaction Interaction `json:"interaction,omitempty"`
	Data        any         `json:"data,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorTag    string      `json:"errorTag,omitempty"`
}

func (s SignFlowStatus) MarshalJSON() ([]byte, error) {
	out := signFlowStatusJSON{
		Status:      s.Kind,
		Message:     s.Message,
		Interaction: s.Interaction,
		Data:        s.Data,
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
		out.ErrorTag = ErrorTag(s.Err)
	}
	return json.Marshal(out)
}
