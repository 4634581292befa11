package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/brandon-relentnet/scrollr-sub001/internal/state"
)

// MessageType tags an Envelope.
type MessageType string

const (
	TypeGetState          MessageType = "GET_STATE"
	TypeDispatchAction    MessageType = "DISPATCH_ACTION"
	TypeLayoutChanged     MessageType = "LAYOUT_CHANGED"
	TypePowerToggled      MessageType = "POWER_TOGGLED"
	TypeSpeedChanged      MessageType = "SPEED_CHANGED"
	TypePositionChanged   MessageType = "POSITION_CHANGED"
	TypeOpacityChanged    MessageType = "OPACITY_CHANGED"
	TypeGetIframeState    MessageType = "GET_IFRAME_STATE"
	TypeIframeStateUpdate MessageType = "IFRAME_STATE_UPDATE"
	TypeLogoutRefresh     MessageType = "LOGOUT_REFRESH"
)

// Notification reports whether t is pushed by the central store rather than
// requested by a peer.
func (t MessageType) Notification() bool {
	return t == TypeIframeStateUpdate || t == TypeLogoutRefresh
}

// Envelope is one message between contexts. Only the fields relevant to
// Type are set.
type Envelope struct {
	Type     MessageType     `json:"type"`
	Action   *state.Intent   `json:"action,omitempty"`
	Layout   string          `json:"layout,omitempty"`
	Power    *bool           `json:"power,omitempty"`
	Speed    string          `json:"speed,omitempty"`
	Position string          `json:"position,omitempty"`
	Opacity  *float64        `json:"opacity,omitempty"`
	State    *state.Snapshot `json:"state,omitempty"`
	Iframe   *state.Iframe   `json:"iframe,omitempty"`
}

// Intent converts a fine-grained or DISPATCH_ACTION envelope into the intent
// it requests. The bool is false for envelopes that request no mutation.
func (e Envelope) Intent() (state.Intent, bool, error) {
	switch e.Type {
	case TypeDispatchAction:
		if e.Action == nil {
			return state.Intent{}, true, fmt.Errorf("%w: DISPATCH_ACTION without action", state.ErrMalformedIntent)
		}
		return *e.Action, true, nil
	case TypeLayoutChanged:
		in, err := state.NewIntent(state.KindSetLayout, e.Layout)
		return in, true, err
	case TypePowerToggled:
		if e.Power == nil {
			return state.Intent{Kind: state.KindTogglePower}, true, nil
		}
		in, err := state.NewIntent(state.KindSetPower, *e.Power)
		return in, true, err
	case TypeSpeedChanged:
		in, err := state.NewIntent(state.KindSetSpeed, e.Speed)
		return in, true, err
	case TypePositionChanged:
		in, err := state.NewIntent(state.KindSetPosition, e.Position)
		return in, true, err
	case TypeOpacityChanged:
		if e.Opacity == nil {
			return state.Intent{}, true, fmt.Errorf("%w: OPACITY_CHANGED without opacity", state.ErrMalformedIntent)
		}
		in, err := state.NewIntent(state.KindSetOpacity, *e.Opacity)
		return in, true, err
	}
	return state.Intent{}, false, nil
}

// Dispatch wraps an intent in a DISPATCH_ACTION envelope.
func Dispatch(in state.Intent) Envelope {
	return Envelope{Type: TypeDispatchAction, Action: &in}
}

// IframeUpdate builds the broadcast sent after a successful dispatch.
func IframeUpdate(snap state.Snapshot) Envelope {
	snap = snap.Clone()
	proj := snap.State.Iframe()
	return Envelope{
		Type:     TypeIframeStateUpdate,
		Layout:   proj.Layout,
		Power:    &proj.Power,
		Speed:    proj.Speed,
		Position: proj.Position,
		Opacity:  &proj.Opacity,
		State:    &snap,
		Iframe:   &proj,
	}
}

// LogoutRefresh builds the invalidation broadcast.
func LogoutRefresh(snap state.Snapshot) Envelope {
	snap = snap.Clone()
	return Envelope{Type: TypeLogoutRefresh, State: &snap}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: type is required")
	}
	return e, nil
}
