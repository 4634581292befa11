package state

import (
	"encoding/json"
	"fmt"
)

// Intent kinds.
const (
	KindSetLayout           = "setLayout"
	KindSetSpeed            = "setSpeed"
	KindSetPosition         = "setPosition"
	KindSetOpacity          = "setOpacity"
	KindTogglePower         = "togglePower"
	KindSetPower            = "setPower"
	KindSetTheme            = "setTheme"
	KindSetFinanceSymbols   = "setFinanceSymbols"
	KindToggleFinanceSymbol = "toggleFinanceSymbol"
	KindSetSessionUser      = "setSessionUser"
	KindLogout              = "logout"
)

// Intent is a tagged request to mutate the canonical tree. The payload is
// kept encoded until the reducer for Kind decodes it.
type Intent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewIntent encodes payload into an Intent. A nil payload produces an intent
// without one.
func NewIntent(kind string, payload any) (Intent, error) {
	in := Intent{Kind: kind}
	if payload == nil {
		return in, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Intent{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	in.Payload = raw
	return in, nil
}

// MustIntent is NewIntent for payloads known to encode.
func MustIntent(kind string, payload any) Intent {
	in, err := NewIntent(kind, payload)
	if err != nil {
		panic(err)
	}
	return in
}

func (i Intent) String() string {
	if len(i.Payload) == 0 {
		return i.Kind
	}
	return i.Kind + " " + string(i.Payload)
}
