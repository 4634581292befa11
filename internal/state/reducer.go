package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownIntent is returned for an intent kind no reducer handles.
	ErrUnknownIntent = errors.New("unknown intent")
	// ErrMalformedIntent is returned when a payload fails to decode or validate.
	ErrMalformedIntent = errors.New("malformed intent")
)

// validate is safe for concurrent use and caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Reducer applies one intent kind to one slice of the tree. Apply receives a
// private clone and may mutate it freely.
type Reducer struct {
	Kind  string
	Slice string
	// Reset marks intents that replace the whole tree and require every
	// context to discard its cache.
	Reset bool
	Apply func(s *State, payload json.RawMessage) error
}

var reducers = map[string]Reducer{
	KindSetLayout: {Kind: KindSetLayout, Slice: SliceLayout, Apply: func(s *State, p json.RawMessage) error {
		v, err := decodeVar[string](p, "required,oneof=compact comfort")
		if err != nil {
			return err
		}
		s.Layout.Mode = v
		return nil
	}},
	KindSetSpeed: {Kind: KindSetSpeed, Slice: SliceLayout, Apply: func(s *State, p json.RawMessage) error {
		v, err := decodeVar[string](p, "required,oneof=slow classic fast")
		if err != nil {
			return err
		}
		s.Layout.Speed = v
		return nil
	}},
	KindSetPosition: {Kind: KindSetPosition, Slice: SliceLayout, Apply: func(s *State, p json.RawMessage) error {
		v, err := decodeVar[string](p, "required,oneof=top bottom")
		if err != nil {
			return err
		}
		s.Layout.Position = v
		return nil
	}},
	KindSetOpacity: {Kind: KindSetOpacity, Slice: SliceLayout, Apply: func(s *State, p json.RawMessage) error {
		v, err := decodeVar[float64](p, "gte=0,lte=1")
		if err != nil {
			return err
		}
		s.Layout.Opacity = v
		return nil
	}},
	KindTogglePower: {Kind: KindTogglePower, Slice: SlicePower, Apply: func(s *State, p json.RawMessage) error {
		if !isEmptyPayload(p) {
			return fmt.Errorf("%w: %s takes no payload", ErrMalformedIntent, KindTogglePower)
		}
		s.Power.Enabled = !s.Power.Enabled
		return nil
	}},
	KindSetPower: {Kind: KindSetPower, Slice: SlicePower, Apply: func(s *State, p json.RawMessage) error {
		if isEmptyPayload(p) {
			return fmt.Errorf("%w: %s requires a boolean", ErrMalformedIntent, KindSetPower)
		}
		v, err := decodeVar[bool](p, "")
		if err != nil {
			return err
		}
		s.Power.Enabled = v
		return nil
	}},
	KindSetTheme: {Kind: KindSetTheme, Slice: SliceTheme, Apply: func(s *State, p json.RawMessage) error {
		v, err := decodeVar[string](p, "required,oneof=dark light system")
		if err != nil {
			return err
		}
		s.Theme.Name = v
		return nil
	}},
	KindSetFinanceSymbols: {Kind: KindSetFinanceSymbols, Slice: SliceFinance, Apply: func(s *State, p json.RawMessage) error {
		v, err := decodeVar[[]string](p, "max=64,unique,dive,required,uppercase,max=12")
		if err != nil {
			return err
		}
		s.Finance.Symbols = slices.Clone(v)
		if s.Finance.Symbols == nil {
			s.Finance.Symbols = []string{}
		}
		return nil
	}},
	KindToggleFinanceSymbol: {Kind: KindToggleFinanceSymbol, Slice: SliceFinance, Apply: func(s *State, p json.RawMessage) error {
		v, err := decodeVar[string](p, "required,uppercase,max=12")
		if err != nil {
			return err
		}
		if i := slices.Index(s.Finance.Symbols, v); i >= 0 {
			s.Finance.Symbols = slices.Delete(s.Finance.Symbols, i, i+1)
			return nil
		}
		if len(s.Finance.Symbols) >= 64 {
			return fmt.Errorf("%w: finance selection is full", ErrMalformedIntent)
		}
		s.Finance.Symbols = append(s.Finance.Symbols, v)
		return nil
	}},
	KindSetSessionUser: {Kind: KindSetSessionUser, Slice: SliceSession, Apply: func(s *State, p json.RawMessage) error {
		v, err := decodeVar[string](p, "max=128")
		if err != nil {
			return err
		}
		s.Session.User = strings.TrimSpace(v)
		return nil
	}},
	KindLogout: {Kind: KindLogout, Slice: "*", Reset: true, Apply: func(s *State, p json.RawMessage) error {
		*s = Defaults()
		return nil
	}},
}

// Lookup returns the reducer registered for kind.
func Lookup(kind string) (Reducer, bool) {
	r, ok := reducers[kind]
	return r, ok
}

// Kinds lists every registered intent kind, sorted.
func Kinds() []string {
	out := make([]string, 0, len(reducers))
	for k := range reducers {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Reduce validates in and applies it to a clone of s. On error s is
// untouched and the returned tree is the zero value.
func Reduce(s State, in Intent) (State, Reducer, error) {
	r, ok := reducers[in.Kind]
	if !ok {
		return State{}, Reducer{}, fmt.Errorf("%w: %q", ErrUnknownIntent, in.Kind)
	}
	next := s.Clone()
	if err := r.Apply(&next, in.Payload); err != nil {
		return State{}, Reducer{}, fmt.Errorf("reduce %s: %w", in.Kind, err)
	}
	return next, r, nil
}

func decodeVar[T any](payload json.RawMessage, tag string) (T, error) {
	var v T
	if isEmptyPayload(payload) {
		if tag == "" {
			return v, nil
		}
		return v, fmt.Errorf("%w: missing payload", ErrMalformedIntent)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedIntent, err)
	}
	if tag == "" {
		return v, nil
	}
	if err := validate.Var(v, tag); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return v, fmt.Errorf("%w: value %v fails %q", ErrMalformedIntent, verrs[0].Value(), verrs[0].Tag())
		}
		return v, fmt.Errorf("%w: %v", ErrMalformedIntent, err)
	}
	return v, nil
}

func isEmptyPayload(p json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(p))
	return trimmed == "" || trimmed == "null"
}
