// Package state defines the canonical application state tree, its per-slice
// defaults, the intents that mutate it and the reducers that apply them.
//
// Values of State are plain data. Only the central store mutates the
// canonical copy; every other holder works on clones.
package state

import (
	"encoding/json"
	"slices"
)

// Slice names.
const (
	SliceLayout  = "layout"
	SlicePower   = "power"
	SliceTheme   = "theme"
	SliceFinance = "finance"
	SliceSession = "session"
)

const (
	LayoutCompact = "compact"
	LayoutComfort = "comfort"

	SpeedSlow    = "slow"
	SpeedClassic = "classic"
	SpeedFast    = "fast"

	PositionTop    = "top"
	PositionBottom = "bottom"

	ThemeDark   = "dark"
	ThemeLight  = "light"
	ThemeSystem = "system"

	DefaultOpacity = 1.0
	DefaultPower   = true
)

// Layout controls how the ticker overlay is drawn inside pages.
type Layout struct {
	Mode     string  `json:"mode"`
	Speed    string  `json:"speed"`
	Position string  `json:"position"`
	Opacity  float64 `json:"opacity"`
}

type Power struct {
	Enabled bool `json:"enabled"`
}

type Theme struct {
	Name string `json:"name"`
}

// Finance holds the ticker symbols the user selected.
type Finance struct {
	Symbols []string `json:"symbols"`
}

type Session struct {
	User string `json:"user"`
}

// State is the canonical tree. Every slice is always populated; decoding
// from JSON fills absent fields with their defaults.
type State struct {
	Layout  Layout  `json:"layout"`
	Power   Power   `json:"power"`
	Theme   Theme   `json:"theme"`
	Finance Finance `json:"finance"`
	Session Session `json:"session"`
}

// Defaults returns the fully populated initial tree.
func Defaults() State {
	return State{
		Layout: Layout{
			Mode:     LayoutCompact,
			Speed:    SpeedClassic,
			Position: PositionTop,
			Opacity:  DefaultOpacity,
		},
		Power:   Power{Enabled: DefaultPower},
		Theme:   Theme{Name: ThemeDark},
		Finance: Finance{Symbols: []string{}},
		Session: Session{},
	}
}

// Clone returns a deep copy that shares no memory with s.
func (s State) Clone() State {
	out := s
	out.Finance.Symbols = slices.Clone(s.Finance.Symbols)
	if out.Finance.Symbols == nil {
		out.Finance.Symbols = []string{}
	}
	return out
}

// Equal reports whether two trees hold the same values.
func (s State) Equal(o State) bool {
	return s.Layout == o.Layout &&
		s.Power == o.Power &&
		s.Theme == o.Theme &&
		s.Session == o.Session &&
		slices.Equal(s.Finance.Symbols, o.Finance.Symbols)
}

// UnmarshalJSON decodes a possibly partial tree and fills the gaps with
// defaults, so a record written by an older build never yields a tree with
// missing slices.
func (s *State) UnmarshalJSON(data []byte) error {
	var p Partial
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = p.Normalize()
	return nil
}

// Slices lists the slice names in canonical order.
func Slices() []string {
	return []string{SliceLayout, SlicePower, SliceTheme, SliceFinance, SliceSession}
}
