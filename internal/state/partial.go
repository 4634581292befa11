package state

import "slices"

// Partial is a tree where any slice or field may be absent. It is the decode
// target for persisted records and wire payloads of unknown provenance.
type Partial struct {
	Layout  *PartialLayout  `json:"layout,omitempty"`
	Power   *PartialPower   `json:"power,omitempty"`
	Theme   *PartialTheme   `json:"theme,omitempty"`
	Finance *PartialFinance `json:"finance,omitempty"`
	Session *PartialSession `json:"session,omitempty"`
}

type PartialLayout struct {
	Mode     *string  `json:"mode,omitempty"`
	Speed    *string  `json:"speed,omitempty"`
	Position *string  `json:"position,omitempty"`
	Opacity  *float64 `json:"opacity,omitempty"`
}

type PartialPower struct {
	Enabled *bool `json:"enabled,omitempty"`
}

type PartialTheme struct {
	Name *string `json:"name,omitempty"`
}

type PartialFinance struct {
	Symbols []string `json:"symbols,omitempty"`
}

type PartialSession struct {
	User *string `json:"user,omitempty"`
}

// Normalize materializes p, taking each field from p when present and valid
// and from Defaults otherwise. Out-of-range values are treated as absent.
func (p Partial) Normalize() State {
	out := Defaults()
	if l := p.Layout; l != nil {
		if l.Mode != nil && validLayoutMode(*l.Mode) {
			out.Layout.Mode = *l.Mode
		}
		if l.Speed != nil && validSpeed(*l.Speed) {
			out.Layout.Speed = *l.Speed
		}
		if l.Position != nil && validPosition(*l.Position) {
			out.Layout.Position = *l.Position
		}
		if l.Opacity != nil && validOpacity(*l.Opacity) {
			out.Layout.Opacity = *l.Opacity
		}
	}
	if p.Power != nil && p.Power.Enabled != nil {
		out.Power.Enabled = *p.Power.Enabled
	}
	if p.Theme != nil && p.Theme.Name != nil && validTheme(*p.Theme.Name) {
		out.Theme.Name = *p.Theme.Name
	}
	if p.Finance != nil && p.Finance.Symbols != nil {
		out.Finance.Symbols = slices.Clone(p.Finance.Symbols)
	}
	if p.Session != nil && p.Session.User != nil {
		out.Session.User = *p.Session.User
	}
	return out
}

// PartialOf lifts a full tree into a Partial with every field present.
func PartialOf(s State) Partial {
	s = s.Clone()
	return Partial{
		Layout: &PartialLayout{
			Mode:     &s.Layout.Mode,
			Speed:    &s.Layout.Speed,
			Position: &s.Layout.Position,
			Opacity:  &s.Layout.Opacity,
		},
		Power:   &PartialPower{Enabled: &s.Power.Enabled},
		Theme:   &PartialTheme{Name: &s.Theme.Name},
		Finance: &PartialFinance{Symbols: s.Finance.Symbols},
		Session: &PartialSession{User: &s.Session.User},
	}
}

func validLayoutMode(v string) bool { return v == LayoutCompact || v == LayoutComfort }

func validSpeed(v string) bool { return v == SpeedSlow || v == SpeedClassic || v == SpeedFast }

func validPosition(v string) bool { return v == PositionTop || v == PositionBottom }

func validOpacity(v float64) bool { return v >= 0 && v <= 1 }

func validTheme(v string) bool { return v == ThemeDark || v == ThemeLight || v == ThemeSystem }
