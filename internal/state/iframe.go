package state

// Iframe is the projection pushed to injected page contexts. Every field is
// always set, so consumers never need presence checks.
type Iframe struct {
	Layout   string  `json:"layout"`
	Speed    string  `json:"speed"`
	Position string  `json:"position"`
	Opacity  float64 `json:"opacity"`
	Power    bool    `json:"power"`
}

// Iframe projects s.
func (s State) Iframe() Iframe {
	return Iframe{
		Layout:   s.Layout.Mode,
		Speed:    s.Layout.Speed,
		Position: s.Layout.Position,
		Opacity:  s.Layout.Opacity,
		Power:    s.Power.Enabled,
	}
}

// ProjectIframe projects a possibly partial tree, defaulting each field
// independently.
func ProjectIframe(p Partial) Iframe {
	return p.Normalize().Iframe()
}

// DefaultIframe is the projection of the default tree.
func DefaultIframe() Iframe {
	return Defaults().Iframe()
}
