package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/brandon-relentnet/scrollr-sub001/internal/state"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette — muted, dark-terminal friendly.
var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	AccentStyle  = lipgloss.NewStyle().Foreground(purple)
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(yellow)
	MutedStyle   = lipgloss.NewStyle().Foreground(dim)
	LabelStyle   = lipgloss.NewStyle().Foreground(dim)
	BoldStyle    = lipgloss.NewStyle().Bold(true)
)

func Accent(s string) string { return AccentStyle.Render(s) }
func Bold(s string) string   { return BoldStyle.Render(s) }
func Muted(s string) string  { return MutedStyle.Render(s) }

func Bool(v bool) string {
	if v {
		return SuccessStyle.Render("on")
	}
	return ErrorStyle.Render("off")
}

func SuccessMsg(format string, a ...any) string {
	return SuccessStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func WarnMsg(format string, a ...any) string {
	return WarnStyle.Render("!") + " " + fmt.Sprintf(format, a...)
}

func ErrorMsg(format string, a ...any) string {
	return ErrorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

// Pair holds a key-value pair for KeyValues output.
type Pair struct {
	key   string
	value string
}

func KV(key, value string) Pair {
	return Pair{key: key, value: value}
}

// KeyValues renders aligned "key:  value" lines with a trailing newline.
func KeyValues(indent string, pairs ...Pair) string {
	maxLen := 0
	for _, p := range pairs {
		maxLen = max(maxLen, len(p.key))
	}
	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", maxLen+1, p.key+":")
		sb.WriteString(indent + LabelStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}

// Table renders a styled table with rounded borders.
func Table(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return cellStyle
			default:
				return cellStyle.Foreground(dim)
			}
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String()
}

// Snapshot renders the whole tree with its version.
func Snapshot(snap state.Snapshot) string {
	s := snap.State
	symbols := Muted("none")
	if len(s.Finance.Symbols) > 0 {
		symbols = strings.Join(s.Finance.Symbols, ", ")
	}
	user := Muted("signed out")
	if s.Session.User != "" {
		user = s.Session.User
	}
	epoch := snap.Epoch
	if epoch == "" {
		epoch = Muted("defaults")
	}
	return KeyValues("",
		KV("revision", Accent(strconv.FormatUint(snap.Revision, 10))+" "+Muted(epoch)),
		KV("layout", s.Layout.Mode),
		KV("speed", s.Layout.Speed),
		KV("position", s.Layout.Position),
		KV("opacity", strconv.FormatFloat(s.Layout.Opacity, 'f', -1, 64)),
		KV("power", Bool(s.Power.Enabled)),
		KV("theme", s.Theme.Name),
		KV("symbols", symbols),
		KV("user", user),
	)
}

// Iframe renders the overlay projection.
func Iframe(p state.Iframe) string {
	return KeyValues("",
		KV("layout", p.Layout),
		KV("speed", p.Speed),
		KV("position", p.Position),
		KV("opacity", strconv.FormatFloat(p.Opacity, 'f', -1, 64)),
		KV("power", Bool(p.Power)),
	)
}

// Intents renders the registered intent kinds with the slice each touches.
func Intents() string {
	rows := make([][]string, 0, len(state.Kinds()))
	for _, kind := range state.Kinds() {
		r, _ := state.Lookup(kind)
		rows = append(rows, []string{kind, r.Slice, strconv.FormatBool(r.Reset)})
	}
	return Table([]string{"KIND", "SLICE", "RESETS"}, rows)
}
