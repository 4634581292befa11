package ui

import (
	"strings"
	"testing"

	"github.com/brandon-relentnet/scrollr-sub001/internal/state"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestEnvTruthyValues(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"1", true}, {"true", true}, {"YES", true}, {"on", true},
		{"0", false}, {"false", false}, {"", false},
	}
	for _, tt := range tests {
		t.Setenv("SCROLLR_TEST_TRUTHY", tt.value)
		if got := envTruthy("SCROLLR_TEST_TRUTHY"); got != tt.want {
			t.Errorf("envTruthy(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestInteractive_DisabledByEnvironment(t *testing.T) {
	t.Setenv(envCI, "true")
	if Interactive(false) {
		t.Fatal("interactive under CI")
	}
	t.Setenv(envCI, "")
	if Interactive(true) {
		t.Fatal("interactive with --no-interaction")
	}
}

func TestSnapshot_RendersEveryField(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)
	snap := state.Snapshot{Epoch: "e1", Revision: 7, State: state.Defaults()}
	snap.State.Finance.Symbols = []string{"AAPL", "TSLA"}
	snap.State.Session.User = "ada"

	out := Snapshot(snap)
	for _, want := range []string{"revision:", "7", "e1", "compact", "classic", "top", "on", "dark", "AAPL, TSLA", "ada"} {
		if !strings.Contains(out, want) {
			t.Errorf("Snapshot output lacks %q:\n%s", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n != 9 {
		t.Errorf("Snapshot rendered %d lines, want 9", n)
	}
}

func TestIntents_ListsEveryKind(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)
	out := Intents()
	for _, kind := range state.Kinds() {
		if !strings.Contains(out, kind) {
			t.Errorf("Intents output lacks %s", kind)
		}
	}
}
