package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brandon-relentnet/scrollr-sub001/config"
	"github.com/brandon-relentnet/scrollr-sub001/daemon"
	"github.com/brandon-relentnet/scrollr-sub001/internal/state"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/ws"
)

// startDaemon serves a memory-backed daemon over HTTP and returns its
// WebSocket URL.
func startDaemon(t *testing.T) (*daemon.Daemon, string) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Backend = config.BackendMemory
	d, err := daemon.New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		d.Close()
	})
	return d, "ws" + strings.TrimPrefix(srv.URL, "http") + ws.Path
}

func execute(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	full := append([]string{"--no-interaction", "--transport", "ws", "--url", url, "--config", t.TempDir() + "/none.yaml"}, args...)
	root.SetArgs(full)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestShortcuts_ChangeCentralState(t *testing.T) {
	d, url := startDaemon(t)

	steps := [][]string{
		{"layout", "comfort"},
		{"speed", "fast"},
		{"position", "bottom"},
		{"opacity", "0.5"},
		{"power", "off"},
		{"theme", "light"},
		{"symbols", "set", "aapl", "msft"},
		{"symbols", "toggle", "aapl"},
	}
	for _, args := range steps {
		if out, err := execute(t, url, args...); err != nil {
			t.Fatalf("%v: %v\n%s", args, err, out)
		}
	}

	snap, _ := d.Background().Central().GetState()
	want := state.Defaults()
	want.Layout = state.Layout{Mode: "comfort", Speed: "fast", Position: "bottom", Opacity: 0.5}
	want.Power.Enabled = false
	want.Theme.Name = "light"
	want.Finance.Symbols = []string{"MSFT"}
	if !snap.State.Equal(want) {
		t.Fatalf("central state = %+v, want %+v", snap.State, want)
	}
	if snap.Revision != uint64(len(steps)) {
		t.Fatalf("revision = %d, want %d", snap.Revision, len(steps))
	}
}

func TestDispatch_RawIntentAndLogout(t *testing.T) {
	d, url := startDaemon(t)

	out, err := execute(t, url, "dispatch", "setSessionUser", `"ada"`)
	if err != nil {
		t.Fatalf("dispatch: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ada") {
		t.Fatalf("dispatch output lacks the new user:\n%s", out)
	}

	if out, err := execute(t, url, "logout"); err != nil {
		t.Fatalf("logout: %v\n%s", err, out)
	}
	snap, _ := d.Background().Central().GetState()
	if !snap.State.Equal(state.Defaults()) {
		t.Fatalf("state after logout = %+v", snap.State)
	}
}

func TestDispatch_Rejections(t *testing.T) {
	_, url := startDaemon(t)
	tests := [][]string{
		{"dispatch", "setLayout", "not json"},
		{"dispatch", "setLayout", `"wide"`},
		{"dispatch", "fly"},
		{"power", "sideways"},
		{"opacity", "lots"},
	}
	for _, args := range tests {
		if _, err := execute(t, url, args...); err == nil {
			t.Errorf("%v succeeded", args)
		}
	}
}

func TestStateGet_JSON(t *testing.T) {
	_, url := startDaemon(t)
	out, err := execute(t, url, "state", "get", "--json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"revision": 0`) || !strings.Contains(out, `"mode": "compact"`) {
		t.Fatalf("state get --json output:\n%s", out)
	}
}

func TestStateIframe(t *testing.T) {
	_, url := startDaemon(t)
	if _, err := execute(t, url, "layout", "comfort"); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, url, "state", "iframe")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "comfort") {
		t.Fatalf("state iframe output:\n%s", out)
	}
}
