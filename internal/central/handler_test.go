package central

import (
	"context"
	"errors"
	"testing"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/state"
)

func TestHandle_NotReadyRepliesWithDefaults(t *testing.T) {
	s := New(Options{})
	for _, typ := range []protocol.MessageType{protocol.TypeGetState, protocol.TypeGetIframeState, protocol.TypeLayoutChanged} {
		resp, err := s.Handle(context.Background(), "page-1", protocol.Envelope{Type: typ, Layout: state.LayoutComfort})
		if err != nil {
			t.Fatalf("%s: transport error %v", typ, err)
		}
		if resp.Success || resp.Code != protocol.CodeNotReady {
			t.Fatalf("%s: response = %+v, want not_ready failure", typ, resp)
		}
		if resp.Iframe == nil || *resp.Iframe != state.DefaultIframe() {
			t.Fatalf("%s: iframe = %+v, want defaults", typ, resp.Iframe)
		}
		if resp.Layout != state.LayoutCompact || !resp.Power {
			t.Fatalf("%s: layout/power = %q/%v, want defaults", typ, resp.Layout, resp.Power)
		}
		if !errors.Is(resp.Err(), protocol.ErrNotReady) {
			t.Fatalf("%s: Err() = %v, want ErrNotReady", typ, resp.Err())
		}
	}
}

func TestHandle_GetState(t *testing.T) {
	s, _ := newReadyStore(t)
	resp, _ := s.Handle(context.Background(), "page-1", protocol.Envelope{Type: protocol.TypeGetState})
	if !resp.Success || resp.State == nil {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Layout != state.LayoutCompact || !resp.Power {
		t.Fatalf("layout/power = %q/%v", resp.Layout, resp.Power)
	}
}

func TestHandle_FineGrainedMessages(t *testing.T) {
	off := false
	half := 0.5
	tests := []struct {
		name  string
		env   protocol.Envelope
		check func(state.State) bool
	}{
		{"layout", protocol.Envelope{Type: protocol.TypeLayoutChanged, Layout: state.LayoutComfort},
			func(s state.State) bool { return s.Layout.Mode == state.LayoutComfort }},
		{"speed", protocol.Envelope{Type: protocol.TypeSpeedChanged, Speed: state.SpeedFast},
			func(s state.State) bool { return s.Layout.Speed == state.SpeedFast }},
		{"position", protocol.Envelope{Type: protocol.TypePositionChanged, Position: state.PositionBottom},
			func(s state.State) bool { return s.Layout.Position == state.PositionBottom }},
		{"opacity", protocol.Envelope{Type: protocol.TypeOpacityChanged, Opacity: &half},
			func(s state.State) bool { return s.Layout.Opacity == 0.5 }},
		{"power explicit", protocol.Envelope{Type: protocol.TypePowerToggled, Power: &off},
			func(s state.State) bool { return !s.Power.Enabled }},
		{"power toggle", protocol.Envelope{Type: protocol.TypePowerToggled},
			func(s state.State) bool { return !s.Power.Enabled }},
		{"dispatch action", protocol.Dispatch(state.MustIntent(state.KindSetTheme, state.ThemeSystem)),
			func(s state.State) bool { return s.Theme.Name == state.ThemeSystem }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newReadyStore(t)
			resp, err := s.Handle(context.Background(), "page-1", tt.env)
			if err != nil || !resp.Success {
				t.Fatalf("response = %+v err=%v", resp, err)
			}
			if resp.State == nil || !tt.check(resp.State.State) {
				t.Fatalf("reply state = %+v", resp.State)
			}
			if resp.Iframe == nil {
				t.Fatal("reply missing iframe projection")
			}
			cur, _ := s.GetState()
			if !tt.check(cur.State) {
				t.Fatalf("store state = %+v", cur.State)
			}
		})
	}
}

func TestHandle_Rejections(t *testing.T) {
	tests := []struct {
		name string
		env  protocol.Envelope
		code protocol.Code
	}{
		{"invalid layout", protocol.Envelope{Type: protocol.TypeLayoutChanged, Layout: "huge"}, protocol.CodeMalformedIntent},
		{"opacity missing", protocol.Envelope{Type: protocol.TypeOpacityChanged}, protocol.CodeMalformedIntent},
		{"dispatch without action", protocol.Envelope{Type: protocol.TypeDispatchAction}, protocol.CodeMalformedIntent},
		{"unknown intent", protocol.Dispatch(state.Intent{Kind: "launchRocket"}), protocol.CodeUnknownIntent},
		{"unknown type", protocol.Envelope{Type: "PING"}, protocol.CodeUnsupported},
		{"notification", protocol.Envelope{Type: protocol.TypeIframeStateUpdate}, protocol.CodeUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newReadyStore(t)
			resp, err := s.Handle(context.Background(), "page-1", tt.env)
			if err != nil {
				t.Fatalf("transport error %v", err)
			}
			if resp.Success || resp.Code != tt.code {
				t.Fatalf("response = %+v, want code %s", resp, tt.code)
			}
			if cur, _ := s.GetState(); cur.Revision != 0 {
				t.Fatalf("rejected message advanced revision to %d", cur.Revision)
			}
		})
	}
}
