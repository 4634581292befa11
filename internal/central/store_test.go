package central

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"

	"github.com/brandon-relentnet/scrollr-sub001/internal/adapter/fake"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/state"
)

type posted struct {
	origin     protocol.ContextID
	snap       state.Snapshot
	invalidate bool
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	posts []posted
}

func (b *recordingBroadcaster) Post(origin protocol.ContextID, snap state.Snapshot) {
	b.mu.Lock()
	b.posts = append(b.posts, posted{origin: origin, snap: snap})
	b.mu.Unlock()
}

func (b *recordingBroadcaster) PostInvalidate(snap state.Snapshot) {
	b.mu.Lock()
	b.posts = append(b.posts, posted{snap: snap, invalidate: true})
	b.mu.Unlock()
}

func (b *recordingBroadcaster) all() []posted {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]posted(nil), b.posts...)
}

func newReadyStore(t *testing.T) (*Store, *recordingBroadcaster) {
	t.Helper()
	b := &recordingBroadcaster{}
	s := New(Options{Broadcast: b})
	if _, err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, b
}

func TestInit_DefaultsWithoutRecord(t *testing.T) {
	s := New(Options{})
	snap, err := s.Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Epoch == "" || snap.Revision != 0 {
		t.Fatalf("snapshot = epoch %q rev %d, want fresh epoch rev 0", snap.Epoch, snap.Revision)
	}
	if !snap.State.Equal(state.Defaults()) {
		t.Fatalf("state = %+v, want defaults", snap.State)
	}
}

func TestInit_Idempotent(t *testing.T) {
	s, b := newReadyStore(t)
	first, _ := s.GetState()

	again, err := s.Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again.Epoch != first.Epoch || again.Revision != first.Revision {
		t.Fatalf("second Init changed snapshot: %+v -> %+v", first, again)
	}
	if got := len(b.all()); got != 1 {
		t.Fatalf("broadcasts after two Inits = %d, want 1", got)
	}
}

func TestInit_LoadsPersistedRecord(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		backend := fake.NewBackend()
		raw := `{"epoch":"old","revision":12,"state":{"layout":{"mode":"comfort"},"theme":{"name":"light"}}}`
		if err := backend.Set(ctx, persist.DefaultKey, []byte(raw)); err != nil {
			t.Fatal(err)
		}
		adapter := persist.New(backend, persist.Options{})
		defer adapter.Close()

		s := New(Options{Persist: adapter})
		snap, err := s.Init(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Epoch == "old" {
			t.Fatal("Init reused the persisted epoch")
		}
		if snap.Revision != 12 {
			t.Fatalf("revision = %d, want 12", snap.Revision)
		}
		want := state.Defaults()
		want.Layout.Mode = state.LayoutComfort
		want.Theme.Name = state.ThemeLight
		if !snap.State.Equal(want) {
			t.Fatalf("state = %+v, want %+v", snap.State, want)
		}

		// The record is rewritten under the new epoch.
		if err := adapter.Flush(ctx); err != nil {
			t.Fatal(err)
		}
		rec, _, err := adapter.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Epoch != snap.Epoch {
			t.Fatalf("persisted epoch = %q, want %q", rec.Epoch, snap.Epoch)
		}
	})
}

func TestInit_UnreadableRecordFallsBackToDefaults(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		backend := fake.NewBackend()
		backend.Faults.FailOnce(fake.PointBackendGet, errors.New("corrupt page"))
		adapter := persist.New(backend, persist.Options{})
		defer adapter.Close()

		snap, err := New(Options{Persist: adapter}).Init(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !snap.State.Equal(state.Defaults()) {
			t.Fatalf("state = %+v, want defaults", snap.State)
		}
	})
}

func TestDispatch_NotReady(t *testing.T) {
	s := New(Options{})
	_, err := s.Dispatch(context.Background(), "page-1", state.MustIntent(state.KindSetLayout, state.LayoutComfort))
	if !errors.Is(err, protocol.ErrNotReady) {
		t.Fatalf("Dispatch before Init = %v, want ErrNotReady", err)
	}
	if _, err := s.GetState(); !errors.Is(err, protocol.ErrNotReady) {
		t.Fatalf("GetState before Init = %v, want ErrNotReady", err)
	}
}

func TestDispatch_AppliesAndBroadcasts(t *testing.T) {
	s, b := newReadyStore(t)
	before, _ := s.GetState()

	snap, err := s.Dispatch(context.Background(), "ui-1", state.MustIntent(state.KindSetLayout, state.LayoutComfort))
	if err != nil {
		t.Fatal(err)
	}
	if snap.State.Layout.Mode != state.LayoutComfort {
		t.Fatalf("layout = %q, want comfort", snap.State.Layout.Mode)
	}
	if snap.Revision != before.Revision+1 || snap.Epoch != before.Epoch {
		t.Fatalf("snapshot version = %s/%d, want %s/%d", snap.Epoch, snap.Revision, before.Epoch, before.Revision+1)
	}

	posts := b.all()
	last := posts[len(posts)-1]
	if last.invalidate || last.origin != "ui-1" || last.snap.Revision != snap.Revision {
		t.Fatalf("last broadcast = %+v", last)
	}
}

func TestDispatch_RejectsBadIntentWithoutMutation(t *testing.T) {
	tests := []struct {
		name string
		in   state.Intent
		want error
	}{
		{"unknown kind", state.Intent{Kind: "setVolume"}, state.ErrUnknownIntent},
		{"bad enum", state.MustIntent(state.KindSetLayout, "wide"), state.ErrMalformedIntent},
		{"opacity out of range", state.MustIntent(state.KindSetOpacity, 1.5), state.ErrMalformedIntent},
		{"wrong payload type", state.MustIntent(state.KindSetPower, "yes"), state.ErrMalformedIntent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, b := newReadyStore(t)
			before, _ := s.GetState()

			_, err := s.Dispatch(context.Background(), "page-1", tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Dispatch = %v, want %v", err, tt.want)
			}
			after, _ := s.GetState()
			if after.Revision != before.Revision || !after.State.Equal(before.State) {
				t.Fatalf("rejected intent mutated state: %+v -> %+v", before, after)
			}
			if got := len(b.all()); got != 1 {
				t.Fatalf("broadcasts = %d, want only the Init one", got)
			}
		})
	}
}

func TestDispatch_NoLostUpdate(t *testing.T) {
	s, _ := newReadyStore(t)
	const writers = 64

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := state.MustIntent(state.KindToggleFinanceSymbol, fmt.Sprintf("SYM%02d", i))
			if _, err := s.Dispatch(context.Background(), "page-1", in); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	snap, _ := s.GetState()
	if snap.Revision != writers {
		t.Fatalf("revision = %d, want %d", snap.Revision, writers)
	}
	if got := len(snap.State.Finance.Symbols); got != writers {
		t.Fatalf("symbols = %d, want %d", got, writers)
	}
}

func TestReset_InvalidatesEveryone(t *testing.T) {
	s, b := newReadyStore(t)
	ctx := context.Background()
	if _, err := s.Dispatch(ctx, "ui-1", state.MustIntent(state.KindSetSessionUser, "ada")); err != nil {
		t.Fatal(err)
	}

	snap, err := s.Reset(ctx, "ui-1")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.State.Equal(state.Defaults()) {
		t.Fatalf("state after reset = %+v, want defaults", snap.State)
	}
	if snap.Revision != 2 {
		t.Fatalf("revision after reset = %d, want 2", snap.Revision)
	}
	posts := b.all()
	if last := posts[len(posts)-1]; !last.invalidate {
		t.Fatalf("reset broadcast = %+v, want invalidation", last)
	}
}

func TestDispatch_PersistFailureKeepsMemoryAuthoritative(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		backend := fake.NewBackend()
		backend.Faults.FailAlways(fake.PointBackendSet, errors.New("disk full"))
		adapter := persist.New(backend, persist.Options{})
		defer adapter.Close()

		s := New(Options{Persist: adapter})
		if _, err := s.Init(ctx); err != nil {
			t.Fatal(err)
		}
		snap, err := s.Dispatch(ctx, "page-1", state.MustIntent(state.KindSetTheme, state.ThemeLight))
		if err != nil {
			t.Fatalf("Dispatch with failing persistence = %v", err)
		}
		if err := adapter.Flush(ctx); err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetState()
		if got.Revision != snap.Revision || got.State.Theme.Name != state.ThemeLight {
			t.Fatalf("state after failed persist = %+v", got)
		}
	})
}
