package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"

	"github.com/brandon-relentnet/scrollr-sub001/internal/adapter/fake"
	"github.com/brandon-relentnet/scrollr-sub001/internal/central"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist/memkv"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/state"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/memhost"
)

// rig is a host with a central store in the background context.
type rig struct {
	host     *memhost.Host
	central  *central.Store
	notifier *central.Notifier
	persist  *persist.Adapter
}

func newRig(t *testing.T, initCentral bool) *rig {
	t.Helper()
	host := memhost.New()
	bg := host.Endpoint(protocol.Info{ID: protocol.BackgroundID, Kind: protocol.KindBackground})
	adapter := persist.New(memkv.New(), persist.Options{})
	notifier := central.NewNotifier(bg, host, central.NotifierOptions{})
	store := central.New(central.Options{Persist: adapter, Broadcast: notifier})
	if initCentral {
		if _, err := store.Init(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	dispose, err := bg.Listen(store.Handle)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		dispose()
		notifier.Close()
		host.Close()
		adapter.Close()
	})
	return &rig{host: host, central: store, notifier: notifier, persist: adapter}
}

// attach creates a proxy for id and starts its listener before returning.
func (r *rig) attach(t *testing.T, id string, opts Options) *Store {
	t.Helper()
	info := protocol.Info{ID: protocol.ContextID(id), Kind: protocol.KindPage}
	ep := r.host.Endpoint(info)
	p := New(ep, opts)
	dispose, err := ep.Listen(p.Handle)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		dispose()
		p.Close()
	})
	return p
}

func (r *rig) settle(t *testing.T) {
	t.Helper()
	if err := r.notifier.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestGetState_BeforeInitialize(t *testing.T) {
	p := New(fake.NewBus("page-1"), Options{})
	defer p.Close()
	if _, err := p.GetState(); !errors.Is(err, protocol.ErrNotReady) {
		t.Fatalf("GetState = %v, want ErrNotReady", err)
	}
	if _, ok := p.Snapshot(); ok {
		t.Fatal("Snapshot reported ready before Initialize")
	}
}

func TestInitialize_NoCentralNoRecordYieldsDefaults(t *testing.T) {
	adapter := persist.New(memkv.New(), persist.Options{})
	defer adapter.Close()
	p := New(fake.NewBus("page-1"), Options{Persist: adapter})
	defer p.Close()

	snap, err := p.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize = %v, want fallback", err)
	}
	if !snap.IsDefault() || !snap.State.Equal(state.Defaults()) {
		t.Fatalf("snapshot = %+v, want default snapshot", snap)
	}
	if got, _ := p.GetState(); got.Layout.Mode != state.LayoutCompact || !got.Power.Enabled {
		t.Fatalf("GetState = %+v", got)
	}
}

func TestInitialize_CentralNotReadyUsesPersisted(t *testing.T) {
	r := newRig(t, false)
	rec := state.Snapshot{Epoch: "prev", Revision: 3, State: state.Defaults()}
	rec.State.Layout.Mode = state.LayoutComfort
	r.persist.Write(rec)
	if err := r.persist.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	p := r.attach(t, "page-1", Options{Persist: r.persist})
	snap, err := p.Initialize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Epoch != "prev" || snap.State.Layout.Mode != state.LayoutComfort {
		t.Fatalf("snapshot = %+v, want persisted record", snap)
	}
}

func TestInitialize_LiveWins(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()
	live, err := r.central.Dispatch(ctx, "ui-1", state.MustIntent(state.KindSetSpeed, state.SpeedFast))
	if err != nil {
		t.Fatal(err)
	}

	p := r.attach(t, "page-1", Options{Persist: r.persist})
	snap, err := p.Initialize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Epoch != live.Epoch || snap.Revision < live.Revision || snap.State.Layout.Speed != state.SpeedFast {
		t.Fatalf("snapshot = %+v, want live %+v", snap, live)
	}
}

func TestInitialize_CancelledContext(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		block := make(chan struct{})
		bus := fake.NewBus("page-1")
		bus.AddPeer(protocol.Info{ID: protocol.BackgroundID, Kind: protocol.KindBackground},
			func(ctx context.Context, _ protocol.ContextID, _ protocol.Envelope) (protocol.Response, error) {
				select {
				case <-ctx.Done():
					return protocol.Response{}, ctx.Err()
				case <-block:
					return protocol.Response{}, nil
				}
			})
		p := New(bus, Options{})
		defer p.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := p.Initialize(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("Initialize = %v, want context.Canceled", err)
		}
		close(block)
	})
}

func TestDispatch_ReplyAppliedBeforeReturn(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()
	p := r.attach(t, "page-1", Options{})
	if _, err := p.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := p.SetLayout(ctx, state.LayoutComfort)
	if err != nil {
		t.Fatal(err)
	}
	if got.Layout.Mode != state.LayoutComfort {
		t.Fatalf("returned layout = %q", got.Layout.Mode)
	}
	cached, _ := p.GetState()
	if cached.Layout.Mode != state.LayoutComfort {
		t.Fatalf("cached layout = %q, want comfort", cached.Layout.Mode)
	}
}

func TestDispatch_RejectedLeavesCache(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()
	p := r.attach(t, "page-1", Options{})
	before, _ := p.Initialize(ctx)

	_, err := p.SetOpacity(ctx, 3)
	if !errors.Is(err, state.ErrMalformedIntent) {
		t.Fatalf("SetOpacity(3) = %v, want ErrMalformedIntent", err)
	}
	_, err = p.Dispatch(ctx, state.Intent{Kind: "fly"})
	if !errors.Is(err, state.ErrUnknownIntent) {
		t.Fatalf("Dispatch(fly) = %v, want ErrUnknownIntent", err)
	}
	after, _ := p.Snapshot()
	if after.Revision != before.Revision || !after.State.Equal(before.State) {
		t.Fatalf("cache changed after rejection: %+v -> %+v", before, after)
	}
}

func TestDispatch_NoCentral(t *testing.T) {
	p := New(fake.NewBus("page-1"), Options{})
	defer p.Close()
	if _, err := p.TogglePower(context.Background()); !errors.Is(err, protocol.ErrNoReceiver) {
		t.Fatalf("TogglePower = %v, want ErrNoReceiver", err)
	}
}

func TestTypedHelpers(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()
	p := r.attach(t, "ui-1", Options{})
	if _, err := p.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	steps := []func() (state.State, error){
		func() (state.State, error) { return p.SetSpeed(ctx, state.SpeedSlow) },
		func() (state.State, error) { return p.SetPosition(ctx, state.PositionBottom) },
		func() (state.State, error) { return p.SetOpacity(ctx, 0.25) },
		func() (state.State, error) { return p.TogglePower(ctx) },
		func() (state.State, error) { return p.SetTheme(ctx, state.ThemeLight) },
		func() (state.State, error) { return p.SetFinanceSymbols(ctx, []string{"AAPL", "MSFT"}) },
		func() (state.State, error) { return p.ToggleFinanceSymbol(ctx, "AAPL") },
	}
	for i, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	got, _ := p.GetState()
	want := state.Defaults()
	want.Layout.Speed = state.SpeedSlow
	want.Layout.Position = state.PositionBottom
	want.Layout.Opacity = 0.25
	want.Power.Enabled = false
	want.Theme.Name = state.ThemeLight
	want.Finance.Symbols = []string{"MSFT"}
	if !got.Equal(want) {
		t.Fatalf("state = %+v, want %+v", got, want)
	}

	proj, err := p.IframeState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if proj != want.Iframe() {
		t.Fatalf("iframe = %+v, want %+v", proj, want.Iframe())
	}
	if _, err := p.SetPower(ctx, true); err != nil {
		t.Fatal(err)
	}
}

func TestIframeState_FailureReturnsDefaults(t *testing.T) {
	p := New(fake.NewBus("page-1"), Options{})
	defer p.Close()
	proj, err := p.IframeState(context.Background())
	if err == nil {
		t.Fatal("expected error without central store")
	}
	if proj != state.DefaultIframe() {
		t.Fatalf("projection = %+v, want defaults", proj)
	}
}

func TestHandle_BroadcastReplacesCache(t *testing.T) {
	p := New(fake.NewBus("page-1"), Options{})
	defer p.Close()
	ctx := context.Background()

	next := state.Snapshot{Epoch: "e", Revision: 4, State: state.Defaults()}
	next.State.Finance.Symbols = []string{"TSLA"}
	if _, err := p.Handle(ctx, protocol.BackgroundID, protocol.IframeUpdate(next)); err != nil {
		t.Fatal(err)
	}
	got, err := p.GetState()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Finance.Symbols) != 1 || got.Finance.Symbols[0] != "TSLA" {
		t.Fatalf("state = %+v", got)
	}

	// An older revision of the same epoch is ignored.
	stale := state.Snapshot{Epoch: "e", Revision: 2, State: state.Defaults()}
	p.Handle(ctx, protocol.BackgroundID, protocol.IframeUpdate(stale))
	if snap, _ := p.Snapshot(); snap.Revision != 4 {
		t.Fatalf("stale update applied: revision %d", snap.Revision)
	}

	// A newer snapshot replaces the tree rather than merging into it.
	newer := state.Snapshot{Epoch: "e", Revision: 5, State: state.Defaults()}
	p.Handle(ctx, protocol.BackgroundID, protocol.IframeUpdate(newer))
	if got, _ := p.GetState(); len(got.Finance.Symbols) != 0 {
		t.Fatalf("update merged instead of replacing: %+v", got.Finance)
	}
}

func TestHandle_AnswersFromCache(t *testing.T) {
	p := New(fake.NewBus("page-1"), Options{})
	defer p.Close()
	ctx := context.Background()

	resp, _ := p.Handle(ctx, "ui-1", protocol.Envelope{Type: protocol.TypeGetIframeState})
	if resp.Success || resp.Code != protocol.CodeNotReady || resp.Iframe == nil {
		t.Fatalf("unready response = %+v", resp)
	}

	p.Handle(ctx, protocol.BackgroundID, protocol.IframeUpdate(state.Snapshot{Epoch: "e", Revision: 1, State: state.Defaults()}))
	resp, _ = p.Handle(ctx, "ui-1", protocol.Envelope{Type: protocol.TypeGetState})
	if !resp.Success || resp.State == nil || resp.State.Revision != 1 {
		t.Fatalf("response = %+v", resp)
	}
	resp, _ = p.Handle(ctx, "ui-1", protocol.Envelope{Type: protocol.TypeSpeedChanged, Speed: state.SpeedFast})
	if resp.Code != protocol.CodeUnsupported {
		t.Fatalf("mutation sent to proxy: %+v", resp)
	}
}

func TestBroadcast_ReachesOtherContexts(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()
	a := r.attach(t, "page-a", Options{})
	b := r.attach(t, "page-b", Options{})
	for _, p := range []*Store{a, b} {
		if _, err := p.Initialize(ctx); err != nil {
			t.Fatal(err)
		}
	}

	changed := make(chan state.State, 4)
	b.Subscribe(ctx, func(s state.State) { changed <- s })

	if _, err := a.SetPosition(ctx, state.PositionBottom); err != nil {
		t.Fatal(err)
	}
	r.settle(t)

	got, _ := b.GetState()
	if got.Layout.Position != state.PositionBottom {
		t.Fatalf("peer position = %q, want bottom", got.Layout.Position)
	}
	select {
	case s := <-changed:
		if s.Layout.Position != state.PositionBottom {
			t.Fatalf("subscriber saw %+v", s.Layout)
		}
	default:
		t.Fatal("subscriber not notified")
	}
}

func TestLogoutRefresh_Refetches(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()
	a := r.attach(t, "page-a", Options{})
	b := r.attach(t, "page-b", Options{})
	for _, p := range []*Store{a, b} {
		if _, err := p.Initialize(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := a.Dispatch(ctx, state.MustIntent(state.KindSetSessionUser, "grace")); err != nil {
		t.Fatal(err)
	}
	r.settle(t)

	refreshed := make(chan state.State, 8)
	b.Subscribe(ctx, func(s state.State) { refreshed <- s })

	if _, err := a.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	r.settle(t)

	want, _ := r.central.GetState()
	for {
		s := <-refreshed
		if s.Equal(want.State) {
			break
		}
	}
	for _, p := range []*Store{a, b} {
		snap, _ := p.Snapshot()
		if snap.Revision > want.Revision || !snap.State.Equal(state.Defaults()) {
			t.Fatalf("proxy after logout = %+v", snap)
		}
	}
}

func TestPersistedWatch_CatchesUp(t *testing.T) {
	adapter := persist.New(memkv.New(), persist.Options{})
	defer adapter.Close()
	p := New(fake.NewBus("page-1"), Options{Persist: adapter})
	defer p.Close()
	ctx := context.Background()
	if _, err := p.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	rec := state.Snapshot{Epoch: "other-process", Revision: 9, State: state.Defaults()}
	rec.State.Theme.Name = state.ThemeSystem
	adapter.Write(rec)
	if err := adapter.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := p.GetState()
	if got.Theme.Name != state.ThemeSystem {
		t.Fatalf("theme = %q, want system from persisted watch", got.Theme.Name)
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	p := New(fake.NewBus("page-1"), Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var calls []string
	record := func(name string) func(state.State) {
		return func(state.State) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	p.Subscribe(subCtx, record("ctx"))
	unsubscribe := p.Subscribe(ctx, record("func"))
	p.Subscribe(ctx, record("close"))

	push := func(rev uint64) {
		p.Handle(ctx, protocol.BackgroundID, protocol.IframeUpdate(state.Snapshot{Epoch: "e", Revision: rev, State: state.Defaults()}))
	}
	count := func() map[string]int {
		mu.Lock()
		defer mu.Unlock()
		out := map[string]int{}
		for _, c := range calls {
			out[c]++
		}
		return out
	}

	push(1)
	if got := count(); got["ctx"] != 1 || got["func"] != 1 || got["close"] != 1 {
		t.Fatalf("after first update: %v", got)
	}

	cancel()
	unsubscribe()
	push(2)
	if got := count(); got["ctx"] != 1 || got["func"] != 1 || got["close"] != 2 {
		t.Fatalf("after unsubscribe: %v", got)
	}

	p.Close()
	push(3)
	if got := count(); got["close"] != 2 {
		t.Fatalf("callback fired after Close: %v", got)
	}
	if _, err := p.Refresh(ctx); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("Refresh after Close = %v, want ErrClosed", err)
	}
}

// gatedRecord is a Persisted whose Read blocks until release is closed.
type gatedRecord struct {
	rec     state.Snapshot
	reading chan struct{}
	release chan struct{}
}

func (g *gatedRecord) Read(ctx context.Context) (state.Snapshot, bool, error) {
	close(g.reading)
	select {
	case <-g.release:
		return g.rec, true, nil
	case <-ctx.Done():
		return state.Snapshot{}, false, ctx.Err()
	}
}

func (g *gatedRecord) Watch(context.Context, func(state.Snapshot)) (func(), error) {
	return func() {}, nil
}

func TestInitialize_BroadcastDuringPersistedRead(t *testing.T) {
	prev := state.Snapshot{Epoch: "boot-1", Revision: 3, State: state.Defaults()}
	rec := &gatedRecord{rec: prev, reading: make(chan struct{}), release: make(chan struct{})}
	p := New(fake.NewBus("page-1"), Options{Persist: rec})
	defer p.Close()
	ctx := context.Background()

	type result struct {
		snap state.Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := p.Initialize(ctx)
		done <- result{snap, err}
	}()
	<-rec.reading

	next := state.Snapshot{Epoch: "boot-2", Revision: 4, State: state.Defaults()}
	next.State.Layout.Mode = state.LayoutComfort
	if _, err := p.Handle(ctx, protocol.BackgroundID, protocol.IframeUpdate(next)); err != nil {
		t.Fatal(err)
	}
	close(rec.release)

	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.snap.Epoch != "boot-2" || r.snap.Revision != 4 || r.snap.State.Layout.Mode != state.LayoutComfort {
		t.Fatalf("Initialize = %+v, want the broadcast snapshot", r.snap)
	}
	if got, _ := p.GetState(); got.Layout.Mode != state.LayoutComfort {
		t.Fatalf("mode = %q, persisted record rolled the cache back", got.Layout.Mode)
	}
}

func TestInitialize_BroadcastAtSameRevisionBeatsRecord(t *testing.T) {
	// A restarted store broadcasts the restored revision under a new epoch.
	prev := state.Snapshot{Epoch: "boot-1", Revision: 3, State: state.Defaults()}
	rec := &gatedRecord{rec: prev, reading: make(chan struct{}), release: make(chan struct{})}
	p := New(fake.NewBus("page-1"), Options{Persist: rec})
	defer p.Close()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := p.Initialize(ctx)
		done <- err
	}()
	<-rec.reading
	next := state.Snapshot{Epoch: "boot-2", Revision: 3, State: state.Defaults()}
	p.Handle(ctx, protocol.BackgroundID, protocol.IframeUpdate(next))
	close(rec.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if snap, _ := p.Snapshot(); snap.Epoch != "boot-2" {
		t.Fatalf("epoch = %q, want boot-2", snap.Epoch)
	}
}
