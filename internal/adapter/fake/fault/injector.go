// Package fault injects failures into fake backends and transports at named
// points.
package fault

import (
	"fmt"
	"strings"
	"sync"

	"github.com/brandon-relentnet/scrollr-sub001/internal/check"
)

// Hook inspects the arguments of one evaluation and may fail it.
type Hook func(args ...any) error

type point struct {
	queued []error
	always error
	hook   Hook
	hits   int
}

// Injector holds the faults configured per point. A nil *Injector injects
// nothing.
type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*point)}
}

// FailOnce queues err for the next evaluation of name.
func (i *Injector) FailOnce(name string, err error) {
	i.FailTimes(name, 1, err)
}

// FailTimes queues err for the next n evaluations of name.
func (i *Injector) FailTimes(name string, n int, err error) {
	check.Assert(n > 0, "fault.Injector.FailTimes: n must be positive")
	check.Assert(err != nil, "fault.Injector.FailTimes: err must not be nil")
	if i == nil || err == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	p := i.point(name)
	for range n {
		p.queued = append(p.queued, err)
	}
}

// FailAlways fails every evaluation of name with err until cleared.
func (i *Injector) FailAlways(name string, err error) {
	check.Assert(err != nil, "fault.Injector.FailAlways: err must not be nil")
	if i == nil || err == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.point(name).always = err
}

// SetHook installs h for name, replacing any previous hook.
func (i *Injector) SetHook(name string, h Hook) {
	check.Assert(h != nil, "fault.Injector.SetHook: hook must not be nil")
	if i == nil || h == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.point(name).hook = h
}

// Clear removes the faults for name but keeps its hit count.
func (i *Injector) Clear(name string) {
	if i == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.points[name]; ok {
		i.points[name] = &point{hits: p.hits}
	}
}

func (i *Injector) Reset() {
	if i == nil {
		return
	}
	i.mu.Lock()
	i.points = make(map[string]*point)
	i.mu.Unlock()
}

// Hits returns how many times name has been evaluated.
func (i *Injector) Hits(name string) int {
	if i == nil {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.points[name]; ok {
		return p.hits
	}
	return 0
}

// Eval records one evaluation of name and returns the injected error, if any.
// A hook runs first, then queued errors, then the permanent one.
func (i *Injector) Eval(name string, args ...any) error {
	check.Assert(strings.TrimSpace(name) != "", "fault.Injector.Eval: point must not be empty")
	if i == nil {
		return nil
	}

	i.mu.Lock()
	p := i.point(name)
	p.hits++
	hook := p.hook
	var queued error
	if len(p.queued) > 0 {
		queued = p.queued[0]
		p.queued = p.queued[1:]
	}
	always := p.always
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("fault %s (hook): %w", name, err)
		}
	}
	if queued != nil {
		return fmt.Errorf("fault %s (queued): %w", name, queued)
	}
	if always != nil {
		return fmt.Errorf("fault %s (always): %w", name, always)
	}
	return nil
}

func (i *Injector) point(name string) *point {
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	return p
}
