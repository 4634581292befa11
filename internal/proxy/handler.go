package proxy

import (
	"context"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
)

// Handle processes messages addressed to this context. It must return
// quickly: it runs on the context's delivery goroutine, so anything that
// waits on the central store is started in the background.
func (s *Store) Handle(_ context.Context, from protocol.ContextID, env protocol.Envelope) (protocol.Response, error) {
	switch env.Type {
	case protocol.TypeIframeStateUpdate:
		if env.State == nil {
			// A projection alone cannot rebuild the tree.
			s.refetch("update without snapshot")
			return protocol.Response{Success: true}, nil
		}
		s.apply(*env.State, sourceBroadcast)
		return protocol.Response{Success: true}, nil

	case protocol.TypeLogoutRefresh:
		if env.State != nil {
			s.replace(*env.State, sourceLogout)
		}
		s.refetch("logout")
		return protocol.Response{Success: true}, nil

	case protocol.TypeGetState:
		snap, ok := s.Snapshot()
		if !ok {
			return protocol.Failure(protocol.ErrNotReady), nil
		}
		return protocol.OK(snap), nil

	case protocol.TypeGetIframeState:
		snap, ok := s.Snapshot()
		if !ok {
			return protocol.Failure(protocol.ErrNotReady), nil
		}
		return protocol.IframeOK(snap.State.Iframe()), nil
	}

	s.log.Debug("unsupported message", "from", from, "type", env.Type)
	return protocol.Failure(protocol.ErrUnsupported), nil
}

func (s *Store) refetch(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.Refresh(s.bg); err != nil {
			s.log.Warn("refetch failed", "reason", reason, "err", err)
		}
	}()
}
