package central

import (
	"context"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
)

// Handle answers requests from other contexts. Failures are reported in the
// response, never as a transport error, so every caller gets a payload with
// the default projection even when the store is not ready.
func (s *Store) Handle(ctx context.Context, from protocol.ContextID, env protocol.Envelope) (protocol.Response, error) {
	switch env.Type {
	case protocol.TypeGetState:
		snap, err := s.GetState()
		if err != nil {
			return protocol.Failure(err), nil
		}
		return protocol.OK(snap), nil

	case protocol.TypeGetIframeState:
		snap, err := s.GetState()
		if err != nil {
			return protocol.Failure(err), nil
		}
		return protocol.IframeOK(snap.State.Iframe()), nil

	case protocol.TypeIframeStateUpdate, protocol.TypeLogoutRefresh:
		// Notifications flow outward from here; one arriving is a peer bug.
		s.log.Warn("notification sent to central store", "from", from, "type", env.Type)
		return protocol.Failure(protocol.ErrUnsupported), nil
	}

	in, ok, err := env.Intent()
	if !ok {
		s.log.Debug("unsupported message", "from", from, "type", env.Type)
		return protocol.Failure(protocol.ErrUnsupported), nil
	}
	if err != nil {
		return protocol.Failure(err), nil
	}
	snap, err := s.Dispatch(ctx, from, in)
	if err != nil {
		return protocol.Failure(err), nil
	}
	resp := protocol.OK(snap)
	proj := snap.State.Iframe()
	resp.Iframe = &proj
	return resp, nil
}
