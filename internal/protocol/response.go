package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/brandon-relentnet/scrollr-sub001/internal/state"
)

// Response answers a request Envelope. Layout and Power are always set so
// that consumers reading only those two fields never see a gap; on failure
// they carry the conservative defaults.
type Response struct {
	Success bool            `json:"success"`
	Layout  string          `json:"layout"`
	Power   bool            `json:"power"`
	State   *state.Snapshot `json:"state,omitempty"`
	Iframe  *state.Iframe   `json:"iframe,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    Code            `json:"code,omitempty"`
}

// OK builds a successful response carrying snap.
func OK(snap state.Snapshot) Response {
	snap = snap.Clone()
	return Response{
		Success: true,
		Layout:  snap.State.Layout.Mode,
		Power:   snap.State.Power.Enabled,
		State:   &snap,
	}
}

// IframeOK builds a successful GET_IFRAME_STATE response.
func IframeOK(proj state.Iframe) Response {
	return Response{
		Success: true,
		Layout:  proj.Layout,
		Power:   proj.Power,
		Iframe:  &proj,
	}
}

// Failure builds an error response. The default projection is attached so
// that callers which ignore the error still read a complete value.
func Failure(err error) Response {
	def := state.DefaultIframe()
	return Response{
		Success: false,
		Layout:  def.Layout,
		Power:   def.Power,
		Iframe:  &def,
		Error:   err.Error(),
		Code:    CodeOf(err),
	}
}

// Err converts a failed response back into an error matching the sentinel
// that produced it.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	return &RemoteError{Code: r.Code, Message: r.Error}
}

func (r Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return r, nil
}
