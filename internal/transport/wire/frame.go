// Package wire is the framing shared by the gateways that bridge remote
// contexts onto a host. A frame is JSON; the gRPC gateway carries it in a
// BytesValue, the WebSocket gateway as a text message.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"

	"github.com/google/uuid"
)

type Kind string

const (
	// KindHello registers the sender as a context. Info is set.
	KindHello Kind = "hello"
	// KindAttached acknowledges a hello once the context is registered.
	KindAttached Kind = "attached"
	// KindRequest carries an Envelope that expects a KindResponse with the
	// same ID.
	KindRequest Kind = "request"
	// KindNotify carries an Envelope whose response is discarded.
	KindNotify Kind = "notify"
	// KindResponse answers a request. Error is set for delivery failures;
	// handler failures travel inside Response.
	KindResponse Kind = "response"
)

type Frame struct {
	Kind     Kind               `json:"kind"`
	ID       string             `json:"id,omitempty"`
	From     protocol.ContextID `json:"from,omitempty"`
	To       protocol.ContextID `json:"to,omitempty"`
	Info     *protocol.Info     `json:"info,omitempty"`
	Envelope *protocol.Envelope `json:"envelope,omitempty"`
	Response *protocol.Response `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
	Code     protocol.Code      `json:"code,omitempty"`
}

// NewID returns a correlation id.
func NewID() string {
	return uuid.NewString()
}

// Request builds a request frame, or a notify frame for notification types.
func Request(from, to protocol.ContextID, env protocol.Envelope) Frame {
	kind := KindRequest
	if env.Type.Notification() {
		kind = KindNotify
	}
	return Frame{Kind: kind, ID: NewID(), From: from, To: to, Envelope: &env}
}

// Reply builds the response frame for request id from a handler result.
func Reply(id string, resp protocol.Response, err error) Frame {
	if err != nil {
		return Frame{Kind: KindResponse, ID: id, Error: err.Error(), Code: protocol.CodeOf(err)}
	}
	return Frame{Kind: KindResponse, ID: id, Response: &resp}
}

// Result converts a response frame back into what the handler returned.
func (f Frame) Result() (protocol.Response, error) {
	if f.Error != "" || f.Code != "" {
		return protocol.Response{}, &protocol.RemoteError{Code: f.Code, Message: f.Error}
	}
	if f.Response == nil {
		return protocol.Response{}, fmt.Errorf("response frame %s carries no response", f.ID)
	}
	return *f.Response, nil
}

func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	return data, nil
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Kind {
	case KindHello:
		if f.Info == nil {
			return Frame{}, fmt.Errorf("decode frame: hello without info")
		}
	case KindRequest, KindNotify:
		if f.Envelope == nil {
			return Frame{}, fmt.Errorf("decode frame: %s without envelope", f.Kind)
		}
	case KindAttached, KindResponse:
	default:
		return Frame{}, fmt.Errorf("decode frame: unknown kind %q", f.Kind)
	}
	return f, nil
}
