package protocol

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ContextID names one live context on a host.
type ContextID string

// BackgroundID is the well-known identity of the privileged context that
// hosts the central store.
const BackgroundID ContextID = "background"

// Kind classifies a context.
type Kind string

const (
	KindBackground Kind = "background"
	KindPage       Kind = "page"
	KindUI         Kind = "ui"
)

func (k Kind) Valid() bool {
	switch k {
	case KindBackground, KindPage, KindUI:
		return true
	}
	return false
}

// Info describes a context registered with a host.
type Info struct {
	ID    ContextID `json:"id"`
	Kind  Kind      `json:"kind"`
	Label string    `json:"label,omitempty"`
}

// NewContextID returns a unique id for a non-privileged context.
func NewContextID(kind Kind) ContextID {
	return ContextID(string(kind) + "-" + uuid.NewString()[:8])
}

// Validate checks that info can be registered.
func (i Info) Validate() error {
	if strings.TrimSpace(string(i.ID)) == "" {
		return fmt.Errorf("context id is required")
	}
	if !i.Kind.Valid() {
		return fmt.Errorf("context kind %q must be one of background, page, ui", i.Kind)
	}
	if i.Kind == KindBackground && i.ID != BackgroundID {
		return fmt.Errorf("background context must use id %q", BackgroundID)
	}
	if i.Kind != KindBackground && i.ID == BackgroundID {
		return fmt.Errorf("id %q is reserved for the background context", BackgroundID)
	}
	return nil
}

func (i Info) String() string {
	if i.Label != "" {
		return fmt.Sprintf("%s(%s %s)", i.ID, i.Kind, i.Label)
	}
	return fmt.Sprintf("%s(%s)", i.ID, i.Kind)
}
