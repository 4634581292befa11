package state

import "github.com/google/uuid"

// Snapshot is an immutable, fully materialized copy of the canonical tree as
// of one revision of one central store boot.
type Snapshot struct {
	Epoch    string `json:"epoch"`
	Revision uint64 `json:"revision"`
	State    State  `json:"state"`
}

// NewEpoch returns a fresh boot identifier.
func NewEpoch() string {
	return uuid.NewString()
}

// DefaultSnapshot is what a context falls back to when neither a persisted
// record nor the central store is available. It has no epoch, so any real
// snapshot supersedes it.
func DefaultSnapshot() Snapshot {
	return Snapshot{State: Defaults()}
}

func (s Snapshot) Clone() Snapshot {
	s.State = s.State.Clone()
	return s
}

// Supersedes reports whether s may replace cur in a cache. The default
// snapshot never replaces a real one and older revisions never replace newer
// ones. Revisions carry over a restart together with the persisted record, so
// they are compared across boots too; a new boot at the same revision wins.
func (s Snapshot) Supersedes(cur Snapshot) bool {
	if s.IsDefault() && !cur.IsDefault() {
		return false
	}
	return s.Revision >= cur.Revision
}

// IsDefault reports whether s is the epoch-less fallback.
func (s Snapshot) IsDefault() bool {
	return s.Epoch == ""
}
