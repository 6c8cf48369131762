package replica

import (
	"sort"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// OptKind is the kind of an optimistic local edit.
type OptKind int

const (
	OptAccept  OptKind = iota + 1 // Pending invitation shown as accepted
	OptDecline                    // Pending invitation hidden
	OptRename                     // Channel shown under a new name
)

// Optimistic is an unconfirmed edit layered over the authoritative arena.
// It never touches the arena itself, so clearing it restores exactly what
// the server last said.
type Optimistic struct {
	Kind      OptKind
	ChannelID chandb.ChannelID
	Name      string
}

// SetOptimistic records an edit for an in-flight request.
func (r *Replica) SetOptimistic(requestID uint64, op Optimistic) {
	r.overlay[requestID] = op
}

// ClearOptimistic drops the edit for a request once it is answered.
func (r *Replica) ClearOptimistic(requestID uint64) {
	delete(r.overlay, requestID)
}

// ClearAllOptimistic drops every pending edit.
func (r *Replica) ClearAllOptimistic() {
	r.overlay = make(map[uint64]Optimistic)
}

// PendingOptimistic returns the number of unconfirmed edits.
func (r *Replica) PendingOptimistic() int {
	return len(r.overlay)
}

// overlayOrder returns request ids in issue order so later edits win.
func (r *Replica) overlayOrder() []uint64 {
	if len(r.overlay) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(r.overlay))
	for id := range r.overlay {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
