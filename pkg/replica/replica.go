// Package replica is a client's projection of the channel directory: an
// arena of channels and of the local user's own membership records, each
// tagged with the sequence number of the commit that last wrote it.
//
// Merging is a pure function of (entity, version): a write is kept only if
// its version is at least the stored one, and at equal versions a removal
// beats an upsert. Applying an event twice, or a set of events in any order,
// yields the same projection.
//
// A Replica is not safe for concurrent use; the client store owns it from a
// single goroutine.
package replica

import (
	"sort"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

type channelEntry struct {
	ch      chandb.Channel
	version uint64
	removed bool
}

type membershipEntry struct {
	m       chandb.Membership
	version uint64
	removed bool
}

// Replica holds one user's view.
type Replica struct {
	user        chandb.UserID
	seq         uint64
	floor       uint64
	channels    map[chandb.ChannelID]*channelEntry
	memberships map[chandb.ChannelID]*membershipEntry
	overlay     map[uint64]Optimistic
}

// New returns an empty replica for user.
func New(user chandb.UserID) *Replica {
	return &Replica{
		user:        user,
		channels:    make(map[chandb.ChannelID]*channelEntry),
		memberships: make(map[chandb.ChannelID]*membershipEntry),
		overlay:     make(map[uint64]Optimistic),
	}
}

// User returns the replica's owner.
func (r *Replica) User() chandb.UserID { return r.user }

// Seq returns the highest commit sequence the replica has applied.
func (r *Replica) Seq() uint64 { return r.seq }

// Reset replaces the projection with an authoritative visible state and
// drops every optimistic entry. Events at or below the state's sequence are
// ignored afterwards.
func (r *Replica) Reset(user chandb.UserID, vs chandb.VisibleState) {
	r.user = user
	r.seq = vs.Seq
	r.floor = vs.Seq
	r.channels = make(map[chandb.ChannelID]*channelEntry, len(vs.Channels))
	r.memberships = make(map[chandb.ChannelID]*membershipEntry, len(vs.Memberships))
	r.overlay = make(map[uint64]Optimistic)
	for _, ch := range vs.Channels {
		r.channels[ch.ID] = &channelEntry{ch: ch, version: vs.Seq}
	}
	for _, m := range vs.Memberships {
		if m.UserID == user {
			r.memberships[m.ChannelID] = &membershipEntry{m: m, version: vs.Seq}
		}
	}
}

// Apply merges one change event. It reports whether the projection changed.
func (r *Replica) Apply(ev chandb.ChangeEvent) bool {
	if ev.Seq <= r.floor {
		return false
	}
	if ev.Seq > r.seq {
		r.seq = ev.Seq
	}
	changed := false
	switch ev.Kind {
	case chandb.ChannelUpserted:
		for _, ch := range ev.Channels {
			changed = r.putChannel(ch, ev.Seq, false) || changed
		}
	case chandb.ChannelRemoved:
		for _, ch := range ev.Channels {
			changed = r.putChannel(ch, ev.Seq, true) || changed
		}
	case chandb.MembershipUpserted, chandb.MembershipRemoved:
		for _, ch := range ev.Channels {
			changed = r.putChannel(ch, ev.Seq, false) || changed
		}
		if ev.Membership != nil && ev.Membership.UserID == r.user {
			removed := ev.Kind == chandb.MembershipRemoved
			changed = r.putMembership(*ev.Membership, ev.Seq, removed) || changed
		}
	}
	return changed
}

// wins reports whether a write at version v (a removal if removed) replaces
// an entry stored at cur (a tombstone if curRemoved).
func wins(v uint64, removed bool, cur uint64, curRemoved bool) bool {
	if v != cur {
		return v > cur
	}
	return removed || !curRemoved
}

func (r *Replica) putChannel(ch chandb.Channel, v uint64, removed bool) bool {
	e, ok := r.channels[ch.ID]
	if ok && !wins(v, removed, e.version, e.removed) {
		return false
	}
	if ok && e.version == v && e.removed == removed && e.ch == ch {
		return false
	}
	r.channels[ch.ID] = &channelEntry{ch: ch, version: v, removed: removed}
	return true
}

func (r *Replica) putMembership(m chandb.Membership, v uint64, removed bool) bool {
	e, ok := r.memberships[m.ChannelID]
	if ok && !wins(v, removed, e.version, e.removed) {
		return false
	}
	if ok && e.version == v && e.removed == removed && e.m == m {
		return false
	}
	r.memberships[m.ChannelID] = &membershipEntry{m: m, version: v, removed: removed}
	return true
}

// channel returns the effective channel, overlay included.
func (r *Replica) channel(id chandb.ChannelID) (chandb.Channel, bool) {
	e, ok := r.channels[id]
	if !ok || e.removed {
		return chandb.Channel{}, false
	}
	ch := e.ch
	for _, reqID := range r.overlayOrder() {
		op := r.overlay[reqID]
		if op.Kind == OptRename && op.ChannelID == id {
			ch.Name = op.Name
		}
	}
	return ch, true
}

// membership returns the local user's effective record on id.
func (r *Replica) membership(id chandb.ChannelID) (chandb.Membership, bool) {
	e, ok := r.memberships[id]
	if !ok || e.removed {
		return chandb.Membership{}, false
	}
	m := e.m
	for _, reqID := range r.overlayOrder() {
		op := r.overlay[reqID]
		if op.ChannelID != id || m.State != chandb.StateInvited {
			continue
		}
		switch op.Kind {
		case OptAccept:
			m.State = chandb.StateMember
		case OptDecline:
			return chandb.Membership{}, false
		}
	}
	return m, true
}

// visible reports whether the local user can see id: it or an ancestor
// known to the replica carries a Member record.
func (r *Replica) visible(id chandb.ChannelID) bool {
	seen := make(map[chandb.ChannelID]bool)
	for id != chandb.NoChannel && !seen[id] {
		seen[id] = true
		ch, ok := r.channel(id)
		if !ok {
			return false
		}
		if m, ok := r.membership(id); ok && m.IsMember() {
			return true
		}
		id = ch.ParentID
	}
	return false
}

// Channels returns the channels the user can see, ordered by id.
func (r *Replica) Channels() []chandb.Channel {
	var out []chandb.Channel
	for id := range r.channels {
		if !r.visible(id) {
			continue
		}
		ch, _ := r.channel(id)
		out = append(out, ch)
	}
	sortChannels(out)
	return out
}

// ChannelInvitations returns the channels the user has a pending invitation
// to, ordered by id.
func (r *Replica) ChannelInvitations() []chandb.Channel {
	var out []chandb.Channel
	for id := range r.memberships {
		m, ok := r.membership(id)
		if !ok || m.State != chandb.StateInvited {
			continue
		}
		if ch, ok := r.channel(id); ok {
			out = append(out, ch)
		}
	}
	sortChannels(out)
	return out
}

// Channel looks up a visible channel by id.
func (r *Replica) Channel(id chandb.ChannelID) (chandb.Channel, bool) {
	if !r.visible(id) {
		return chandb.Channel{}, false
	}
	return r.channel(id)
}

// Membership returns the user's own effective record on id.
func (r *Replica) Membership(id chandb.ChannelID) (chandb.Membership, bool) {
	return r.membership(id)
}

// IsAdmin reports whether the user administers id through a record on it or
// on an ancestor known to the replica.
func (r *Replica) IsAdmin(id chandb.ChannelID) bool {
	seen := make(map[chandb.ChannelID]bool)
	for id != chandb.NoChannel && !seen[id] {
		seen[id] = true
		ch, ok := r.channel(id)
		if !ok {
			return false
		}
		if m, ok := r.membership(id); ok && m.IsMember() && m.Admin {
			return true
		}
		id = ch.ParentID
	}
	return false
}

// Version returns the stored version of a channel entry, tombstones
// included.
func (r *Replica) Version(id chandb.ChannelID) (version uint64, removed bool, ok bool) {
	e, ok := r.channels[id]
	if !ok {
		return 0, false, false
	}
	return e.version, e.removed, true
}

func sortChannels(chs []chandb.Channel) {
	sort.Slice(chs, func(i, j int) bool { return chs[i].ID < chs[j].ID })
}
