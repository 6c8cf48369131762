package chandb

import "fmt"

// ChannelID identifies a channel. IDs are assigned by the backend from a
// monotonic sequence starting at 1.
type ChannelID uint64

// NoChannel is the parent of a root channel.
const NoChannel ChannelID = 0

// UserID identifies an authenticated user.
type UserID uint64

func (id ChannelID) String() string { return fmt.Sprintf("#%d", uint64(id)) }

func (id UserID) String() string { return fmt.Sprintf("u%d", uint64(id)) }

// Channel is a named node in the channel hierarchy.
type Channel struct {
	ID       ChannelID `json:"id"`
	Name     string    `json:"name"`
	ParentID ChannelID `json:"parent_id,omitempty"`
}

// IsRoot reports whether the channel has no parent.
func (c Channel) IsRoot() bool { return c.ParentID == NoChannel }

// MembershipState is the lifecycle state of a membership record.
type MembershipState int

const (
	StateInvited MembershipState = iota + 1 // Pending invitation
	StateMember                             // Accepted membership
)

func (s MembershipState) String() string {
	switch s {
	case StateInvited:
		return "invited"
	case StateMember:
		return "member"
	default:
		return "unknown"
	}
}

// Membership relates a user to a channel. A user holds at most one record
// per channel.
type Membership struct {
	UserID    UserID          `json:"user_id"`
	ChannelID ChannelID       `json:"channel_id"`
	State     MembershipState `json:"state"`
	Admin     bool            `json:"admin"`
	InviterID UserID          `json:"inviter_id,omitempty"`
}

// IsMember reports whether the record is an accepted membership.
func (m Membership) IsMember() bool { return m.State == StateMember }

// ChangeKind classifies a change event.
type ChangeKind int

const (
	ChannelUpserted ChangeKind = iota + 1
	ChannelRemoved
	MembershipUpserted
	MembershipRemoved
)

// String returns the wire name of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChannelUpserted:
		return "channel_upserted"
	case ChannelRemoved:
		return "channel_removed"
	case MembershipUpserted:
		return "membership_upserted"
	case MembershipRemoved:
		return "membership_removed"
	default:
		return "unknown"
	}
}

// ChangeEvent is one committed delta. Seq is the commit that produced it and
// is the version of every entity the event carries.
//
// For channel events Channels holds the affected channels as of Seq. For
// membership events Membership holds the record (its last state, for
// removals) and Channels holds what the user needs to render it.
type ChangeEvent struct {
	Seq        uint64      `json:"seq"`
	Kind       ChangeKind  `json:"kind"`
	Channels   []Channel   `json:"channels,omitempty"`
	Membership *Membership `json:"membership,omitempty"`

	// Audience lists the users whose sessions receive the event. It never
	// leaves the server.
	Audience []UserID `json:"-"`
}

// VisibleTo reports whether user is in the event's audience.
func (ev ChangeEvent) VisibleTo(user UserID) bool {
	for _, u := range ev.Audience {
		if u == user {
			return true
		}
	}
	return false
}

// Commit is the change record appended by every successful mutation, in the
// same transaction as the state it describes.
type Commit struct {
	Seq    uint64
	Op     string
	Actor  UserID
	Events []ChangeEvent
}

// EventsFor returns the commit's events whose audience includes user.
func (c *Commit) EventsFor(user UserID) []ChangeEvent {
	if c == nil {
		return nil
	}
	var out []ChangeEvent
	for _, ev := range c.Events {
		if ev.VisibleTo(user) {
			out = append(out, ev)
		}
	}
	return out
}

// Snapshot is a full dump of the directory at Seq.
type Snapshot struct {
	Seq         uint64
	Channels    []Channel
	Memberships []Membership
}

// VisibleState is the part of the directory one user can see: every channel
// reachable through a Member record (the channel and its descendants), every
// invited channel, and the user's own membership records.
type VisibleState struct {
	Seq         uint64       `json:"seq"`
	Channels    []Channel    `json:"channels"`
	Memberships []Membership `json:"memberships"`
}
