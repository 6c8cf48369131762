package validate

import (
	"fmt"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// Graph is a read view of the channel parent relation. A channel with a
// single parent returns a one-element slice; roots return nil.
type Graph interface {
	Parents(id chandb.ChannelID) ([]chandb.ChannelID, error)
}

// MembershipView extends Graph with membership lookups.
type MembershipView interface {
	Graph
	Membership(user chandb.UserID, channel chandb.ChannelID) (chandb.Membership, bool, error)
}

// Ancestors returns the strict ancestors of id, nearest first. The walk keeps
// a visited set so a corrupted (cyclic) store still terminates.
func Ancestors(g Graph, id chandb.ChannelID) ([]chandb.ChannelID, error) {
	var out []chandb.ChannelID
	seen := map[chandb.ChannelID]bool{id: true}
	queue := []chandb.ChannelID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		parents, err := g.Parents(cur)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if p == chandb.NoChannel || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
			queue = append(queue, p)
		}
	}
	return out, nil
}

// CheckParentEdge reports whether adding the edge child -> parent keeps the
// hierarchy acyclic. Only attaching a channel under one of its own
// descendants (or itself) can close a cycle, so walking parent's ancestors is
// enough.
func CheckParentEdge(g Graph, child, parent chandb.ChannelID) error {
	if parent == chandb.NoChannel {
		return nil
	}
	if parent == child {
		return fmt.Errorf("%w: %s cannot be its own parent", chandb.ErrCycleDetected, child)
	}
	ancestors, err := Ancestors(g, parent)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if a == child {
			return fmt.Errorf("%w: %s is an ancestor of %s", chandb.ErrCycleDetected, child, parent)
		}
	}
	return nil
}

// Covers reports whether an ancestor record already grants the access rec
// would grant: the ancestor must be an accepted membership, and an admin
// record is only covered by an admin ancestor.
func Covers(ancestor, rec chandb.Membership) bool {
	if !ancestor.IsMember() {
		return false
	}
	return ancestor.Admin || !rec.Admin
}

// CoveringMembership returns the nearest strict-ancestor record of user that
// covers a record on channel with the given admin flag.
func CoveringMembership(v MembershipView, user chandb.UserID, channel chandb.ChannelID, admin bool) (chandb.Membership, bool, error) {
	ancestors, err := Ancestors(v, channel)
	if err != nil {
		return chandb.Membership{}, false, err
	}
	want := chandb.Membership{UserID: user, ChannelID: channel, Admin: admin}
	for _, a := range ancestors {
		m, ok, err := v.Membership(user, a)
		if err != nil {
			return chandb.Membership{}, false, err
		}
		if ok && Covers(m, want) {
			return m, true, nil
		}
	}
	return chandb.Membership{}, false, nil
}

// CheckRedundancy rejects a membership for user on channel that an ancestor
// membership already makes a no-op.
func CheckRedundancy(v MembershipView, user chandb.UserID, channel chandb.ChannelID, admin bool) error {
	m, ok, err := CoveringMembership(v, user, channel, admin)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s is already a member of ancestor %s", chandb.ErrRedundantMembership, user, m.ChannelID)
	}
	return nil
}

// IsAdmin reports whether user holds an accepted admin membership on channel
// or any of its ancestors.
func IsAdmin(v MembershipView, user chandb.UserID, channel chandb.ChannelID) (bool, error) {
	chain, err := Ancestors(v, channel)
	if err != nil {
		return false, err
	}
	chain = append([]chandb.ChannelID{channel}, chain...)
	for _, id := range chain {
		m, ok, err := v.Membership(user, id)
		if err != nil {
			return false, err
		}
		if ok && m.IsMember() && m.Admin {
			return true, nil
		}
	}
	return false, nil
}

// HasAccess reports whether user holds an accepted membership on channel or
// any of its ancestors.
func HasAccess(v MembershipView, user chandb.UserID, channel chandb.ChannelID) (bool, error) {
	chain, err := Ancestors(v, channel)
	if err != nil {
		return false, err
	}
	chain = append([]chandb.ChannelID{channel}, chain...)
	for _, id := range chain {
		m, ok, err := v.Membership(user, id)
		if err != nil {
			return false, err
		}
		if ok && m.IsMember() {
			return true, nil
		}
	}
	return false, nil
}

// TxView adapts a backend transaction to a MembershipView.
func TxView(tx chandb.Tx) MembershipView {
	return txView{tx}
}

type txView struct{ tx chandb.Tx }

func (v txView) Parents(id chandb.ChannelID) ([]chandb.ChannelID, error) {
	ch, ok, err := v.tx.Channel(id)
	if err != nil || !ok || ch.IsRoot() {
		return nil, err
	}
	return []chandb.ChannelID{ch.ParentID}, nil
}

func (v txView) Membership(user chandb.UserID, channel chandb.ChannelID) (chandb.Membership, bool, error) {
	return v.tx.Membership(user, channel)
}
