package validate

import (
	"sort"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

type memberKey struct {
	user    chandb.UserID
	channel chandb.ChannelID
}

// MemGraph is an in-memory MembershipView. Unlike the stored model it allows
// several parents per channel, which is what the offline checker and the
// property tests exercise.
type MemGraph struct {
	nodes   map[chandb.ChannelID]bool
	parents map[chandb.ChannelID][]chandb.ChannelID
	members map[memberKey]chandb.Membership
}

// NewMemGraph returns an empty graph.
func NewMemGraph() *MemGraph {
	return &MemGraph{
		nodes:   make(map[chandb.ChannelID]bool),
		parents: make(map[chandb.ChannelID][]chandb.ChannelID),
		members: make(map[memberKey]chandb.Membership),
	}
}

// GraphFromSnapshot loads a snapshot without checking it.
func GraphFromSnapshot(snap chandb.Snapshot) *MemGraph {
	g := NewMemGraph()
	for _, ch := range snap.Channels {
		g.nodes[ch.ID] = true
		if !ch.IsRoot() {
			g.parents[ch.ID] = append(g.parents[ch.ID], ch.ParentID)
		}
	}
	for _, m := range snap.Memberships {
		g.members[memberKey{m.UserID, m.ChannelID}] = m
	}
	return g
}

// AddNode registers a channel with no parents.
func (g *MemGraph) AddNode(id chandb.ChannelID) {
	g.nodes[id] = true
}

// AddEdge adds child -> parent after checking it keeps the graph acyclic.
func (g *MemGraph) AddEdge(child, parent chandb.ChannelID) error {
	if err := CheckParentEdge(g, child, parent); err != nil {
		return err
	}
	g.nodes[child] = true
	g.nodes[parent] = true
	for _, p := range g.parents[child] {
		if p == parent {
			return nil
		}
	}
	g.parents[child] = append(g.parents[child], parent)
	return nil
}

// RemoveEdge drops child -> parent if present.
func (g *MemGraph) RemoveEdge(child, parent chandb.ChannelID) {
	ps := g.parents[child]
	for i, p := range ps {
		if p == parent {
			g.parents[child] = append(ps[:i:i], ps[i+1:]...)
			return
		}
	}
}

func (g *MemGraph) Parents(id chandb.ChannelID) ([]chandb.ChannelID, error) {
	return g.parents[id], nil
}

func (g *MemGraph) Membership(user chandb.UserID, channel chandb.ChannelID) (chandb.Membership, bool, error) {
	m, ok := g.members[memberKey{user, channel}]
	return m, ok, nil
}

// PutMembership stores m without checking it.
func (g *MemGraph) PutMembership(m chandb.Membership) {
	g.members[memberKey{m.UserID, m.ChannelID}] = m
}

// Has reports whether id is a known channel.
func (g *MemGraph) Has(id chandb.ChannelID) bool {
	return g.nodes[id]
}

// IDs returns every known channel id in ascending order.
func (g *MemGraph) IDs() []chandb.ChannelID {
	ids := make([]chandb.ChannelID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CycleMembers returns the channels that sit on a parent cycle, found by a
// full depth-first search. This is the offline check; mutations use
// CheckParentEdge instead.
func (g *MemGraph) CycleMembers() []chandb.ChannelID {
	const (
		white = iota
		grey
		black
	)
	color := make(map[chandb.ChannelID]int, len(g.nodes))
	onCycle := make(map[chandb.ChannelID]bool)
	var stack []chandb.ChannelID

	var visit func(id chandb.ChannelID)
	visit = func(id chandb.ChannelID) {
		color[id] = grey
		stack = append(stack, id)
		for _, p := range g.parents[id] {
			switch color[p] {
			case white:
				visit(p)
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					onCycle[stack[i]] = true
					if stack[i] == p {
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}
	for _, id := range g.IDs() {
		if color[id] == white {
			visit(id)
		}
	}

	out := make([]chandb.ChannelID, 0, len(onCycle))
	for id := range onCycle {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
