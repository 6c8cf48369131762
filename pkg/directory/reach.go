package directory

import (
	"sort"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/validate"
)

// subtree returns id and all of its descendants, parents before children.
func subtree(tx chandb.Tx, id chandb.ChannelID) ([]chandb.Channel, error) {
	var out []chandb.Channel
	seen := make(map[chandb.ChannelID]bool)
	queue := []chandb.ChannelID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		ch, ok, err := tx.Channel(cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, ch)
		kids, err := tx.Children(cur)
		if err != nil {
			return nil, err
		}
		queue = append(queue, kids...)
	}
	return out, nil
}

// channelAudience is everyone who can see id: Member records on id or an
// ancestor, plus pending invitees of id itself.
func channelAudience(tx chandb.Tx, id chandb.ChannelID) ([]chandb.UserID, error) {
	users, err := audienceSet(tx, id)
	if err != nil {
		return nil, err
	}
	return sortedUsers(users), nil
}

func audienceSet(tx chandb.Tx, id chandb.ChannelID) (map[chandb.UserID]bool, error) {
	view := validate.TxView(tx)
	ancestors, err := validate.Ancestors(view, id)
	if err != nil {
		return nil, err
	}
	users := make(map[chandb.UserID]bool)
	for i, ch := range append([]chandb.ChannelID{id}, ancestors...) {
		ms, err := tx.ChannelMemberships(ch)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			if m.IsMember() || i == 0 {
				users[m.UserID] = true
			}
		}
	}
	return users, nil
}

// viewers returns the users holding Member records on id or an ancestor.
func viewers(tx chandb.Tx, id chandb.ChannelID) (map[chandb.UserID]bool, error) {
	view := validate.TxView(tx)
	ancestors, err := validate.Ancestors(view, id)
	if err != nil {
		return nil, err
	}
	users := make(map[chandb.UserID]bool)
	for _, ch := range append([]chandb.ChannelID{id}, ancestors...) {
		ms, err := tx.ChannelMemberships(ch)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			if m.IsMember() {
				users[m.UserID] = true
			}
		}
	}
	return users, nil
}

// visibility maps each user to the channels of set they can see.
type visibility map[chandb.UserID]map[chandb.ChannelID]bool

// computeVisibility counts an invitee as seeing the invited channel, so a
// user who loses a subtree keeps the channels they are still invited to.
func computeVisibility(tx chandb.Tx, set []chandb.Channel) (visibility, error) {
	out := make(visibility)
	for _, ch := range set {
		users, err := audienceSet(tx, ch.ID)
		if err != nil {
			return nil, err
		}
		for u := range users {
			if out[u] == nil {
				out[u] = make(map[chandb.ChannelID]bool)
			}
			out[u][ch.ID] = true
		}
	}
	return out, nil
}

// lost returns, per user, the channels visible in before but not in after.
func lost(before, after visibility) map[chandb.UserID][]chandb.ChannelID {
	out := make(map[chandb.UserID][]chandb.ChannelID)
	for u, chans := range before {
		for id := range chans {
			if !after[u][id] {
				out[u] = append(out[u], id)
			}
		}
		sortIDs(out[u])
	}
	return out
}

// removalEvents groups users that lost the same channels into one
// ChannelRemoved event each.
func removalEvents(gone map[chandb.UserID][]chandb.ChannelID, byID map[chandb.ChannelID]chandb.Channel) []chandb.ChangeEvent {
	type group struct {
		ids   []chandb.ChannelID
		users []chandb.UserID
	}
	groups := make(map[string]*group)
	var keys []string
	for u, ids := range gone {
		if len(ids) == 0 {
			continue
		}
		key := idsKey(ids)
		g, ok := groups[key]
		if !ok {
			g = &group{ids: ids}
			groups[key] = g
			keys = append(keys, key)
		}
		g.users = append(g.users, u)
	}
	sort.Strings(keys)

	var events []chandb.ChangeEvent
	for _, key := range keys {
		g := groups[key]
		sortUsers(g.users)
		ev := chandb.ChangeEvent{Kind: chandb.ChannelRemoved, Audience: g.users}
		for _, id := range g.ids {
			ev.Channels = append(ev.Channels, byID[id])
		}
		events = append(events, ev)
	}
	return events
}

func idsKey(ids []chandb.ChannelID) string {
	b := make([]byte, 0, len(ids)*4)
	for _, id := range ids {
		b = append(b, id.String()...)
	}
	return string(b)
}

func sortedUsers(set map[chandb.UserID]bool) []chandb.UserID {
	out := make([]chandb.UserID, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sortUsers(out)
	return out
}

func sortUsers(us []chandb.UserID) {
	sort.Slice(us, func(i, j int) bool { return us[i] < us[j] })
}

func sortIDs(ids []chandb.ChannelID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
