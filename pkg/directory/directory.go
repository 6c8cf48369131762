// Package directory is the server's authority over the channel hierarchy and
// its memberships. Every mutation is one backend transaction: read, check the
// graph invariants, write, and append the commit describing the delta. The
// commit is published only after the transaction has committed.
package directory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/validate"
)

// MaxNameLen is the longest channel name accepted, in bytes.
const MaxNameLen = 255

// Operation names recorded on commits.
const (
	OpCreateChannel   = "create_channel"
	OpInviteMember    = "invite_member"
	OpRespondToInvite = "respond_to_invite"
	OpRenameChannel   = "rename_channel"
	OpMoveChannel     = "move_channel"
	OpRemoveMember    = "remove_member"
)

// Publisher receives every commit after it is durable. Commits may arrive
// out of sequence order when mutations race; the publisher reorders.
type Publisher interface {
	Publish(c *chandb.Commit)
}

// Directory applies validated mutations to a backend.
type Directory struct {
	backend chandb.Backend
	pub     Publisher
}

// New creates a Directory over backend. pub may be nil.
func New(backend chandb.Backend, pub Publisher) *Directory {
	return &Directory{backend: backend, pub: pub}
}

// SetPublisher replaces the commit publisher. Call before serving requests.
func (d *Directory) SetPublisher(pub Publisher) {
	d.pub = pub
}

// mutate runs fn in one Update transaction and appends the commit it fills.
func (d *Directory) mutate(ctx context.Context, op string, actor chandb.UserID, fn func(tx chandb.Tx, c *chandb.Commit) error) (*chandb.Commit, error) {
	var commit *chandb.Commit
	err := d.backend.Update(ctx, func(tx chandb.Tx) error {
		c := &chandb.Commit{Op: op, Actor: actor}
		if err := fn(tx, c); err != nil {
			return err
		}
		if err := tx.AppendCommit(c); err != nil {
			return err
		}
		commit = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("directory: %s: %w", op, err)
	}
	if d.pub != nil {
		d.pub.Publish(commit)
	}
	return commit, nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: channel name is empty", chandb.ErrInvalidArgument)
	}
	if len(name) > MaxNameLen {
		return "", fmt.Errorf("%w: channel name longer than %d bytes", chandb.ErrInvalidArgument, MaxNameLen)
	}
	return name, nil
}

func mustChannel(tx chandb.Tx, id chandb.ChannelID) (chandb.Channel, error) {
	ch, ok, err := tx.Channel(id)
	if err != nil {
		return ch, err
	}
	if !ok {
		return ch, fmt.Errorf("%w: channel %s", chandb.ErrNotFound, id)
	}
	return ch, nil
}

func requireAdmin(tx chandb.Tx, user chandb.UserID, id chandb.ChannelID) error {
	ok, err := validate.IsAdmin(validate.TxView(tx), user, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not an admin of %s", chandb.ErrUnauthorized, user, id)
	}
	return nil
}

// CreateChannel creates a channel named name under parent (NoChannel for a
// root). The creator must administer the parent. A root channel gets an
// explicit admin membership for the creator; under a parent the creator's
// inherited admin rights already cover the new channel.
func (d *Directory) CreateChannel(ctx context.Context, creator chandb.UserID, name string, parent chandb.ChannelID) (chandb.ChannelID, *chandb.Commit, error) {
	name, err := cleanName(name)
	if err != nil {
		return 0, nil, fmt.Errorf("directory: %s: %w", OpCreateChannel, err)
	}
	var created chandb.Channel
	commit, err := d.mutate(ctx, OpCreateChannel, creator, func(tx chandb.Tx, c *chandb.Commit) error {
		if parent != chandb.NoChannel {
			if _, err := mustChannel(tx, parent); err != nil {
				return err
			}
			if err := requireAdmin(tx, creator, parent); err != nil {
				return err
			}
		}
		ch, err := tx.CreateChannel(name, parent)
		if err != nil {
			return err
		}
		if err := validate.CheckParentEdge(validate.TxView(tx), ch.ID, parent); err != nil {
			return err
		}
		created = ch

		if ch.IsRoot() {
			m := chandb.Membership{UserID: creator, ChannelID: ch.ID, State: chandb.StateMember, Admin: true}
			if err := tx.PutMembership(m); err != nil {
				return err
			}
			c.Events = append(c.Events, chandb.ChangeEvent{
				Kind:       chandb.MembershipUpserted,
				Membership: &m,
				Channels:   []chandb.Channel{ch},
				Audience:   []chandb.UserID{creator},
			})
		}
		audience, err := channelAudience(tx, ch.ID)
		if err != nil {
			return err
		}
		c.Events = append(c.Events, chandb.ChangeEvent{
			Kind:     chandb.ChannelUpserted,
			Channels: []chandb.Channel{ch},
			Audience: audience,
		})
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	log.Printf("directory: %s created %s %q under %s (seq %d)", creator, created.ID, created.Name, parent, commit.Seq)
	return created.ID, commit, nil
}

// InviteMember records a pending invitation for invitee. The inviter must
// administer the channel directly or through an ancestor.
func (d *Directory) InviteMember(ctx context.Context, inviter chandb.UserID, channel chandb.ChannelID, invitee chandb.UserID, admin bool) (*chandb.Commit, error) {
	return d.mutate(ctx, OpInviteMember, inviter, func(tx chandb.Tx, c *chandb.Commit) error {
		ch, err := mustChannel(tx, channel)
		if err != nil {
			return err
		}
		if err := requireAdmin(tx, inviter, channel); err != nil {
			return err
		}
		existing, ok, err := tx.Membership(invitee, channel)
		if err != nil {
			return err
		}
		if ok {
			if existing.IsMember() {
				return fmt.Errorf("%w: %s in %s", chandb.ErrAlreadyMember, invitee, channel)
			}
			return fmt.Errorf("%w: %s to %s", chandb.ErrAlreadyInvited, invitee, channel)
		}
		if err := validate.CheckRedundancy(validate.TxView(tx), invitee, channel, admin); err != nil {
			return err
		}
		m := chandb.Membership{
			UserID:    invitee,
			ChannelID: channel,
			State:     chandb.StateInvited,
			Admin:     admin,
			InviterID: inviter,
		}
		if err := tx.PutMembership(m); err != nil {
			return err
		}
		c.Events = append(c.Events, chandb.ChangeEvent{
			Kind:       chandb.MembershipUpserted,
			Membership: &m,
			Channels:   []chandb.Channel{ch},
			Audience:   []chandb.UserID{invitee},
		})
		return nil
	})
}

// RespondToInvite accepts or declines user's pending invitation to channel.
// Accepting turns the record into a Member record and drops the user's
// records on descendant channels that the new membership covers. Declining
// deletes the record.
func (d *Directory) RespondToInvite(ctx context.Context, user chandb.UserID, channel chandb.ChannelID, accept bool) (*chandb.Commit, error) {
	return d.mutate(ctx, OpRespondToInvite, user, func(tx chandb.Tx, c *chandb.Commit) error {
		m, ok, err := tx.Membership(user, channel)
		if err != nil {
			return err
		}
		if !ok || m.State != chandb.StateInvited {
			return fmt.Errorf("%w: no invitation for %s to %s", chandb.ErrNotFound, user, channel)
		}
		ch, err := mustChannel(tx, channel)
		if err != nil {
			return err
		}

		if !accept {
			if err := tx.DeleteMembership(user, channel); err != nil {
				return err
			}
			users, err := viewers(tx, channel)
			if err != nil {
				return err
			}
			if users[user] {
				c.Events = append(c.Events, chandb.ChangeEvent{
					Kind:       chandb.MembershipRemoved,
					Membership: &m,
					Channels:   []chandb.Channel{ch},
					Audience:   []chandb.UserID{user},
				})
				return nil
			}
			c.Events = append(c.Events, chandb.ChangeEvent{
				Kind:       chandb.MembershipRemoved,
				Membership: &m,
				Audience:   []chandb.UserID{user},
			}, chandb.ChangeEvent{
				Kind:     chandb.ChannelRemoved,
				Channels: []chandb.Channel{ch},
				Audience: []chandb.UserID{user},
			})
			return nil
		}

		if err := validate.CheckRedundancy(validate.TxView(tx), user, channel, m.Admin); err != nil {
			return err
		}
		m.State = chandb.StateMember
		if err := tx.PutMembership(m); err != nil {
			return err
		}
		tree, err := subtree(tx, channel)
		if err != nil {
			return err
		}
		c.Events = append(c.Events, chandb.ChangeEvent{
			Kind:       chandb.MembershipUpserted,
			Membership: &m,
			Channels:   tree,
			Audience:   []chandb.UserID{user},
		})
		return collapseUser(tx, c, user, m, tree[1:])
	})
}

// collapseUser removes user's records on the given descendant channels that
// cover makes redundant.
func collapseUser(tx chandb.Tx, c *chandb.Commit, user chandb.UserID, cover chandb.Membership, descendants []chandb.Channel) error {
	for _, ch := range descendants {
		rec, ok, err := tx.Membership(user, ch.ID)
		if err != nil {
			return err
		}
		if !ok || !validate.Covers(cover, rec) {
			continue
		}
		if err := tx.DeleteMembership(user, ch.ID); err != nil {
			return err
		}
		c.Events = append(c.Events, chandb.ChangeEvent{
			Kind:       chandb.MembershipRemoved,
			Membership: &rec,
			Audience:   []chandb.UserID{user},
		})
	}
	return nil
}

// RenameChannel changes a channel's display name.
func (d *Directory) RenameChannel(ctx context.Context, actor chandb.UserID, channel chandb.ChannelID, name string) (*chandb.Commit, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, fmt.Errorf("directory: %s: %w", OpRenameChannel, err)
	}
	return d.mutate(ctx, OpRenameChannel, actor, func(tx chandb.Tx, c *chandb.Commit) error {
		ch, err := mustChannel(tx, channel)
		if err != nil {
			return err
		}
		if err := requireAdmin(tx, actor, channel); err != nil {
			return err
		}
		ch.Name = name
		if err := tx.PutChannel(ch); err != nil {
			return err
		}
		audience, err := channelAudience(tx, channel)
		if err != nil {
			return err
		}
		c.Events = append(c.Events, chandb.ChangeEvent{
			Kind:     chandb.ChannelUpserted,
			Channels: []chandb.Channel{ch},
			Audience: audience,
		})
		return nil
	})
}

// MoveChannel re-parents channel under newParent (NoChannel for the root).
// The actor must administer the channel and the new parent; moving to the
// root needs an explicit admin membership on the channel itself so the
// detached tree keeps an administrator.
func (d *Directory) MoveChannel(ctx context.Context, actor chandb.UserID, channel, newParent chandb.ChannelID) (*chandb.Commit, error) {
	return d.mutate(ctx, OpMoveChannel, actor, func(tx chandb.Tx, c *chandb.Commit) error {
		ch, err := mustChannel(tx, channel)
		if err != nil {
			return err
		}
		if err := requireAdmin(tx, actor, channel); err != nil {
			return err
		}
		view := validate.TxView(tx)
		if newParent == chandb.NoChannel {
			m, ok, err := tx.Membership(actor, channel)
			if err != nil {
				return err
			}
			if !ok || !m.IsMember() || !m.Admin {
				return fmt.Errorf("%w: moving %s to the root needs an admin membership on it", chandb.ErrUnauthorized, channel)
			}
		} else {
			if _, err := mustChannel(tx, newParent); err != nil {
				return err
			}
			if err := requireAdmin(tx, actor, newParent); err != nil {
				return err
			}
			if err := validate.CheckParentEdge(view, channel, newParent); err != nil {
				return err
			}
		}

		tree, err := subtree(tx, channel)
		if err != nil {
			return err
		}
		before, err := computeVisibility(tx, tree)
		if err != nil {
			return err
		}

		ch.ParentID = newParent
		if err := tx.PutChannel(ch); err != nil {
			return err
		}
		tree[0] = ch
		if err := collapseTree(tx, c, tree); err != nil {
			return err
		}

		after, err := computeVisibility(tx, tree)
		if err != nil {
			return err
		}
		// Members see the whole moved tree; invitees only the channel itself.
		seeing, err := viewers(tx, channel)
		if err != nil {
			return err
		}
		if len(seeing) > 0 {
			c.Events = append(c.Events, chandb.ChangeEvent{
				Kind:     chandb.ChannelUpserted,
				Channels: tree,
				Audience: sortedUsers(seeing),
			})
		}
		invited := make(map[chandb.UserID]bool)
		ms, err := tx.ChannelMemberships(channel)
		if err != nil {
			return err
		}
		for _, m := range ms {
			if !m.IsMember() && !seeing[m.UserID] {
				invited[m.UserID] = true
			}
		}
		if len(invited) > 0 {
			c.Events = append(c.Events, chandb.ChangeEvent{
				Kind:     chandb.ChannelUpserted,
				Channels: []chandb.Channel{ch},
				Audience: sortedUsers(invited),
			})
		}

		byID := make(map[chandb.ChannelID]chandb.Channel, len(tree))
		for _, t := range tree {
			byID[t.ID] = t
		}
		c.Events = append(c.Events, removalEvents(lost(before, after), byID)...)
		return nil
	})
}

// collapseTree removes records in tree made redundant by ancestor records.
func collapseTree(tx chandb.Tx, c *chandb.Commit, tree []chandb.Channel) error {
	view := validate.TxView(tx)
	for _, ch := range tree {
		ms, err := tx.ChannelMemberships(ch.ID)
		if err != nil {
			return err
		}
		for _, m := range ms {
			_, covered, err := validate.CoveringMembership(view, m.UserID, ch.ID, m.Admin)
			if err != nil {
				return err
			}
			if !covered {
				continue
			}
			if err := tx.DeleteMembership(m.UserID, ch.ID); err != nil {
				return err
			}
			m := m
			c.Events = append(c.Events, chandb.ChangeEvent{
				Kind:       chandb.MembershipRemoved,
				Membership: &m,
				Audience:   []chandb.UserID{m.UserID},
			})
		}
	}
	return nil
}

// RemoveMember deletes user's record on channel. Admins of the channel may
// remove anyone; any user may remove their own record.
func (d *Directory) RemoveMember(ctx context.Context, actor chandb.UserID, channel chandb.ChannelID, user chandb.UserID) (*chandb.Commit, error) {
	return d.mutate(ctx, OpRemoveMember, actor, func(tx chandb.Tx, c *chandb.Commit) error {
		m, ok, err := tx.Membership(user, channel)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s has no record on %s", chandb.ErrNotFound, user, channel)
		}
		if actor != user {
			if err := requireAdmin(tx, actor, channel); err != nil {
				return err
			}
		}
		tree, err := subtree(tx, channel)
		if err != nil {
			return err
		}
		before, err := computeVisibility(tx, tree)
		if err != nil {
			return err
		}
		if err := tx.DeleteMembership(user, channel); err != nil {
			return err
		}
		after, err := computeVisibility(tx, tree)
		if err != nil {
			return err
		}
		c.Events = append(c.Events, chandb.ChangeEvent{
			Kind:       chandb.MembershipRemoved,
			Membership: &m,
			Audience:   []chandb.UserID{user},
		})
		byID := make(map[chandb.ChannelID]chandb.Channel, len(tree))
		for _, t := range tree {
			byID[t.ID] = t
		}
		gone := lost(before, after)
		c.Events = append(c.Events, removalEvents(map[chandb.UserID][]chandb.ChannelID{user: gone[user]}, byID)...)
		return nil
	})
}

// VisibleState returns everything user can see, as of one consistent read.
func (d *Directory) VisibleState(ctx context.Context, user chandb.UserID) (chandb.VisibleState, error) {
	var vs chandb.VisibleState
	err := d.backend.View(ctx, func(tx chandb.Tx) error {
		seq, err := tx.LastSeq()
		if err != nil {
			return err
		}
		ms, err := tx.UserMemberships(user)
		if err != nil {
			return err
		}
		seen := make(map[chandb.ChannelID]bool)
		for _, m := range ms {
			var chans []chandb.Channel
			if m.IsMember() {
				if chans, err = subtree(tx, m.ChannelID); err != nil {
					return err
				}
			} else if ch, ok, err := tx.Channel(m.ChannelID); err != nil {
				return err
			} else if ok {
				chans = []chandb.Channel{ch}
			}
			for _, ch := range chans {
				if !seen[ch.ID] {
					seen[ch.ID] = true
					vs.Channels = append(vs.Channels, ch)
				}
			}
		}
		sortChannels(vs.Channels)
		vs.Seq = seq
		vs.Memberships = ms
		return nil
	})
	if err != nil {
		return chandb.VisibleState{}, fmt.Errorf("directory: visible state for %s: %w", user, err)
	}
	return vs, nil
}

// Snapshot dumps the whole directory.
func (d *Directory) Snapshot(ctx context.Context) (chandb.Snapshot, error) {
	var snap chandb.Snapshot
	err := d.backend.View(ctx, func(tx chandb.Tx) error {
		var err error
		snap, err = chandb.DumpSnapshot(tx)
		return err
	})
	return snap, err
}

// LastSeq returns the sequence number of the latest commit.
func (d *Directory) LastSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := d.backend.View(ctx, func(tx chandb.Tx) error {
		var err error
		seq, err = tx.LastSeq()
		return err
	})
	return seq, err
}

// Commits returns up to limit commits after seq.
func (d *Directory) Commits(ctx context.Context, after uint64, limit int) ([]chandb.Commit, error) {
	var out []chandb.Commit
	err := d.backend.View(ctx, func(tx chandb.Tx) error {
		var err error
		out, err = tx.Commits(after, limit)
		return err
	})
	return out, err
}

func sortChannels(chs []chandb.Channel) {
	sort.Slice(chs, func(i, j int) bool { return chs[i].ID < chs[j].ID })
}
