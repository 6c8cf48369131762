package directory

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dheeraj-coding/zed/pkg/boltstore"
	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/sqlstore"
	"github.com/dheeraj-coding/zed/pkg/validate"
)

const (
	alice chandb.UserID = 1
	bob   chandb.UserID = 2
	carol chandb.UserID = 3
)

type recorder struct {
	mu      sync.Mutex
	commits []*chandb.Commit
}

func (r *recorder) Publish(c *chandb.Commit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, c)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}

// forEachBackend runs fn once per backend implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, d *Directory, rec *recorder)) {
	backends := map[string]func(t *testing.T) chandb.Backend{
		"bolt": func(t *testing.T) chandb.Backend {
			s, err := boltstore.Open(filepath.Join(t.TempDir(), "dir.bolt"))
			if err != nil {
				t.Fatal(err)
			}
			return s
		},
		"sqlite": func(t *testing.T) chandb.Backend {
			s, err := sqlstore.Open(filepath.Join(t.TempDir(), "dir.db"), 5)
			if err != nil {
				t.Fatal(err)
			}
			return s
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			b := open(t)
			defer b.Close()
			rec := &recorder{}
			fn(t, New(b, rec), rec)
		})
	}
}

var ctx = context.Background()

func mustCreate(t *testing.T, d *Directory, creator chandb.UserID, name string, parent chandb.ChannelID) chandb.ChannelID {
	t.Helper()
	id, _, err := d.CreateChannel(ctx, creator, name, parent)
	if err != nil {
		t.Fatalf("CreateChannel(%q): %v", name, err)
	}
	return id
}

func mustJoin(t *testing.T, d *Directory, admin chandb.UserID, ch chandb.ChannelID, user chandb.UserID, asAdmin bool) {
	t.Helper()
	if _, err := d.InviteMember(ctx, admin, ch, user, asAdmin); err != nil {
		t.Fatalf("InviteMember(%s, %s): %v", ch, user, err)
	}
	if _, err := d.RespondToInvite(ctx, user, ch, true); err != nil {
		t.Fatalf("RespondToInvite(%s, %s): %v", ch, user, err)
	}
}

func membership(t *testing.T, d *Directory, user chandb.UserID, ch chandb.ChannelID) (chandb.Membership, bool) {
	t.Helper()
	snap, err := d.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range snap.Memberships {
		if m.UserID == user && m.ChannelID == ch {
			return m, true
		}
	}
	return chandb.Membership{}, false
}

func channelNames(chs []chandb.Channel) string {
	var names []string
	for _, ch := range chs {
		names = append(names, ch.Name)
	}
	return strings.Join(names, ",")
}

func TestCreateRootChannel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		id, commit, err := d.CreateChannel(ctx, alice, "  channel-a  ", chandb.NoChannel)
		if err != nil {
			t.Fatal(err)
		}
		if id != 1 || commit.Seq != 1 || commit.Op != OpCreateChannel {
			t.Fatalf("got id %s commit %+v", id, commit)
		}
		m, ok := membership(t, d, alice, id)
		if !ok || !m.IsMember() || !m.Admin {
			t.Fatalf("creator membership = %+v, %v", m, ok)
		}
		vs, err := d.VisibleState(ctx, alice)
		if err != nil {
			t.Fatal(err)
		}
		if len(vs.Channels) != 1 || vs.Channels[0].Name != "channel-a" || !vs.Channels[0].IsRoot() {
			t.Fatalf("alice sees %+v", vs.Channels)
		}
		if vs, _ := d.VisibleState(ctx, bob); len(vs.Channels) != 0 {
			t.Fatalf("bob sees %+v", vs.Channels)
		}
		if rec.count() != 1 {
			t.Fatalf("published %d commits", rec.count())
		}
		for _, ev := range commit.Events {
			if !ev.VisibleTo(alice) || ev.VisibleTo(bob) || ev.Seq != 1 {
				t.Errorf("event %+v", ev)
			}
		}
	})
}

func TestCreateChannelValidation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		root := mustCreate(t, d, alice, "zed", chandb.NoChannel)

		tests := []struct {
			name    string
			creator chandb.UserID
			chName  string
			parent  chandb.ChannelID
			want    error
		}{
			{"missing parent", alice, "x", 42, chandb.ErrNotFound},
			{"not admin of parent", bob, "x", root, chandb.ErrUnauthorized},
			{"empty name", alice, "   ", chandb.NoChannel, chandb.ErrInvalidArgument},
			{"long name", alice, strings.Repeat("n", MaxNameLen+1), chandb.NoChannel, chandb.ErrInvalidArgument},
		}
		for _, tt := range tests {
			_, _, err := d.CreateChannel(ctx, tt.creator, tt.chName, tt.parent)
			if !errors.Is(err, tt.want) {
				t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
			}
		}
		if seq, _ := d.LastSeq(ctx); seq != 1 {
			t.Errorf("rejected creates wrote commits: seq %d", seq)
		}
		if rec.count() != 1 {
			t.Errorf("rejected creates were published")
		}
		snap, _ := d.Snapshot(ctx)
		if len(snap.Channels) != 1 {
			t.Errorf("rejected creates wrote channels: %+v", snap.Channels)
		}
	})
}

func TestCreateUnderParentUsesInheritedAdmin(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		root := mustCreate(t, d, alice, "zed", chandb.NoChannel)
		mustJoin(t, d, alice, root, bob, false)

		child := mustCreate(t, d, alice, "crdb", root)
		if _, ok := membership(t, d, alice, child); ok {
			t.Error("creator record under an administered parent is redundant")
		}
		ok, err := d.isAdmin(alice, child)
		if err != nil || !ok {
			t.Errorf("alice should administer %s: %v", child, err)
		}
		// Bob sees the new channel through his root membership.
		vs, _ := d.VisibleState(ctx, bob)
		if channelNames(vs.Channels) != "zed,crdb" {
			t.Errorf("bob sees %s", channelNames(vs.Channels))
		}
		last := rec.commits[len(rec.commits)-1]
		if len(last.EventsFor(bob)) != 1 {
			t.Errorf("bob should get the upsert: %+v", last.Events)
		}
	})
}

func TestInviteAcceptFlow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		ch := mustCreate(t, d, alice, "channel-a", chandb.NoChannel)

		commit, err := d.InviteMember(ctx, alice, ch, bob, false)
		if err != nil {
			t.Fatal(err)
		}
		if evs := commit.EventsFor(bob); len(evs) != 1 || evs[0].Kind != chandb.MembershipUpserted {
			t.Fatalf("invite events for bob: %+v", evs)
		}
		m, ok := membership(t, d, bob, ch)
		if !ok || m.State != chandb.StateInvited || m.InviterID != alice {
			t.Fatalf("after invite: %+v, %v", m, ok)
		}
		vs, _ := d.VisibleState(ctx, bob)
		if len(vs.Memberships) != 1 || vs.Memberships[0].State != chandb.StateInvited {
			t.Fatalf("bob memberships %+v", vs.Memberships)
		}

		if _, err := d.RespondToInvite(ctx, bob, ch, true); err != nil {
			t.Fatal(err)
		}
		m, ok = membership(t, d, bob, ch)
		if !ok || !m.IsMember() || m.Admin {
			t.Fatalf("after accept: %+v, %v", m, ok)
		}
		if _, err := d.RespondToInvite(ctx, bob, ch, true); !errors.Is(err, chandb.ErrNotFound) {
			t.Fatalf("second accept: %v", err)
		}
	})
}

func TestInviteDecline(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		ch := mustCreate(t, d, alice, "channel-a", chandb.NoChannel)
		if _, err := d.InviteMember(ctx, alice, ch, bob, true); err != nil {
			t.Fatal(err)
		}
		commit, err := d.RespondToInvite(ctx, bob, ch, false)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := membership(t, d, bob, ch); ok {
			t.Fatal("declined invitation left a record")
		}
		evs := commit.EventsFor(bob)
		if len(evs) != 2 || evs[0].Kind != chandb.MembershipRemoved || evs[1].Kind != chandb.ChannelRemoved {
			t.Fatalf("decline events %+v", evs)
		}
		if evs[1].Channels[0].ID != ch {
			t.Errorf("decline dropped %+v", evs[1].Channels)
		}
		// Declining frees the slot for a new invitation.
		if _, err := d.InviteMember(ctx, alice, ch, bob, false); err != nil {
			t.Fatalf("re-invite after decline: %v", err)
		}
	})
}

func TestInviteRequiresAdmin(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		ch := mustCreate(t, d, alice, "channel-a", chandb.NoChannel)
		mustJoin(t, d, alice, ch, bob, false)
		seq, _ := d.LastSeq(ctx)

		if _, err := d.InviteMember(ctx, bob, ch, carol, false); !errors.Is(err, chandb.ErrUnauthorized) {
			t.Fatalf("non-admin invite: %v", err)
		}
		if _, err := d.InviteMember(ctx, carol, ch, bob, false); !errors.Is(err, chandb.ErrUnauthorized) {
			t.Fatalf("stranger invite: %v", err)
		}
		if _, ok := membership(t, d, carol, ch); ok {
			t.Fatal("rejected invite created a record")
		}
		if after, _ := d.LastSeq(ctx); after != seq {
			t.Fatalf("rejected invite appended commits")
		}
		if _, err := d.InviteMember(ctx, alice, 99, carol, false); !errors.Is(err, chandb.ErrNotFound) {
			t.Fatalf("missing channel: %v", err)
		}
	})
}

func TestInviteConflicts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		ch := mustCreate(t, d, alice, "channel-a", chandb.NoChannel)
		mustJoin(t, d, alice, ch, bob, false)
		if _, err := d.InviteMember(ctx, alice, ch, carol, false); err != nil {
			t.Fatal(err)
		}

		_, err := d.InviteMember(ctx, alice, ch, bob, false)
		if !errors.Is(err, chandb.ErrAlreadyMember) || !errors.Is(err, chandb.ErrConflict) {
			t.Errorf("member re-invite: %v", err)
		}
		_, err = d.InviteMember(ctx, alice, ch, carol, true)
		if !errors.Is(err, chandb.ErrAlreadyInvited) || !errors.Is(err, chandb.ErrConflict) {
			t.Errorf("duplicate invite: %v", err)
		}
	})
}

func TestRedundantInviteRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		root := mustCreate(t, d, alice, "zed", chandb.NoChannel)
		child := mustCreate(t, d, alice, "crdb", root)
		mustJoin(t, d, alice, root, bob, false)

		if _, err := d.InviteMember(ctx, alice, child, bob, false); !errors.Is(err, chandb.ErrRedundantMembership) {
			t.Fatalf("member invite under member ancestor: %v", err)
		}
		// Admin rights on the child are not covered by a plain membership.
		if _, err := d.InviteMember(ctx, alice, child, bob, true); err != nil {
			t.Fatalf("admin invite under plain ancestor: %v", err)
		}
	})
}

func TestAcceptAncestorCollapsesDescendants(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		root := mustCreate(t, d, alice, "zed", chandb.NoChannel)
		child := mustCreate(t, d, alice, "crdb", root)
		grand := mustCreate(t, d, alice, "livestreaming", child)

		mustJoin(t, d, alice, grand, bob, false)
		if _, err := d.InviteMember(ctx, alice, child, bob, false); err != nil {
			t.Fatal(err)
		}
		if _, err := d.InviteMember(ctx, alice, root, bob, false); err != nil {
			t.Fatal(err)
		}
		commit, err := d.RespondToInvite(ctx, bob, root, true)
		if err != nil {
			t.Fatal(err)
		}
		for _, ch := range []chandb.ChannelID{child, grand} {
			if m, ok := membership(t, d, bob, ch); ok {
				t.Errorf("record on %s survived collapse: %+v", ch, m)
			}
		}
		removed := 0
		for _, ev := range commit.EventsFor(bob) {
			if ev.Kind == chandb.MembershipRemoved {
				removed++
			}
		}
		if removed != 2 {
			t.Errorf("expected 2 removal events, got %+v", commit.Events)
		}
		vs, _ := d.VisibleState(ctx, bob)
		if channelNames(vs.Channels) != "zed,crdb,livestreaming" {
			t.Errorf("bob sees %s", channelNames(vs.Channels))
		}
		assertClean(t, d)
	})
}

func TestRenameChannel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		root := mustCreate(t, d, alice, "zed", chandb.NoChannel)
		child := mustCreate(t, d, alice, "crdb", root)
		mustJoin(t, d, alice, root, bob, false)
		if _, err := d.InviteMember(ctx, alice, child, carol, false); err != nil {
			t.Fatal(err)
		}

		if _, err := d.RenameChannel(ctx, bob, child, "x"); !errors.Is(err, chandb.ErrUnauthorized) {
			t.Fatalf("non-admin rename: %v", err)
		}
		if _, err := d.RenameChannel(ctx, alice, child, ""); !errors.Is(err, chandb.ErrInvalidArgument) {
			t.Fatalf("empty rename: %v", err)
		}
		commit, err := d.RenameChannel(ctx, alice, child, "cockroach")
		if err != nil {
			t.Fatal(err)
		}
		ev := commit.Events[0]
		for _, u := range []chandb.UserID{alice, bob, carol} {
			if !ev.VisibleTo(u) {
				t.Errorf("%s missing from rename audience %v", u, ev.Audience)
			}
		}
		if ev.Channels[0].Name != "cockroach" {
			t.Errorf("event carries %+v", ev.Channels)
		}
	})
}

func TestMoveChannel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		zed := mustCreate(t, d, alice, "zed", chandb.NoChannel)
		crdb := mustCreate(t, d, alice, "crdb", zed)
		live := mustCreate(t, d, alice, "livestreaming", crdb)
		other := mustCreate(t, d, alice, "other", chandb.NoChannel)
		mustJoin(t, d, alice, zed, bob, false)

		if _, err := d.MoveChannel(ctx, alice, zed, live); !errors.Is(err, chandb.ErrCycleDetected) {
			t.Fatalf("move under descendant: %v", err)
		}
		if _, err := d.MoveChannel(ctx, alice, crdb, crdb); !errors.Is(err, chandb.ErrCycleDetected) {
			t.Fatalf("move under self: %v", err)
		}
		if _, err := d.MoveChannel(ctx, bob, crdb, other); !errors.Is(err, chandb.ErrUnauthorized) {
			t.Fatalf("non-admin move: %v", err)
		}
		if _, err := d.MoveChannel(ctx, alice, crdb, chandb.NoChannel); !errors.Is(err, chandb.ErrUnauthorized) {
			t.Fatalf("move to root without explicit admin: %v", err)
		}

		commit, err := d.MoveChannel(ctx, alice, crdb, other)
		if err != nil {
			t.Fatal(err)
		}
		var gone []chandb.Channel
		for _, ev := range commit.EventsFor(bob) {
			if ev.Kind == chandb.ChannelRemoved {
				gone = append(gone, ev.Channels...)
			}
		}
		if channelNames(gone) != "crdb,livestreaming" {
			t.Errorf("bob lost %s", channelNames(gone))
		}
		vs, _ := d.VisibleState(ctx, bob)
		if channelNames(vs.Channels) != "zed" {
			t.Errorf("bob sees %s", channelNames(vs.Channels))
		}
		vs, _ = d.VisibleState(ctx, alice)
		if channelNames(vs.Channels) != "zed,crdb,livestreaming,other" {
			t.Errorf("alice sees %s", channelNames(vs.Channels))
		}
		assertClean(t, d)
	})
}

func TestMoveCollapsesCoveredRecords(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		zed := mustCreate(t, d, alice, "zed", chandb.NoChannel)
		side := mustCreate(t, d, alice, "side", chandb.NoChannel)
		mustJoin(t, d, alice, zed, bob, false)
		mustJoin(t, d, alice, side, bob, false)

		commit, err := d.MoveChannel(ctx, alice, side, zed)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := membership(t, d, bob, side); ok {
			t.Error("bob's record on side is covered by zed and should be gone")
		}
		if _, ok := membership(t, d, alice, side); ok {
			t.Error("alice's admin record on side is covered by zed and should be gone")
		}
		if len(commit.EventsFor(bob)) == 0 {
			t.Error("bob got no events for the move")
		}
		assertClean(t, d)
	})
}

func TestRemoveMember(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		zed := mustCreate(t, d, alice, "zed", chandb.NoChannel)
		mustCreate(t, d, alice, "crdb", zed)
		mustJoin(t, d, alice, zed, bob, false)
		mustJoin(t, d, alice, zed, carol, false)

		if _, err := d.RemoveMember(ctx, bob, zed, carol); !errors.Is(err, chandb.ErrUnauthorized) {
			t.Fatalf("non-admin remove: %v", err)
		}
		commit, err := d.RemoveMember(ctx, alice, zed, carol)
		if err != nil {
			t.Fatal(err)
		}
		var gone []chandb.Channel
		for _, ev := range commit.EventsFor(carol) {
			if ev.Kind == chandb.ChannelRemoved {
				gone = append(gone, ev.Channels...)
			}
		}
		if channelNames(gone) != "zed,crdb" {
			t.Errorf("carol lost %s", channelNames(gone))
		}
		if _, err := d.RemoveMember(ctx, bob, zed, bob); err != nil {
			t.Fatalf("leave: %v", err)
		}
		if vs, _ := d.VisibleState(ctx, bob); len(vs.Channels) != 0 {
			t.Errorf("bob still sees %+v", vs.Channels)
		}
		if _, err := d.RemoveMember(ctx, alice, zed, bob); !errors.Is(err, chandb.ErrNotFound) {
			t.Errorf("remove missing record: %v", err)
		}
	})
}

// A user who loses a subtree keeps the channels in it they are invited to.
func TestLosingSubtreeKeepsInvitations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		zed := mustCreate(t, d, alice, "zed", chandb.NoChannel)
		crdb := mustCreate(t, d, alice, "crdb", zed)
		live := mustCreate(t, d, alice, "livestreaming", zed)
		other := mustCreate(t, d, alice, "other", chandb.NoChannel)
		mustJoin(t, d, alice, zed, bob, false)
		for _, ch := range []chandb.ChannelID{crdb, live} {
			if _, err := d.InviteMember(ctx, alice, ch, bob, true); err != nil {
				t.Fatal(err)
			}
		}

		commit, err := d.MoveChannel(ctx, alice, live, other)
		if err != nil {
			t.Fatal(err)
		}
		for _, ev := range commit.EventsFor(bob) {
			if ev.Kind == chandb.ChannelRemoved {
				t.Errorf("move removed %s from an invitee", channelNames(ev.Channels))
			}
		}
		var moved chandb.Channel
		for _, ev := range commit.EventsFor(bob) {
			if ev.Kind == chandb.ChannelUpserted && len(ev.Channels) == 1 {
				moved = ev.Channels[0]
			}
		}
		if moved.ID != live || moved.ParentID != other {
			t.Errorf("invitee got %+v for the moved channel", moved)
		}

		commit, err = d.RemoveMember(ctx, alice, zed, bob)
		if err != nil {
			t.Fatal(err)
		}
		var gone []chandb.Channel
		for _, ev := range commit.EventsFor(bob) {
			if ev.Kind == chandb.ChannelRemoved {
				gone = append(gone, ev.Channels...)
			}
		}
		if channelNames(gone) != "zed" {
			t.Errorf("bob lost %s", channelNames(gone))
		}
		vs, _ := d.VisibleState(ctx, bob)
		if channelNames(vs.Channels) != "crdb,livestreaming" {
			t.Errorf("bob sees %s", channelNames(vs.Channels))
		}

		// Dropping the invitation itself takes the channel away.
		commit, err = d.RemoveMember(ctx, alice, crdb, bob)
		if err != nil {
			t.Fatal(err)
		}
		gone = nil
		for _, ev := range commit.EventsFor(bob) {
			if ev.Kind == chandb.ChannelRemoved {
				gone = append(gone, ev.Channels...)
			}
		}
		if channelNames(gone) != "crdb" {
			t.Errorf("bob lost %s", channelNames(gone))
		}
	})
}

// Concurrent invitations of the same user must serialize: exactly one wins.
func TestConcurrentInvitesSerialize(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		ch := mustCreate(t, d, alice, "channel-a", chandb.NoChannel)
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := d.InviteMember(ctx, alice, ch, bob, false)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		ok, conflicts := 0, 0
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, chandb.ErrAlreadyInvited):
				conflicts++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}
		if ok != 1 || conflicts != 7 {
			t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
		}
	})
}

// Random creates and moves never leave a cycle or a redundant record.
func TestRandomMutationsKeepInvariants(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory, rec *recorder) {
		rng := rand.New(rand.NewSource(7))
		ids := []chandb.ChannelID{mustCreate(t, d, alice, "root", chandb.NoChannel)}
		for i := 0; i < 40; i++ {
			switch rng.Intn(3) {
			case 0, 1:
				parent := ids[rng.Intn(len(ids))]
				if rng.Intn(5) == 0 {
					parent = chandb.NoChannel
				}
				ids = append(ids, mustCreate(t, d, alice, "c", parent))
			case 2:
				ch := ids[rng.Intn(len(ids))]
				parent := ids[rng.Intn(len(ids))]
				_, err := d.MoveChannel(ctx, alice, ch, parent)
				if err != nil && !errors.Is(err, chandb.ErrCycleDetected) && !errors.Is(err, chandb.ErrUnauthorized) {
					t.Fatalf("move %s under %s: %v", ch, parent, err)
				}
			}
		}
		assertClean(t, d)
	})
}

func assertClean(t *testing.T, d *Directory) {
	t.Helper()
	snap, err := d.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range validate.New(snap).Run() {
		if f.Category == validate.CatNoAdmin {
			continue
		}
		t.Errorf("invariant violated: %s", f.Description)
	}
}

func (d *Directory) isAdmin(user chandb.UserID, ch chandb.ChannelID) (bool, error) {
	var ok bool
	err := d.backend.View(ctx, func(tx chandb.Tx) error {
		var err error
		ok, err = validate.IsAdmin(validate.TxView(tx), user, ch)
		return err
	})
	return ok, err
}
