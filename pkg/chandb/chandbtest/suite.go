// Package chandbtest holds the conformance tests every chandb.Backend must
// pass.
package chandbtest

import (
	"context"
	"errors"
	"testing"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// Opener returns a fresh, empty backend. The backend is closed by the suite.
type Opener func(t *testing.T) chandb.Backend

// Run executes the conformance suite against backends produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b chandb.Backend)
	}{
		{"ChannelIDsAreSequential", testChannelIDs},
		{"PutChannelMovesChildIndex", testReparent},
		{"MembershipIndexes", testMemberships},
		{"CommitLog", testCommitLog},
		{"RollbackOnError", testRollback},
		{"ViewIsReadOnly", testViewReadOnly},
		{"CanceledContext", testCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := open(t)
			defer b.Close()
			tt.fn(t, b)
		})
	}
}

func update(t *testing.T, b chandb.Backend, fn func(chandb.Tx) error) {
	t.Helper()
	if err := b.Update(context.Background(), fn); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func view(t *testing.T, b chandb.Backend, fn func(chandb.Tx) error) {
	t.Helper()
	if err := b.View(context.Background(), fn); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func testChannelIDs(t *testing.T, b chandb.Backend) {
	var ids []chandb.ChannelID
	update(t, b, func(tx chandb.Tx) error {
		for _, name := range []string{"zed", "crdb", "livestreaming"} {
			ch, err := tx.CreateChannel(name, chandb.NoChannel)
			if err != nil {
				return err
			}
			ids = append(ids, ch.ID)
		}
		return nil
	})
	for i, id := range ids {
		if id != chandb.ChannelID(i+1) {
			t.Errorf("channel %d got id %s", i, id)
		}
	}
	view(t, b, func(tx chandb.Tx) error {
		ch, ok, err := tx.Channel(2)
		if err != nil || !ok || ch.Name != "crdb" {
			t.Errorf("Channel(2) = %+v, %v, %v", ch, ok, err)
		}
		if _, ok, _ := tx.Channel(99); ok {
			t.Error("Channel(99) should not exist")
		}
		all, err := tx.Channels()
		if err != nil || len(all) != 3 {
			t.Errorf("Channels() = %v, %v", all, err)
		}
		return nil
	})
}

func testReparent(t *testing.T, b chandb.Backend) {
	update(t, b, func(tx chandb.Tx) error {
		a, _ := tx.CreateChannel("a", chandb.NoChannel)
		bb, _ := tx.CreateChannel("b", chandb.NoChannel)
		c, err := tx.CreateChannel("c", a.ID)
		if err != nil {
			return err
		}
		c.ParentID = bb.ID
		return tx.PutChannel(c)
	})
	view(t, b, func(tx chandb.Tx) error {
		kids, err := tx.Children(1)
		if err != nil || len(kids) != 0 {
			t.Errorf("Children(1) = %v, %v; want none", kids, err)
		}
		kids, err = tx.Children(2)
		if err != nil || len(kids) != 1 || kids[0] != 3 {
			t.Errorf("Children(2) = %v, %v; want [#3]", kids, err)
		}
		return nil
	})
}

func testMemberships(t *testing.T, b chandb.Backend) {
	update(t, b, func(tx chandb.Tx) error {
		tx.CreateChannel("a", chandb.NoChannel)
		tx.CreateChannel("b", chandb.NoChannel)
		for _, m := range []chandb.Membership{
			{UserID: 1, ChannelID: 1, State: chandb.StateMember, Admin: true},
			{UserID: 2, ChannelID: 1, State: chandb.StateInvited, InviterID: 1},
			{UserID: 1, ChannelID: 2, State: chandb.StateMember},
		} {
			if err := tx.PutMembership(m); err != nil {
				return err
			}
		}
		return nil
	})
	view(t, b, func(tx chandb.Tx) error {
		m, ok, err := tx.Membership(2, 1)
		if err != nil || !ok || m.State != chandb.StateInvited || m.InviterID != 1 {
			t.Errorf("Membership(2, 1) = %+v, %v, %v", m, ok, err)
		}
		if ms, _ := tx.UserMemberships(1); len(ms) != 2 {
			t.Errorf("UserMemberships(1) = %v", ms)
		}
		if ms, _ := tx.ChannelMemberships(1); len(ms) != 2 {
			t.Errorf("ChannelMemberships(1) = %v", ms)
		}
		return nil
	})
	update(t, b, func(tx chandb.Tx) error {
		return tx.DeleteMembership(2, 1)
	})
	view(t, b, func(tx chandb.Tx) error {
		if _, ok, _ := tx.Membership(2, 1); ok {
			t.Error("membership 2/1 should be gone")
		}
		if ms, _ := tx.ChannelMemberships(1); len(ms) != 1 {
			t.Errorf("ChannelMemberships(1) after delete = %v", ms)
		}
		all, _ := tx.Memberships()
		if len(all) != 2 || all[0].ChannelID != 1 || all[1].ChannelID != 2 {
			t.Errorf("Memberships() = %v", all)
		}
		return nil
	})
}

func testCommitLog(t *testing.T, b chandb.Backend) {
	for i := 0; i < 3; i++ {
		update(t, b, func(tx chandb.Tx) error {
			c := &chandb.Commit{
				Op:    "create_channel",
				Actor: 7,
				Events: []chandb.ChangeEvent{{
					Kind:     chandb.ChannelUpserted,
					Channels: []chandb.Channel{{ID: 1, Name: "x"}},
					Audience: []chandb.UserID{7, 8},
				}},
			}
			if err := tx.AppendCommit(c); err != nil {
				return err
			}
			if c.Seq != uint64(i+1) || c.Events[0].Seq != c.Seq {
				t.Errorf("commit %d got seq %d / event seq %d", i, c.Seq, c.Events[0].Seq)
			}
			return nil
		})
	}
	view(t, b, func(tx chandb.Tx) error {
		last, err := tx.LastSeq()
		if err != nil || last != 3 {
			t.Errorf("LastSeq() = %d, %v", last, err)
		}
		cs, err := tx.Commits(1, 0)
		if err != nil || len(cs) != 2 || cs[0].Seq != 2 {
			t.Fatalf("Commits(1, 0) = %+v, %v", cs, err)
		}
		if !cs[0].Events[0].VisibleTo(8) {
			t.Error("audience did not survive the round trip")
		}
		if cs, _ := tx.Commits(0, 1); len(cs) != 1 || cs[0].Seq != 1 {
			t.Errorf("Commits(0, 1) = %+v", cs)
		}
		return nil
	})
}

func testRollback(t *testing.T, b chandb.Backend) {
	boom := errors.New("boom")
	err := b.Update(context.Background(), func(tx chandb.Tx) error {
		if _, err := tx.CreateChannel("doomed", chandb.NoChannel); err != nil {
			return err
		}
		if err := tx.AppendCommit(&chandb.Commit{Op: "create_channel"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update returned %v, want boom", err)
	}
	view(t, b, func(tx chandb.Tx) error {
		if chs, _ := tx.Channels(); len(chs) != 0 {
			t.Errorf("rolled back channel persisted: %v", chs)
		}
		if last, _ := tx.LastSeq(); last != 0 {
			t.Errorf("rolled back commit persisted: seq %d", last)
		}
		return nil
	})
}

func testViewReadOnly(t *testing.T, b chandb.Backend) {
	err := b.View(context.Background(), func(tx chandb.Tx) error {
		_, err := tx.CreateChannel("nope", chandb.NoChannel)
		return err
	})
	if err == nil {
		t.Fatal("write inside View should fail")
	}
}

func testCanceled(t *testing.T, b chandb.Backend) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := b.Update(ctx, func(tx chandb.Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("Update on canceled ctx = %v (called=%v)", err, called)
	}
}
