package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/validate"
)

func TestOpenStoreAndRepair(t *testing.T) {
	for _, backend := range []string{BackendBolt, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			gc := DefaultServerConf()
			gc.Backend = backend
			gc.DBPath = filepath.Join(t.TempDir(), "nested", "channels")
			store, err := OpenStore(gc)
			if err != nil {
				t.Fatal(err)
			}
			defer store.Close()

			// Channel 2 hangs off a parent that was never written and alice
			// holds a record on channel 42, which does not exist.
			err = store.Update(ctx, func(tx chandb.Tx) error {
				root, err := tx.CreateChannel("zed", chandb.NoChannel)
				if err != nil {
					return err
				}
				if err := tx.PutMembership(chandb.Membership{UserID: alice, ChannelID: root.ID, State: chandb.StateMember, Admin: true}); err != nil {
					return err
				}
				orphan, err := tx.CreateChannel("orphan", chandb.ChannelID(99))
				if err != nil {
					return err
				}
				if err := tx.PutMembership(chandb.Membership{UserID: bob, ChannelID: orphan.ID, State: chandb.StateMember, Admin: true}); err != nil {
					return err
				}
				return tx.PutMembership(chandb.Membership{UserID: alice, ChannelID: chandb.ChannelID(42), State: chandb.StateMember})
			})
			if err != nil {
				t.Fatal(err)
			}

			v, fixed, err := CheckStore(ctx, store, false)
			if err != nil {
				t.Fatal(err)
			}
			sum := v.Summary()
			if fixed != 0 || sum[validate.CatDanglingParent] != 1 || sum[validate.CatDanglingMembership] != 1 {
				t.Fatalf("check: fixed %d, summary %v", fixed, sum)
			}

			if _, fixed, err = CheckStore(ctx, store, true); err != nil || fixed != 2 {
				t.Fatalf("repair: fixed %d, err %v", fixed, err)
			}
			v, _, err = CheckStore(ctx, store, false)
			if err != nil {
				t.Fatal(err)
			}
			if n := len(v.Findings()); n != 0 {
				t.Errorf("%d findings after repair: %+v", n, v.Findings())
			}

			if err := store.Backup(filepath.Join(t.TempDir(), "copy")); err != nil {
				t.Errorf("Backup: %v", err)
			}
		})
	}

	gc := DefaultServerConf()
	gc.Backend = "postgres"
	gc.DBPath = filepath.Join(t.TempDir(), "x")
	if _, err := OpenStore(gc); err == nil {
		t.Error("unknown backend opened")
	}
}
