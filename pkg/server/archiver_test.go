package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dheeraj-coding/zed/pkg/archive"
	"github.com/dheeraj-coding/zed/pkg/boltstore"
	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/directory"
)

func TestArchiverAndOperator(t *testing.T) {
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "channels.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	srv, err := New(context.Background(), directory.New(store, nil), SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()
	if _, _, err := srv.Dir.CreateChannel(context.Background(), alice, "zed", chandb.NoChannel); err != nil {
		t.Fatal(err)
	}

	gc := DefaultServerConf()
	gc.ArchiveDir = t.TempDir()
	gc.ArchiveRetain = 2
	a := NewArchiver(srv, store, gc, "")

	for i := 0; i < 3; i++ {
		if _, err := a.Archive(context.Background()); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	list, err := archive.List(gc.ArchiveDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("kept %d archives, want 2", len(list))
	}
	if list[0].Seq != 1 || list[0].Channels != 1 || list[0].Backend != BackendBolt {
		t.Errorf("newest archive = %+v", list[0])
	}

	op := NewOperator(srv, testUsers(t), a, gc)
	st := op.Status()
	if st["last_seq"] != uint64(1) || st["users"] != 2 || st["backend"] != BackendBolt {
		t.Errorf("status = %v", st)
	}
	if op.ArchiveDir() != gc.ArchiveDir {
		t.Errorf("ArchiveDir = %q", op.ArchiveDir())
	}
	if _, err := op.Archive(context.Background()); err != nil {
		t.Fatal(err)
	}
	if list, _ := archive.List(gc.ArchiveDir); len(list) != 2 {
		t.Errorf("operator archive kept %d, want 2", len(list))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx, time.Hour); err != nil {
		t.Errorf("Run after cancel = %v", err)
	}
}
