package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dheeraj-coding/zed/pkg/boltstore"
	"github.com/dheeraj-coding/zed/pkg/chandb"
)

func seededStore(t *testing.T) *boltstore.Store {
	t.Helper()
	s, err := boltstore.Open(filepath.Join(t.TempDir(), "channels.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	err = s.Update(context.Background(), func(tx chandb.Tx) error {
		_, err := tx.CreateChannel("zed", chandb.NoChannel)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateAndRestore(t *testing.T) {
	src := t.TempDir()
	conf := filepath.Join(src, "zed.yaml")
	users := filepath.Join(src, "users.yaml")
	os.WriteFile(conf, []byte("web_port: 9000\n"), 0644)
	os.WriteFile(users, []byte("users: []\n"), 0600)

	dir := t.TempDir()
	path, err := Create(Params{
		Store:     seededStore(t),
		Backend:   "bolt",
		ConfPath:  conf,
		UsersPath: users,
		Dir:       dir,
		Name:      "test",
		Seq:       4,
		Channels:  1,
	})
	if err != nil {
		t.Fatal(err)
	}

	m, err := Verify(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "test" || m.Seq != 4 || len(m.Files) != 3 {
		t.Errorf("manifest = %+v", m)
	}
	if m.Files["data/channels.db"].Type != TypeDB {
		t.Errorf("db entry = %+v", m.Files["data/channels.db"])
	}

	dest := t.TempDir()
	res, err := Restore(RestoreParams{
		ArchivePath: path,
		DBDest:      filepath.Join(dest, "data", "channels.db"),
		ConfDest:    filepath.Join(dest, "zed.yaml"),
		UsersDest:   filepath.Join(dest, "users.yaml"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesRestored != 3 || len(res.Warnings) != 0 {
		t.Errorf("result = %+v", res)
	}
	restored, err := boltstore.Open(filepath.Join(dest, "data", "channels.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()
	if !restored.HasData() {
		t.Error("restored store is empty")
	}
}

func TestRestoreKeepsChangedConfig(t *testing.T) {
	src := t.TempDir()
	conf := filepath.Join(src, "zed.yaml")
	os.WriteFile(conf, []byte("web_port: 9000\n"), 0644)
	path, err := Create(Params{Store: seededStore(t), Backend: "bolt", ConfPath: conf, Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	current := filepath.Join(dest, "zed.yaml")
	os.WriteFile(current, []byte("web_port: 9100\n"), 0644)

	res, err := Restore(RestoreParams{ArchivePath: path, ConfDest: current})
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesRestored != 0 || len(res.Warnings) != 1 {
		t.Errorf("result = %+v", res)
	}
	if data, _ := os.ReadFile(current); string(data) != "web_port: 9100\n" {
		t.Errorf("config overwritten: %q", data)
	}

	res, err = Restore(RestoreParams{ArchivePath: path, ConfDest: current, Overwrite: true})
	if err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(current); string(data) != "web_port: 9000\n" || res.FilesRestored != 1 {
		t.Errorf("overwrite: %q, %+v", data, res)
	}
}

func TestListAndPrune(t *testing.T) {
	store := seededStore(t)
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		p, err := Create(Params{Store: store, Backend: "bolt", Dir: dir, Seq: uint64(i)})
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
		time.Sleep(5 * time.Millisecond)
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)

	list, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Path != paths[2] || list[0].Seq != 2 {
		t.Fatalf("List = %+v", list)
	}

	removed, err := Prune(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Errorf("removed %v", removed)
	}
	if list, _ := List(dir); len(list) != 1 || list[0].Path != paths[2] {
		t.Errorf("after prune: %+v", list)
	}
}

func TestRejectsTamperedArchive(t *testing.T) {
	path, err := Create(Params{Store: seededStore(t), Backend: "bolt", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	m, err := ReadManifest(path)
	if err != nil {
		t.Fatal(err)
	}

	// Rewrite the archive with the same manifest but different db bytes.
	bad := filepath.Join(t.TempDir(), "bad.tar.gz")
	f, _ := os.Create(bad)
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	body := "not a database"
	tw.WriteHeader(&tar.Header{Name: "data/channels.db", Size: int64(len(body)), Mode: 0644, Typeflag: tar.TypeReg})
	tw.Write([]byte(body))
	mj := `{"version":1,"files":{"data/channels.db":{"sha256":"` + m.Files["data/channels.db"].SHA256 + `","size":14,"type":"db"}}}`
	tw.WriteHeader(&tar.Header{Name: manifestName, Size: int64(len(mj)), Mode: 0644, Typeflag: tar.TypeReg})
	tw.Write([]byte(mj))
	tw.Close()
	gw.Close()
	f.Close()

	if _, err := Verify(bad); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Verify = %v", err)
	}
	dest := filepath.Join(t.TempDir(), "channels.db")
	if _, err := Restore(RestoreParams{ArchivePath: bad, DBDest: dest}); err == nil {
		t.Error("restore of a tampered archive succeeded")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("tampered restore wrote the database")
	}
}
