// Package archive writes and restores .tar.gz snapshots of a channel store
// together with the server's config and users file.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry types recorded in the manifest.
const (
	TypeDB    = "db"
	TypeConf  = "conf"
	TypeUsers = "users"
)

const manifestName = "manifest.json"

// timeFormat is fixed-width so timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Manifest describes the contents of an archive.
type Manifest struct {
	Version     int                  `json:"version"`
	Server      string               `json:"server"`
	Timestamp   string               `json:"timestamp"`
	Name        string               `json:"name"`
	Backend     string               `json:"backend"`
	Seq         uint64               `json:"seq"`
	Channels    int                  `json:"channels"`
	Memberships int                  `json:"memberships"`
	Files       map[string]FileEntry `json:"files"`
}

// FileEntry describes a single file within the archive.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"`
}

// Snapshotter writes a consistent copy of a live store to a new file.
// boltstore.Store and sqlstore.Store both qualify.
type Snapshotter interface {
	Backup(path string) error
}

// Params holds the inputs for Create.
type Params struct {
	Store     Snapshotter
	Backend   string // Names the database entry: "bolt" or "sqlite"
	ConfPath  string // Server config file (empty = skip)
	UsersPath string // Users file (empty = skip)
	Dir       string // Output directory
	Name      string // Server name for the manifest

	Seq         uint64
	Channels    int
	Memberships int
}

// dbEntry is the archive path of the database for backend.
func dbEntry(backend string) string {
	if backend == "sqlite" {
		return "data/channels.sqlite"
	}
	return "data/channels.db"
}

// Create writes an archive into p.Dir and returns its path. The archive
// appears under its final name only once complete.
func Create(p Params) (string, error) {
	if p.Store == nil {
		return "", fmt.Errorf("archive: no store")
	}
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return "", fmt.Errorf("archive: create dir %s: %w", p.Dir, err)
	}

	now := time.Now().UTC()
	archivePath := filepath.Join(p.Dir, fmt.Sprintf("zed-%s.tar.gz", now.Format("20060102-150405.000")))

	tmpDir, err := os.MkdirTemp("", "zed-archive-*")
	if err != nil {
		return "", fmt.Errorf("archive: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	staged := filepath.Join(tmpDir, "db")
	if err := p.Store.Backup(staged); err != nil {
		return "", fmt.Errorf("archive: snapshot: %w", err)
	}

	manifest := Manifest{
		Version:     1,
		Server:      "zed",
		Timestamp:   now.Format(timeFormat),
		Name:        p.Name,
		Backend:     p.Backend,
		Seq:         p.Seq,
		Channels:    p.Channels,
		Memberships: p.Memberships,
		Files:       make(map[string]FileEntry),
	}

	partial := archivePath + ".partial"
	if err := writeArchive(partial, &manifest, []source{
		{staged, dbEntry(p.Backend), TypeDB},
		{p.ConfPath, "conf/" + filepath.Base(p.ConfPath), TypeConf},
		{p.UsersPath, "conf/" + filepath.Base(p.UsersPath), TypeUsers},
	}); err != nil {
		os.Remove(partial)
		return "", err
	}
	if err := os.Rename(partial, archivePath); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("archive: %w", err)
	}
	return archivePath, nil
}

type source struct {
	path string
	name string
	typ  string
}

func writeArchive(path string, manifest *Manifest, sources []source) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", path, err)
	}
	defer out.Close()
	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	for _, src := range sources {
		if src.path == "" {
			continue
		}
		if _, err := os.Stat(src.path); err != nil {
			if src.typ == TypeDB {
				return fmt.Errorf("archive: %w", err)
			}
			continue
		}
		entry, err := addFileToTar(tw, src.path, src.name)
		if err != nil {
			return err
		}
		entry.Type = src.typ
		manifest.Files[src.name] = entry
	}

	// The manifest goes last so it can describe every entry.
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal manifest: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    manifestName,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}); err != nil {
		return fmt.Errorf("archive: write manifest header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("archive: write manifest: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return out.Close()
}

// addFileToTar adds srcPath as archName, hashing it while writing.
func addFileToTar(tw *tar.Writer, srcPath, archName string) (FileEntry, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: open %s: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: stat %s: %w", srcPath, err)
	}

	archName = strings.ReplaceAll(archName, "\\", "/")
	if err := tw.WriteHeader(&tar.Header{
		Name:    archName,
		Size:    info.Size(),
		Mode:    0644,
		ModTime: info.ModTime(),
	}); err != nil {
		return FileEntry{}, fmt.Errorf("archive: header %s: %w", archName, err)
	}

	h := sha256.New()
	written, err := io.Copy(tw, io.TeeReader(f, h))
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: write %s: %w", archName, err)
	}
	return FileEntry{SHA256: hex.EncodeToString(h.Sum(nil)), Size: written}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
