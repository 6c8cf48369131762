package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dheeraj-coding/zed/pkg/archive"
)

// Archiver periodically writes archives of the live store.
type Archiver struct {
	srv       *Server
	store     archive.Snapshotter
	backend   string
	confPath  string
	usersPath string
	dir       string
	name      string
	retain    int
}

// NewArchiver returns an archiver for srv's store. store must be the
// backend srv's directory writes to.
func NewArchiver(srv *Server, store archive.Snapshotter, gc *ServerConf, confPath string) *Archiver {
	return &Archiver{
		srv:       srv,
		store:     store,
		backend:   gc.Backend,
		confPath:  confPath,
		usersPath: gc.UsersFile,
		dir:       gc.ArchiveDir,
		name:      gc.Name,
		retain:    gc.ArchiveRetain,
	}
}

// Archive writes one archive, prunes old ones and returns the new path.
func (a *Archiver) Archive(ctx context.Context) (string, error) {
	snap, err := a.srv.Dir.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("server: archive: %w", err)
	}
	path, err := archive.Create(archive.Params{
		Store:       a.store,
		Backend:     a.backend,
		ConfPath:    a.confPath,
		UsersPath:   a.usersPath,
		Dir:         a.dir,
		Name:        a.name,
		Seq:         snap.Seq,
		Channels:    len(snap.Channels),
		Memberships: len(snap.Memberships),
	})
	if err != nil {
		return "", err
	}
	removed, err := archive.Prune(a.dir, a.retain)
	if err != nil {
		log.Printf("server: archive prune failed: %v", err)
	}
	for _, p := range removed {
		log.Printf("server: pruned archive %s", p)
	}
	return path, nil
}

// Run archives every interval until ctx ends. A non-positive interval
// disables it.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	log.Printf("server: auto-archive every %s into %s (retain %d)", interval, a.dir, a.retain)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			path, err := a.Archive(ctx)
			if err != nil {
				log.Printf("server: auto-archive failed: %v", err)
				continue
			}
			log.Printf("server: auto-archive complete: %s", path)
		}
	}
}
