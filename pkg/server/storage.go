package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dheeraj-coding/zed/pkg/archive"
	"github.com/dheeraj-coding/zed/pkg/boltstore"
	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/directory"
	"github.com/dheeraj-coding/zed/pkg/sqlstore"
	"github.com/dheeraj-coding/zed/pkg/validate"
)

// Store is a channel backend that can also copy itself for archives.
type Store interface {
	chandb.Backend
	archive.Snapshotter
}

// OpenStore opens the backend gc names at gc.DBPath, creating its
// directory if needed.
func OpenStore(gc *ServerConf) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(gc.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(gc.DBPath), err)
	}
	switch gc.Backend {
	case BackendSQLite:
		s, err := sqlstore.Open(gc.DBPath, gc.SQLTimeout)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendBolt:
		s, err := boltstore.Open(gc.DBPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown backend %q", gc.Backend)
}

// fixOrder lists the repairable categories in the order they are applied.
var fixOrder = []validate.Category{
	validate.CatDanglingParent,
	validate.CatDanglingMembership,
	validate.CatRedundantMembership,
}

// CheckStore runs the integrity checker over store and, if repair is set,
// applies every fixable finding in one transaction. Repairs bypass the
// commit log, so it must run before any session attaches.
func CheckStore(ctx context.Context, store chandb.Backend, repair bool) (*validate.Validator, int, error) {
	snap, err := directory.New(store, nil).Snapshot(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot: %w", err)
	}
	v := validate.New(snap)
	findings := v.Run()
	if len(findings) == 0 {
		log.Printf("validate: %d channels, %d memberships, no findings", len(snap.Channels), len(snap.Memberships))
		return v, 0, nil
	}
	for cat, n := range v.Summary() {
		log.Printf("validate: %d %s finding(s)", n, cat)
	}
	if !repair {
		return v, 0, nil
	}

	fixed := 0
	err = store.Update(ctx, func(tx chandb.Tx) error {
		for _, cat := range fixOrder {
			n, err := v.ApplyAll(tx, cat)
			fixed += n
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return v, 0, fmt.Errorf("repair: %w", err)
	}
	log.Printf("validate: repaired %d finding(s)", fixed)
	return v, fixed, nil
}
