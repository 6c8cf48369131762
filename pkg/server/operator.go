package server

import (
	"context"
	"runtime"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// Operator exposes a running server to the admin API.
type Operator struct {
	srv      *Server
	users    *Users
	archiver *Archiver
	name     string
	backend  string
}

// NewOperator returns the admin controller for srv.
func NewOperator(srv *Server, users *Users, archiver *Archiver, gc *ServerConf) *Operator {
	return &Operator{srv: srv, users: users, archiver: archiver, name: gc.Name, backend: gc.Backend}
}

// Status returns server statistics for the admin dashboard.
func (o *Operator) Status() map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]any{
		"name":            o.name,
		"version":         Version,
		"backend":         o.backend,
		"uptime_seconds":  o.srv.Uptime().Seconds(),
		"sessions":        o.srv.Sessions.Count(),
		"connected_users": len(o.srv.Sessions.ConnectedUsers()),
		"users":           o.users.Count(),
		"last_seq":        o.srv.Bus.LastSeq(),
		"goroutines":      runtime.NumGoroutine(),
		"heap_alloc":      mem.HeapAlloc,
	}
}

// Snapshot returns the full directory state.
func (o *Operator) Snapshot(ctx context.Context) (chandb.Snapshot, error) {
	return o.srv.Dir.Snapshot(ctx)
}

// Archive writes an archive now.
func (o *Operator) Archive(ctx context.Context) (string, error) {
	return o.archiver.Archive(ctx)
}

// ArchiveDir is where archives are written.
func (o *Operator) ArchiveDir() string {
	return o.archiver.dir
}
