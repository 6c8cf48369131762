// Package server carries the channel directory to clients: it attaches
// authenticated connections as sessions, runs their requests against the
// directory and fans committed changes out to every session allowed to see
// them.
package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/directory"
	"github.com/dheeraj-coding/zed/pkg/events"
	"github.com/dheeraj-coding/zed/pkg/protocol"
)

// cleanupInterval is how often closed sessions are swept off the bus.
const cleanupInterval = 30 * time.Second

// Server ties a directory to its change bus and live sessions.
type Server struct {
	Dir      *directory.Directory
	Bus      *events.Bus
	Sessions *SessionManager

	cfg       SessionConfig
	metrics   *Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// New creates a server over dir and installs its bus as the directory's
// publisher.
func New(ctx context.Context, dir *directory.Directory, cfg SessionConfig) (*Server, error) {
	seq, err := dir.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("server: reading last commit: %w", err)
	}
	def := DefaultSessionConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = def.RequestRate
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = def.RequestBurst
	}
	if cfg.PingWait <= 0 {
		cfg.PingWait = def.PingWait
	}

	bus := events.NewBus(seq)
	dir.SetPublisher(bus)
	sctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Dir:       dir,
		Bus:       bus,
		Sessions:  NewSessionManager(),
		cfg:       cfg,
		ctx:       sctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	s.metrics = NewMetrics(s)
	s.metrics.lastSeq.Set(float64(seq))
	bus.SubscribeGlobal(s.metrics)
	log.Printf("server: directory at seq %d", seq)
	return s, nil
}

// Metrics returns the server's Prometheus metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Attach starts a session for user over conn. The session is subscribed
// before the visible state is read, and only changes newer than that state
// are pushed after it, so the client misses nothing and sees nothing twice.
func (s *Server) Attach(ctx context.Context, conn protocol.Conn, user chandb.UserID, addr string) (*Session, error) {
	if user == 0 {
		return nil, fmt.Errorf("server: attach: %w: no user", chandb.ErrUnauthorized)
	}
	sess := newSession(s, conn, user, addr)
	sess.beginSync()
	s.Sessions.Add(sess)
	s.Bus.Subscribe(user, sess)
	s.metrics.SessionOpened()
	go sess.writeLoop()

	vs, err := s.Dir.VisibleState(ctx, user)
	if err == nil {
		err = sess.finishSync(vs)
	}
	if err != nil {
		s.detach(sess)
		return nil, fmt.Errorf("server: attach %s: %w", user, err)
	}
	go sess.readLoop()
	log.Printf("server: %s attached as session %s from %s (seq %d, %d channels)", user, sess.ID, addr, vs.Seq, len(vs.Channels))
	return sess, nil
}

// detach closes a session and forgets it. It must not run inside a bus
// delivery.
func (s *Server) detach(sess *Session) {
	sess.Close()
	s.Bus.Unsubscribe(sess.User, sess)
	if _, ok := s.Sessions.Get(sess.ID); !ok {
		return
	}
	s.Sessions.Remove(sess)
	s.metrics.SessionClosed()
	requests, pushes, _ := sess.Stats()
	log.Printf("server: session %s for %s closed after %s (%d requests, %d pushes)",
		sess.ID, sess.User, time.Since(sess.ConnTime).Round(time.Second), requests, pushes)
}

// DisconnectUser closes every session of user and returns how many there
// were.
func (s *Server) DisconnectUser(user chandb.UserID) int {
	sessions := s.Sessions.ByUser(user)
	for _, sess := range sessions {
		sess.Close()
	}
	return len(sessions)
}

// Run sweeps closed subscribers until ctx ends, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Bus.Cleanup()
		case <-ctx.Done():
			s.Shutdown()
			return nil
		}
	}
}

// Shutdown closes every session.
func (s *Server) Shutdown() {
	s.cancel()
	for _, sess := range s.Sessions.All() {
		sess.Close()
	}
	log.Printf("server: shut down")
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
