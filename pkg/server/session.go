package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/events"
	"github.com/dheeraj-coding/zed/pkg/protocol"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

// SessionConfig tunes per-connection behaviour.
type SessionConfig struct {
	QueueSize    int           // Outbound messages buffered before the session is dropped
	RequestRate  float64       // Sustained requests per second
	RequestBurst int           // Requests allowed in a burst
	PingWait     time.Duration // Longest a ping waits for in-flight commits
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		QueueSize:    256,
		RequestRate:  20,
		RequestBurst: 40,
		PingWait:     5 * time.Second,
	}
}

// Session is one authenticated client connection. It implements
// events.Subscriber so it can receive events from the bus.
//
// Responses and pushes share one outbound queue drained by a single write
// loop, so a client sees its session's messages in the order they were
// queued.
type Session struct {
	ID       string
	User     chandb.UserID
	Addr     string
	ConnTime time.Time

	srv     *Server
	conn    protocol.Conn
	limiter *rate.Limiter
	out     chan protocol.Envelope
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	syncing  bool           // subscribed but the full sync is not queued yet
	buffered []events.Event // events received while syncing
	floor    uint64         // sequence of the full sync sent
	lastReq  time.Time
	requests int
	pushes   int
}

func newSession(srv *Server, conn protocol.Conn, user chandb.UserID, addr string) *Session {
	cfg := srv.cfg
	ctx, cancel := context.WithCancel(srv.ctx)
	now := time.Now()
	return &Session{
		ID:       ulid.Make().String(),
		User:     user,
		Addr:     addr,
		ConnTime: now,
		srv:      srv,
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestRate), cfg.RequestBurst),
		out:      make(chan protocol.Envelope, cfg.QueueSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		lastReq:  now,
	}
}

// Receive implements events.Subscriber. It never blocks: a session whose
// queue is full is closed and the client resyncs on reconnect.
func (s *Session) Receive(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.syncing {
		s.buffered = append(s.buffered, ev)
		return
	}
	s.pushLocked(ev)
}

// Closed implements events.Subscriber.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Compile-time check that Session implements events.Subscriber.
var _ events.Subscriber = (*Session)(nil)

func (s *Session) pushLocked(ev events.Event) {
	if ev.Seq() <= s.floor {
		return
	}
	env, err := protocol.NewMessage(0, protocol.TypeChangeEvent, ev.Change)
	if err != nil {
		log.Printf("[session:%s] encode change event: %v", s.ID, err)
		return
	}
	if s.enqueueLocked(env) {
		s.pushes++
		s.srv.metrics.EventDelivered(ev.Change.Kind)
	}
}

// enqueueLocked queues env for the write loop. It reports false and closes
// the session when the queue is full.
func (s *Session) enqueueLocked(env protocol.Envelope) bool {
	select {
	case s.out <- env:
		return true
	default:
		log.Printf("[session:%s] outbound queue full for %s, dropping session", s.ID, s.User)
		s.srv.metrics.SessionDropped()
		s.closeLocked()
		return false
	}
}

func (s *Session) enqueue(env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.enqueueLocked(env)
	}
}

// beginSync makes Receive buffer events until finishSync.
func (s *Session) beginSync() {
	s.mu.Lock()
	s.syncing = true
	s.mu.Unlock()
}

// finishSync queues the full sync, then every buffered event newer than it,
// and switches the session to live delivery.
func (s *Session) finishSync(vs chandb.VisibleState) error {
	env, err := protocol.NewMessage(0, protocol.TypeFullSync, protocol.FullSync{User: s.User, VisibleState: vs})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.ErrClosed
	}
	s.floor = vs.Seq
	s.syncing = false
	if !s.enqueueLocked(env) {
		return protocol.ErrClosed
	}
	buffered := s.buffered
	s.buffered = nil
	for _, ev := range buffered {
		if s.closed {
			break
		}
		s.pushLocked(ev)
	}
	return nil
}

// Close shuts down the connection. Safe to call from Receive.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.done)
	// Closing a websocket writes a close frame; keep that off the bus path.
	go s.conn.Close()
}

// Stats returns request and push counts and the time of the last request.
func (s *Session) Stats() (requests, pushes int, lastReq time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests, s.pushes, s.lastReq
}

func (s *Session) writeLoop() {
	for {
		select {
		case env := <-s.out:
			if err := s.conn.Send(env); err != nil {
				if !errors.Is(err, protocol.ErrClosed) {
					log.Printf("[session:%s] write error: %v", s.ID, err)
				}
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.srv.detach(s)
	for {
		env, err := s.conn.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, protocol.ErrClosed) && !protocol.IsNormalClose(err) && s.ctx.Err() == nil {
				log.Printf("[session:%s] read error: %v", s.ID, err)
			}
			return
		}
		s.mu.Lock()
		s.lastReq = time.Now()
		s.requests++
		s.mu.Unlock()
		s.enqueue(s.handle(env))
	}
}

// handle runs one request and builds its response. Requests of a session
// are handled one at a time in arrival order.
func (s *Session) handle(env protocol.Envelope) protocol.Envelope {
	if env.ID == 0 {
		s.srv.metrics.Request(env.Type, chandb.CodeInvalidArgument)
		return protocol.NewErrorResponse(0, fmt.Errorf("%w: request without id", chandb.ErrInvalidArgument))
	}
	if !s.limiter.Allow() {
		s.srv.metrics.Request(env.Type, chandb.CodeRateLimited)
		return protocol.NewErrorResponse(env.ID, chandb.ErrRateLimited)
	}
	resp, err := s.dispatch(env)
	if err != nil {
		code := chandb.CodeOf(err)
		if code == chandb.CodeInternal {
			log.Printf("[session:%s] %s failed: %v", s.ID, env.Type, err)
		}
		s.srv.metrics.Request(env.Type, code)
		return protocol.NewErrorResponse(env.ID, err)
	}
	out, err := protocol.NewMessage(env.ID, protocol.TypeResponse, resp)
	if err != nil {
		return protocol.NewErrorResponse(env.ID, err)
	}
	s.srv.metrics.Request(env.Type, "")
	return out
}

func (s *Session) dispatch(env protocol.Envelope) (protocol.Response, error) {
	dir := s.srv.Dir
	ctx := s.ctx
	var (
		commit  *chandb.Commit
		channel chandb.ChannelID
		err     error
	)
	switch env.Type {
	case protocol.TypePing:
		return s.ping()
	case protocol.TypeCreateChannel:
		var req protocol.CreateChannel
		if err := decode(env, &req); err != nil {
			return protocol.Response{}, err
		}
		channel, commit, err = dir.CreateChannel(ctx, s.User, req.Name, req.ParentID)
	case protocol.TypeInviteMember:
		var req protocol.InviteMember
		if err := decode(env, &req); err != nil {
			return protocol.Response{}, err
		}
		channel = req.ChannelID
		commit, err = dir.InviteMember(ctx, s.User, req.ChannelID, req.Invitee, req.Admin)
	case protocol.TypeRespondToInvite:
		var req protocol.RespondToInvite
		if err := decode(env, &req); err != nil {
			return protocol.Response{}, err
		}
		channel = req.ChannelID
		commit, err = dir.RespondToInvite(ctx, s.User, req.ChannelID, req.Accept)
	case protocol.TypeRenameChannel:
		var req protocol.RenameChannel
		if err := decode(env, &req); err != nil {
			return protocol.Response{}, err
		}
		channel = req.ChannelID
		commit, err = dir.RenameChannel(ctx, s.User, req.ChannelID, req.Name)
	case protocol.TypeMoveChannel:
		var req protocol.MoveChannel
		if err := decode(env, &req); err != nil {
			return protocol.Response{}, err
		}
		channel = req.ChannelID
		commit, err = dir.MoveChannel(ctx, s.User, req.ChannelID, req.NewParentID)
	case protocol.TypeRemoveMember:
		var req protocol.RemoveMember
		if err := decode(env, &req); err != nil {
			return protocol.Response{}, err
		}
		channel = req.ChannelID
		commit, err = dir.RemoveMember(ctx, s.User, req.ChannelID, req.UserID)
	default:
		return protocol.Response{}, fmt.Errorf("%w: unknown message type %q", chandb.ErrInvalidArgument, env.Type)
	}
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{
		ChannelID: channel,
		Seq:       commit.Seq,
		Events:    commit.EventsFor(s.User),
	}, nil
}

// ping answers once every commit durable at the time of the request has
// been handed to this session's queue.
func (s *Session) ping() (protocol.Response, error) {
	seq, err := s.srv.Dir.LastSeq(s.ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.srv.cfg.PingWait)
	defer cancel()
	if err := s.srv.Bus.Wait(ctx, seq); err != nil {
		log.Printf("[session:%s] ping: commit %d not delivered after %s", s.ID, seq, s.srv.cfg.PingWait)
		seq = s.srv.Bus.LastSeq()
	}
	return protocol.Response{Seq: seq}, nil
}

func decode(env protocol.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", chandb.ErrInvalidArgument, err)
	}
	return nil
}
