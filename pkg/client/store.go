// Package client keeps a live replica of the channels one user can see.
//
// A Store owns a connection to the server and a replica.Replica. A single
// event-loop goroutine sends requests, applies pushes and responses, and
// reconnects after transport loss; queries read the replica under a read
// lock and never wait for the network.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/protocol"
	"github.com/dheeraj-coding/zed/pkg/replica"
)

// ErrClosed is returned by requests issued on a closed Store.
var ErrClosed = errors.New("client: store closed")

// Status is the connection state of a Store.
type Status int

const (
	Connecting Status = iota
	Live
	Reconnecting
	Closed
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Dialer opens a connection to the server for the authenticated user.
type Dialer func(ctx context.Context) (protocol.Conn, error)

// WebSocketDialer dials url with a bearer token.
func WebSocketDialer(url, token string) Dialer {
	return func(ctx context.Context) (protocol.Conn, error) {
		return protocol.Dial(ctx, url, token)
	}
}

// Config tunes a Store. Zero fields take defaults.
type Config struct {
	RequestTimeout    time.Duration // Per request, from send to response
	HandshakeTimeout  time.Duration // Dial plus first full sync
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	ReconnectWindow   time.Duration // Give up reconnecting after this long
	MaxReconnectTries uint          // 0 = bounded only by ReconnectWindow
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		InitialBackoff:   250 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		ReconnectWindow:  15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.ReconnectWindow <= 0 {
		c.ReconnectWindow = def.ReconnectWindow
	}
	return c
}

type result struct {
	resp protocol.Response
	err  error
}

// call is one request travelling from a caller to the event loop.
type call struct {
	typ     protocol.MessageType
	payload any
	opt     *replica.Optimistic
	done    chan result
}

type pending struct {
	call  *call
	timer *time.Timer
}

// inbound is what a connection's reader hands the event loop.
type inbound struct {
	env protocol.Envelope
	err error
}

// Store is a client's replica of the channel directory.
type Store struct {
	dial Dialer
	cfg  Config

	mu      sync.RWMutex
	rep     *replica.Replica
	status  Status
	started bool
	watches []chan Status

	calls   chan *call
	expired chan uint64
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Owned by the event loop.
	conn     protocol.Conn
	in       chan inbound
	connDone chan struct{} // Closed when serve leaves conn
	nextID   uint64
	pending  map[uint64]*pending
}

// New returns a Store that connects with dial. Call Start to connect.
func New(dial Dialer, cfg Config) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		dial:    dial,
		cfg:     cfg.withDefaults(),
		rep:     replica.New(0),
		status:  Connecting,
		calls:   make(chan *call),
		expired: make(chan uint64, 16),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[uint64]*pending),
	}
}

// Start connects and waits for the first full sync, then runs the event
// loop in the background until Close.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("client: already started")
	}
	s.started = true
	s.mu.Unlock()

	conn, fs, err := s.handshake(ctx)
	if err != nil {
		s.cancel()
		close(s.done)
		s.setStatus(Closed)
		return err
	}
	s.install(conn, fs)
	go s.run()
	return nil
}

// Close disconnects and stops the event loop. Pending requests fail with
// ErrClosed.
func (s *Store) Close() error {
	s.cancel()
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		s.setStatus(Closed)
		return nil
	}
	<-s.done
	return nil
}

// Status returns the current connection state.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// StatusChanges returns a channel that receives every status transition
// after the call. Transitions are dropped if the reader falls behind. The
// channel is closed when the Store closes.
func (s *Store) StatusChanges() <-chan Status {
	ch := make(chan Status, 8)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Closed {
		close(ch)
		return ch
	}
	s.watches = append(s.watches, ch)
	return ch
}

func (s *Store) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == st || s.status == Closed {
		return
	}
	s.status = st
	for _, ch := range s.watches {
		select {
		case ch <- st:
		default:
		}
	}
	if st == Closed {
		for _, ch := range s.watches {
			close(ch)
		}
		s.watches = nil
	}
}

// --- Queries ---

// User returns the user the server authenticated.
func (s *Store) User() chandb.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rep.User()
}

// Seq returns the highest commit applied to the replica.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rep.Seq()
}

// Channels returns the channels the user is a member of, by id.
func (s *Store) Channels() []chandb.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rep.Channels()
}

// ChannelInvitations returns the channels the user is invited to, by id.
func (s *Store) ChannelInvitations() []chandb.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rep.ChannelInvitations()
}

// Channel returns one visible channel.
func (s *Store) Channel(id chandb.ChannelID) (chandb.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rep.Channel(id)
}

// IsAdmin reports whether the user administers id directly or through an
// ancestor.
func (s *Store) IsAdmin(id chandb.ChannelID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rep.IsAdmin(id)
}

// --- Requests ---

// CreateChannel creates a channel under parent (chandb.NoChannel for a
// root) and returns its id.
func (s *Store) CreateChannel(ctx context.Context, name string, parent chandb.ChannelID) (chandb.ChannelID, error) {
	resp, err := s.request(ctx, protocol.TypeCreateChannel, protocol.CreateChannel{Name: name, ParentID: parent}, nil)
	if err != nil {
		return chandb.NoChannel, err
	}
	return resp.ChannelID, nil
}

// InviteMember invites user to channel.
func (s *Store) InviteMember(ctx context.Context, channel chandb.ChannelID, user chandb.UserID, admin bool) error {
	_, err := s.request(ctx, protocol.TypeInviteMember, protocol.InviteMember{ChannelID: channel, Invitee: user, Admin: admin}, nil)
	return err
}

// RespondToInvite accepts or declines an invitation. The replica shows the
// answer until the server confirms or rejects it.
func (s *Store) RespondToInvite(ctx context.Context, channel chandb.ChannelID, accept bool) error {
	opt := &replica.Optimistic{Kind: replica.OptDecline, ChannelID: channel}
	if accept {
		opt.Kind = replica.OptAccept
	}
	_, err := s.request(ctx, protocol.TypeRespondToInvite, protocol.RespondToInvite{ChannelID: channel, Accept: accept}, opt)
	return err
}

// RenameChannel renames a channel. The replica shows the new name until the
// server confirms or rejects it.
func (s *Store) RenameChannel(ctx context.Context, channel chandb.ChannelID, name string) error {
	opt := &replica.Optimistic{Kind: replica.OptRename, ChannelID: channel, Name: name}
	_, err := s.request(ctx, protocol.TypeRenameChannel, protocol.RenameChannel{ChannelID: channel, Name: name}, opt)
	return err
}

// MoveChannel re-parents a channel; chandb.NoChannel makes it a root.
func (s *Store) MoveChannel(ctx context.Context, channel, newParent chandb.ChannelID) error {
	_, err := s.request(ctx, protocol.TypeMoveChannel, protocol.MoveChannel{ChannelID: channel, NewParentID: newParent}, nil)
	return err
}

// RemoveMember deletes user's membership or invitation on channel.
func (s *Store) RemoveMember(ctx context.Context, channel chandb.ChannelID, user chandb.UserID) error {
	_, err := s.request(ctx, protocol.TypeRemoveMember, protocol.RemoveMember{ChannelID: channel, UserID: user}, nil)
	return err
}

// Sync returns once every change the server committed before the call has
// been applied to the replica.
func (s *Store) Sync(ctx context.Context) error {
	_, err := s.request(ctx, protocol.TypePing, nil, nil)
	return err
}

// request hands a call to the event loop and waits for its result. A
// canceled ctx abandons the wait; the loop still settles the request.
func (s *Store) request(ctx context.Context, typ protocol.MessageType, payload any, opt *replica.Optimistic) (protocol.Response, error) {
	c := &call{typ: typ, payload: payload, opt: opt, done: make(chan result, 1)}
	select {
	case s.calls <- c:
	case <-s.done:
		return protocol.Response{}, ErrClosed
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
	select {
	case r := <-c.done:
		return r.resp, r.err
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

// --- Connection lifecycle ---

// handshake dials and reads the first message, which must be a full sync.
func (s *Store) handshake(ctx context.Context) (protocol.Conn, protocol.FullSync, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, protocol.FullSync{}, fmt.Errorf("client: dial: %w", err)
	}
	type first struct {
		env protocol.Envelope
		err error
	}
	ch := make(chan first, 1)
	go func() {
		env, err := conn.Recv()
		ch <- first{env, err}
	}()

	var fs protocol.FullSync
	select {
	case f := <-ch:
		err = f.err
		if err == nil && f.env.Type != protocol.TypeFullSync {
			err = fmt.Errorf("expected %s, got %s", protocol.TypeFullSync, f.env.Type)
		}
		if err == nil {
			err = f.env.Decode(&fs)
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, protocol.FullSync{}, fmt.Errorf("client: handshake: %w", err)
	}
	return conn, fs, nil
}

// install makes conn current and replaces the replica with fs.
func (s *Store) install(conn protocol.Conn, fs protocol.FullSync) {
	s.conn = conn
	s.in = make(chan inbound, 64)
	s.connDone = make(chan struct{})
	go readLoop(conn, s.in, s.connDone)

	s.mu.Lock()
	s.rep.Reset(fs.User, fs.VisibleState)
	s.mu.Unlock()
	s.setStatus(Live)
	log.Printf("client: synced as %s at seq %d (%d channels)", fs.User, fs.Seq, len(fs.Channels))
}

func readLoop(conn protocol.Conn, in chan<- inbound, done <-chan struct{}) {
	for {
		env, err := conn.Recv()
		select {
		case in <- inbound{env: env, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// run is the event loop. Every replica write happens here.
func (s *Store) run() {
	defer close(s.done)
	defer s.setStatus(Closed)
	for {
		err := s.serve()
		close(s.connDone)
		s.conn.Close()
		if s.ctx.Err() != nil {
			s.failPending(ErrClosed)
			return
		}
		log.Printf("client: connection lost: %v", err)
		s.failPending(chandb.ErrTransportLost)
		s.setStatus(Reconnecting)
		if err := s.reconnect(); err != nil {
			if s.ctx.Err() == nil {
				log.Printf("client: giving up: %v", err)
			}
			return
		}
	}
}

// serve runs until the current connection fails or the Store closes.
func (s *Store) serve() error {
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case c := <-s.calls:
			if err := s.send(c); err != nil {
				return err
			}
		case id := <-s.expired:
			if p, ok := s.pending[id]; ok {
				s.settle(id, p, result{err: fmt.Errorf("client: %s: %w", p.call.typ, chandb.ErrTimeout)})
			}
		case msg := <-s.in:
			if msg.err != nil {
				return msg.err
			}
			s.handle(msg.env)
		}
	}
}

func (s *Store) send(c *call) error {
	s.nextID++
	id := s.nextID
	env, err := protocol.NewMessage(id, c.typ, c.payload)
	if err != nil {
		c.done <- result{err: err}
		return nil
	}
	p := &pending{call: c}
	p.timer = time.AfterFunc(s.cfg.RequestTimeout, func() {
		select {
		case s.expired <- id:
		case <-s.done:
		}
	})
	s.pending[id] = p
	if c.opt != nil {
		s.mu.Lock()
		s.rep.SetOptimistic(id, *c.opt)
		s.mu.Unlock()
	}
	return s.conn.Send(env)
}

func (s *Store) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChangeEvent:
		var ev chandb.ChangeEvent
		if err := env.Decode(&ev); err != nil {
			log.Printf("client: %v", err)
			return
		}
		s.mu.Lock()
		s.rep.Apply(ev)
		s.mu.Unlock()

	case protocol.TypeFullSync:
		var fs protocol.FullSync
		if err := env.Decode(&fs); err != nil {
			log.Printf("client: %v", err)
			return
		}
		s.mu.Lock()
		s.rep.Reset(fs.User, fs.VisibleState)
		s.mu.Unlock()

	case protocol.TypeResponse:
		p, ok := s.pending[env.ID]
		if !ok {
			// Timed out already.
			return
		}
		if env.Error != nil {
			s.settle(env.ID, p, result{err: env.Error.Err()})
			return
		}
		var resp protocol.Response
		if len(env.Payload) > 0 {
			if err := env.Decode(&resp); err != nil {
				s.settle(env.ID, p, result{err: err})
				return
			}
		}
		s.mu.Lock()
		for _, ev := range resp.Events {
			s.rep.Apply(ev)
		}
		s.mu.Unlock()
		s.settle(env.ID, p, result{resp: resp})

	default:
		log.Printf("client: unexpected %s message", env.Type)
	}
}

// settle finishes a pending request and drops its optimistic edit.
func (s *Store) settle(id uint64, p *pending, r result) {
	p.timer.Stop()
	delete(s.pending, id)
	if p.call.opt != nil {
		s.mu.Lock()
		s.rep.ClearOptimistic(id)
		s.mu.Unlock()
	}
	p.call.done <- r
}

func (s *Store) failPending(err error) {
	for id, p := range s.pending {
		s.settle(id, p, result{err: fmt.Errorf("client: %s: %w", p.call.typ, err)})
	}
	s.mu.Lock()
	s.rep.ClearAllOptimistic()
	s.mu.Unlock()
}

// reconnect dials with exponential backoff and installs the new
// connection's full sync. Requests issued meanwhile fail fast.
func (s *Store) reconnect() error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.cfg.ReconnectWindow),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("client: reconnect failed (%v), retrying in %s", err, next.Round(time.Millisecond))
		}),
	}
	if s.cfg.MaxReconnectTries > 0 {
		opts = append(opts, backoff.WithMaxTries(s.cfg.MaxReconnectTries))
	}

	type session struct {
		conn protocol.Conn
		fs   protocol.FullSync
	}
	attempt := func() (session, error) {
		conn, fs, err := s.handshake(s.ctx)
		if err != nil && s.ctx.Err() != nil {
			return session{}, backoff.Permanent(s.ctx.Err())
		}
		return session{conn, fs}, err
	}

	type outcome struct {
		sess session
		err  error
	}
	res := make(chan outcome, 1)
	go func() {
		sess, err := backoff.Retry(s.ctx, attempt, opts...)
		res <- outcome{sess, err}
	}()

	for {
		select {
		case c := <-s.calls:
			c.done <- result{err: fmt.Errorf("client: %s: %w", c.typ, chandb.ErrTransportLost)}
		case o := <-res:
			if o.err != nil {
				return o.err
			}
			s.install(o.sess.conn, o.sess.fs)
			return nil
		}
	}
}
