// Package sqlstore is a chandb.Backend on SQLite (modernc.org/sqlite, no cgo).
// It is the alternative to boltstore for deployments that want to inspect
// the directory with ordinary SQL tooling.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	_ "modernc.org/sqlite"
)

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("sqlstore: write in read-only transaction")

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT    NOT NULL,
	parent_id INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS channels_parent ON channels(parent_id);
CREATE TABLE IF NOT EXISTS memberships (
	user_id    INTEGER NOT NULL,
	channel_id INTEGER NOT NULL,
	state      INTEGER NOT NULL,
	admin      INTEGER NOT NULL DEFAULT 0,
	inviter_id INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, channel_id)
);
CREATE INDEX IF NOT EXISTS memberships_channel ON memberships(channel_id, user_id);
CREATE TABLE IF NOT EXISTS commits (
	seq   INTEGER PRIMARY KEY,
	op    TEXT    NOT NULL,
	actor INTEGER NOT NULL,
	body  BLOB    NOT NULL
);
`

// Store manages a SQLite database holding the channel directory.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

var _ chandb.Backend = (*Store)(nil)

// Open opens a SQLite database, sets WAL mode and busy timeout, and creates
// the schema. A single connection serializes transactions.
func Open(path string, timeoutSec int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", timeoutSec*1000)); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the SQLite database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the filesystem path of the SQLite database.
func (s *Store) Path() string { return s.path }

// Checkpoint forces a WAL checkpoint to flush all writes to the main database file.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Backup writes a consistent copy of the database to path, which must not
// exist.
func (s *Store) Backup(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("sqlstore: backup to %s: %w", path, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, fn func(chandb.Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *Store) View(ctx context.Context, fn func(chandb.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(chandb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	if err := fn(&tx{ctx: ctx, stx: stx, readOnly: readOnly}); err != nil {
		stx.Rollback()
		return err
	}
	if readOnly {
		return stx.Rollback()
	}
	if err := stx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

type tx struct {
	ctx      context.Context
	stx      *sql.Tx
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func scanChannel(row interface{ Scan(...any) error }) (chandb.Channel, error) {
	var id, parent int64
	var ch chandb.Channel
	if err := row.Scan(&id, &ch.Name, &parent); err != nil {
		return ch, err
	}
	ch.ID = chandb.ChannelID(id)
	ch.ParentID = chandb.ChannelID(parent)
	return ch, nil
}

func scanMembership(row interface{ Scan(...any) error }) (chandb.Membership, error) {
	var user, channel, inviter int64
	var m chandb.Membership
	if err := row.Scan(&user, &channel, &m.State, &m.Admin, &inviter); err != nil {
		return m, err
	}
	m.UserID = chandb.UserID(user)
	m.ChannelID = chandb.ChannelID(channel)
	m.InviterID = chandb.UserID(inviter)
	return m, nil
}

func (t *tx) Channel(id chandb.ChannelID) (chandb.Channel, bool, error) {
	row := t.stx.QueryRowContext(t.ctx, `SELECT id, name, parent_id FROM channels WHERE id = ?`, int64(id))
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chandb.Channel{}, false, nil
	}
	if err != nil {
		return chandb.Channel{}, false, fmt.Errorf("sqlstore: channel %s: %w", id, err)
	}
	return ch, true, nil
}

func (t *tx) Channels() ([]chandb.Channel, error) {
	rows, err := t.stx.QueryContext(t.ctx, `SELECT id, name, parent_id FROM channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chandb.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (t *tx) Children(id chandb.ChannelID) ([]chandb.ChannelID, error) {
	rows, err := t.stx.QueryContext(t.ctx, `SELECT id FROM channels WHERE parent_id = ? ORDER BY id`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chandb.ChannelID
	for rows.Next() {
		var child int64
		if err := rows.Scan(&child); err != nil {
			return nil, err
		}
		out = append(out, chandb.ChannelID(child))
	}
	return out, rows.Err()
}

func (t *tx) CreateChannel(name string, parent chandb.ChannelID) (chandb.Channel, error) {
	if err := t.writable(); err != nil {
		return chandb.Channel{}, err
	}
	res, err := t.stx.ExecContext(t.ctx, `INSERT INTO channels (name, parent_id) VALUES (?, ?)`, name, int64(parent))
	if err != nil {
		return chandb.Channel{}, fmt.Errorf("sqlstore: insert channel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chandb.Channel{}, err
	}
	return chandb.Channel{ID: chandb.ChannelID(id), Name: name, ParentID: parent}, nil
}

func (t *tx) PutChannel(ch chandb.Channel) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.stx.ExecContext(t.ctx, `
		INSERT INTO channels (id, name, parent_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, parent_id = excluded.parent_id`,
		int64(ch.ID), ch.Name, int64(ch.ParentID))
	if err != nil {
		return fmt.Errorf("sqlstore: put channel %s: %w", ch.ID, err)
	}
	return nil
}

const membershipCols = `user_id, channel_id, state, admin, inviter_id`

func (t *tx) Membership(user chandb.UserID, ch chandb.ChannelID) (chandb.Membership, bool, error) {
	row := t.stx.QueryRowContext(t.ctx,
		`SELECT `+membershipCols+` FROM memberships WHERE user_id = ? AND channel_id = ?`, int64(user), int64(ch))
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chandb.Membership{}, false, nil
	}
	if err != nil {
		return chandb.Membership{}, false, fmt.Errorf("sqlstore: membership %s/%s: %w", user, ch, err)
	}
	return m, true, nil
}

func (t *tx) queryMemberships(query string, args ...any) ([]chandb.Membership, error) {
	rows, err := t.stx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chandb.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) Memberships() ([]chandb.Membership, error) {
	return t.queryMemberships(`SELECT ` + membershipCols + ` FROM memberships ORDER BY channel_id, user_id`)
}

func (t *tx) UserMemberships(user chandb.UserID) ([]chandb.Membership, error) {
	return t.queryMemberships(`SELECT `+membershipCols+` FROM memberships WHERE user_id = ? ORDER BY channel_id`, int64(user))
}

func (t *tx) ChannelMemberships(ch chandb.ChannelID) ([]chandb.Membership, error) {
	return t.queryMemberships(`SELECT `+membershipCols+` FROM memberships WHERE channel_id = ? ORDER BY user_id`, int64(ch))
}

func (t *tx) PutMembership(m chandb.Membership) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.stx.ExecContext(t.ctx, `
		INSERT INTO memberships (`+membershipCols+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, channel_id) DO UPDATE SET
			state = excluded.state, admin = excluded.admin, inviter_id = excluded.inviter_id`,
		int64(m.UserID), int64(m.ChannelID), int(m.State), m.Admin, int64(m.InviterID))
	if err != nil {
		return fmt.Errorf("sqlstore: put membership %s/%s: %w", m.UserID, m.ChannelID, err)
	}
	return nil
}

func (t *tx) DeleteMembership(user chandb.UserID, ch chandb.ChannelID) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.stx.ExecContext(t.ctx, `DELETE FROM memberships WHERE user_id = ? AND channel_id = ?`, int64(user), int64(ch))
	return err
}

func (t *tx) AppendCommit(c *chandb.Commit) error {
	if err := t.writable(); err != nil {
		return err
	}
	last, err := t.LastSeq()
	if err != nil {
		return err
	}
	c.Seq = last + 1
	for i := range c.Events {
		c.Events[i].Seq = c.Seq
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c.Events); err != nil {
		return fmt.Errorf("sqlstore: encode commit %d: %w", c.Seq, err)
	}
	_, err = t.stx.ExecContext(t.ctx, `INSERT INTO commits (seq, op, actor, body) VALUES (?, ?, ?, ?)`,
		int64(c.Seq), c.Op, int64(c.Actor), buf.Bytes())
	if err != nil {
		return fmt.Errorf("sqlstore: insert commit %d: %w", c.Seq, err)
	}
	return nil
}

func (t *tx) LastSeq() (uint64, error) {
	var seq int64
	err := t.stx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(seq), 0) FROM commits`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: last seq: %w", err)
	}
	return uint64(seq), nil
}

func (t *tx) Commits(after uint64, limit int) ([]chandb.Commit, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.stx.QueryContext(t.ctx,
		`SELECT seq, op, actor, body FROM commits WHERE seq > ? ORDER BY seq LIMIT ?`, int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chandb.Commit
	for rows.Next() {
		var seq, actor int64
		var body []byte
		c := chandb.Commit{}
		if err := rows.Scan(&seq, &c.Op, &actor, &body); err != nil {
			return nil, err
		}
		c.Seq = uint64(seq)
		c.Actor = chandb.UserID(actor)
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&c.Events); err != nil {
			return nil, fmt.Errorf("sqlstore: decode commit %d: %w", seq, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
