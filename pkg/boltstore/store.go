// Package boltstore persists the channel directory in a bbolt file. Every
// directory mutation runs inside a single read-write bbolt transaction, which
// bbolt serializes, so the commit log and the state it describes never
// diverge.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	bbolt "go.etcd.io/bbolt"
)

// Store wraps a bbolt database and implements chandb.Backend.
type Store struct {
	bolt *bbolt.DB
}

var _ chandb.Backend = (*Store)(nil)

// Open opens or creates a bbolt database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{bolt: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

// Update runs fn in a read-write transaction. The transaction commits only
// if fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(chandb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.bolt.Update(func(btx *bbolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(chandb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.bolt.View(func(btx *bbolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

// Backup creates a hot snapshot of the bbolt database using tx.WriteTo().
func (s *Store) Backup(path string) error {
	return s.bolt.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltstore: create backup %s: %w", path, err)
		}
		defer f.Close()
		_, err = tx.WriteTo(f)
		if err != nil {
			return fmt.Errorf("boltstore: write backup: %w", err)
		}
		log.Printf("boltstore: backup written to %s", path)
		return nil
	})
}

// HasData returns true if the bbolt database contains any channels.
func (s *Store) HasData() bool {
	hasData := false
	s.bolt.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketChannels).Stats().KeyN > 0 {
			hasData = true
		}
		return nil
	})
	return hasData
}

// Stats returns the number of keys in each bucket.
func (s *Store) Stats() map[string]int {
	out := make(map[string]int, len(allBuckets))
	s.bolt.View(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			out[string(name)] = tx.Bucket(name).Stats().KeyN
		}
		return nil
	})
	return out
}

// tx adapts a bbolt transaction to chandb.Tx.
type tx struct {
	btx *bbolt.Tx
}

func (t *tx) Channel(id chandb.ChannelID) (chandb.Channel, bool, error) {
	v := t.btx.Bucket(bucketChannels).Get(channelKey(id))
	if v == nil {
		return chandb.Channel{}, false, nil
	}
	ch, err := decodeChannel(v)
	if err != nil {
		return chandb.Channel{}, false, fmt.Errorf("boltstore: decode channel %s: %w", id, err)
	}
	return ch, true, nil
}

func (t *tx) Channels() ([]chandb.Channel, error) {
	var out []chandb.Channel
	err := t.btx.Bucket(bucketChannels).ForEach(func(k, v []byte) error {
		ch, err := decodeChannel(v)
		if err != nil {
			return fmt.Errorf("boltstore: decode channel %d: %w", keyToU64(k), err)
		}
		out = append(out, ch)
		return nil
	})
	return out, err
}

func (t *tx) Children(id chandb.ChannelID) ([]chandb.ChannelID, error) {
	var out []chandb.ChannelID
	prefix := u64Key(uint64(id))
	c := t.btx.Bucket(bucketChildren).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		_, child := splitPairKey(k)
		out = append(out, chandb.ChannelID(child))
	}
	return out, nil
}

func (t *tx) CreateChannel(name string, parent chandb.ChannelID) (chandb.Channel, error) {
	seq, err := t.btx.Bucket(bucketChannels).NextSequence()
	if err != nil {
		return chandb.Channel{}, fmt.Errorf("boltstore: next channel id: %w", err)
	}
	ch := chandb.Channel{ID: chandb.ChannelID(seq), Name: name, ParentID: parent}
	if err := t.PutChannel(ch); err != nil {
		return chandb.Channel{}, err
	}
	return ch, nil
}

func (t *tx) PutChannel(ch chandb.Channel) error {
	data, err := encodeChannel(ch)
	if err != nil {
		return fmt.Errorf("boltstore: encode channel %s: %w", ch.ID, err)
	}
	old, existed, err := t.Channel(ch.ID)
	if err != nil {
		return err
	}
	children := t.btx.Bucket(bucketChildren)
	if existed && old.ParentID != ch.ParentID && !old.IsRoot() {
		if err := children.Delete(childKey(old.ParentID, ch.ID)); err != nil {
			return err
		}
	}
	if !ch.IsRoot() {
		if err := children.Put(childKey(ch.ParentID, ch.ID), nil); err != nil {
			return err
		}
	}
	return t.btx.Bucket(bucketChannels).Put(channelKey(ch.ID), data)
}

func (t *tx) Membership(user chandb.UserID, ch chandb.ChannelID) (chandb.Membership, bool, error) {
	v := t.btx.Bucket(bucketMemberships).Get(membershipKey(user, ch))
	if v == nil {
		return chandb.Membership{}, false, nil
	}
	m, err := decodeMembership(v)
	if err != nil {
		return chandb.Membership{}, false, fmt.Errorf("boltstore: decode membership %s/%s: %w", user, ch, err)
	}
	return m, true, nil
}

func (t *tx) Memberships() ([]chandb.Membership, error) {
	var out []chandb.Membership
	err := t.btx.Bucket(bucketMemberships).ForEach(func(k, v []byte) error {
		m, err := decodeMembership(v)
		if err != nil {
			return fmt.Errorf("boltstore: decode membership: %w", err)
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortMemberships(out)
	return out, nil
}

func (t *tx) UserMemberships(user chandb.UserID) ([]chandb.Membership, error) {
	var out []chandb.Membership
	prefix := u64Key(uint64(user))
	c := t.btx.Bucket(bucketMemberships).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		m, err := decodeMembership(v)
		if err != nil {
			return nil, fmt.Errorf("boltstore: decode membership: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (t *tx) ChannelMemberships(ch chandb.ChannelID) ([]chandb.Membership, error) {
	var out []chandb.Membership
	prefix := u64Key(uint64(ch))
	c := t.btx.Bucket(bucketChanMembers).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		_, user := splitPairKey(k)
		m, ok, err := t.Membership(chandb.UserID(user), ch)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *tx) PutMembership(m chandb.Membership) error {
	data, err := encodeMembership(m)
	if err != nil {
		return fmt.Errorf("boltstore: encode membership %s/%s: %w", m.UserID, m.ChannelID, err)
	}
	if err := t.btx.Bucket(bucketMemberships).Put(membershipKey(m.UserID, m.ChannelID), data); err != nil {
		return err
	}
	return t.btx.Bucket(bucketChanMembers).Put(chanMemberKey(m.ChannelID, m.UserID), nil)
}

func (t *tx) DeleteMembership(user chandb.UserID, ch chandb.ChannelID) error {
	if err := t.btx.Bucket(bucketMemberships).Delete(membershipKey(user, ch)); err != nil {
		return err
	}
	return t.btx.Bucket(bucketChanMembers).Delete(chanMemberKey(ch, user))
}

func (t *tx) AppendCommit(c *chandb.Commit) error {
	last, err := t.LastSeq()
	if err != nil {
		return err
	}
	c.Seq = last + 1
	for i := range c.Events {
		c.Events[i].Seq = c.Seq
	}
	data, err := encodeCommit(c)
	if err != nil {
		return fmt.Errorf("boltstore: encode commit %d: %w", c.Seq, err)
	}
	return t.btx.Bucket(bucketCommits).Put(u64Key(c.Seq), data)
}

func (t *tx) LastSeq() (uint64, error) {
	k, _ := t.btx.Bucket(bucketCommits).Cursor().Last()
	if k == nil {
		return 0, nil
	}
	return keyToU64(k), nil
}

func (t *tx) Commits(after uint64, limit int) ([]chandb.Commit, error) {
	var out []chandb.Commit
	c := t.btx.Bucket(bucketCommits).Cursor()
	for k, v := c.Seek(u64Key(after + 1)); k != nil; k, v = c.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		cm, err := decodeCommit(v)
		if err != nil {
			return nil, fmt.Errorf("boltstore: decode commit %d: %w", keyToU64(k), err)
		}
		out = append(out, cm)
	}
	return out, nil
}

// sortMemberships orders records by channel then user, the order the
// directory reports them in.
func sortMemberships(ms []chandb.Membership) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].ChannelID != ms[j].ChannelID {
			return ms[i].ChannelID < ms[j].ChannelID
		}
		return ms[i].UserID < ms[j].UserID
	})
}
