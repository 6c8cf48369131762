package chandb

import "context"

// Backend is the transactional store behind the channel directory.
// Update transactions must be serializable with respect to each other.
type Backend interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is one backend transaction. Writes are only valid inside Update.
type Tx interface {
	Channel(id ChannelID) (Channel, bool, error)
	Channels() ([]Channel, error)
	Children(id ChannelID) ([]ChannelID, error)
	// CreateChannel assigns the next channel id and stores the channel.
	CreateChannel(name string, parent ChannelID) (Channel, error)
	PutChannel(ch Channel) error

	Membership(user UserID, channel ChannelID) (Membership, bool, error)
	Memberships() ([]Membership, error)
	UserMemberships(user UserID) ([]Membership, error)
	ChannelMemberships(channel ChannelID) ([]Membership, error)
	PutMembership(m Membership) error
	DeleteMembership(user UserID, channel ChannelID) error

	// AppendCommit assigns the next sequence number to c and its events
	// and writes it to the commit log.
	AppendCommit(c *Commit) error
	LastSeq() (uint64, error)
	Commits(after uint64, limit int) ([]Commit, error)
}

// DumpSnapshot reads the whole directory inside tx.
func DumpSnapshot(tx Tx) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Seq, err = tx.LastSeq(); err != nil {
		return snap, err
	}
	if snap.Channels, err = tx.Channels(); err != nil {
		return snap, err
	}
	if snap.Memberships, err = tx.Memberships(); err != nil {
		return snap, err
	}
	return snap, nil
}
