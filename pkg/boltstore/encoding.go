package boltstore

import (
	"bytes"
	"encoding/gob"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

func init() {
	gob.Register(chandb.Channel{})
	gob.Register(chandb.Membership{})
	gob.Register(chandb.Commit{})
}

// encodeChannel serializes a Channel to bytes using gob.
func encodeChannel(ch chandb.Channel) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ch); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeChannel deserializes bytes back into a Channel.
func decodeChannel(data []byte) (chandb.Channel, error) {
	var ch chandb.Channel
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ch)
	return ch, err
}

// encodeMembership serializes a Membership to bytes using gob.
func encodeMembership(m chandb.Membership) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeMembership deserializes bytes back into a Membership.
func decodeMembership(data []byte) (chandb.Membership, error) {
	var m chandb.Membership
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m)
	return m, err
}

// encodeCommit serializes a Commit, audiences included, using gob.
func encodeCommit(c *chandb.Commit) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeCommit deserializes bytes back into a Commit.
func decodeCommit(data []byte) (chandb.Commit, error) {
	var c chandb.Commit
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c)
	return c, err
}
