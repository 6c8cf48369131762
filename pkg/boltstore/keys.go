package boltstore

import (
	"encoding/binary"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// Bucket name constants for bbolt storage.
var (
	bucketChannels    = []byte("channels")    // channel id -> Channel
	bucketChildren    = []byte("children")    // parent id | child id -> nil
	bucketMemberships = []byte("memberships") // user id | channel id -> Membership
	bucketChanMembers = []byte("chanmembers") // channel id | user id -> nil
	bucketCommits     = []byte("commits")     // seq -> Commit
)

var allBuckets = [][]byte{bucketChannels, bucketChildren, bucketMemberships, bucketChanMembers, bucketCommits}

// u64Key converts a number to an 8-byte big-endian key so bbolt's byte
// ordering matches numeric ordering.
func u64Key(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// keyToU64 converts an 8-byte big-endian key back to a number.
func keyToU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// pairKey joins two ids into a 16-byte key. Prefix scans on the first half
// enumerate every pair sharing it.
func pairKey(a, b uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], a)
	binary.BigEndian.PutUint64(buf[8:], b)
	return buf
}

// splitPairKey returns the two halves of a pairKey.
func splitPairKey(k []byte) (uint64, uint64) {
	return binary.BigEndian.Uint64(k[:8]), binary.BigEndian.Uint64(k[8:])
}

func channelKey(id chandb.ChannelID) []byte { return u64Key(uint64(id)) }

func membershipKey(user chandb.UserID, ch chandb.ChannelID) []byte {
	return pairKey(uint64(user), uint64(ch))
}

func chanMemberKey(ch chandb.ChannelID, user chandb.UserID) []byte {
	return pairKey(uint64(ch), uint64(user))
}

func childKey(parent, child chandb.ChannelID) []byte {
	return pairKey(uint64(parent), uint64(child))
}
