package events

import "github.com/dheeraj-coding/zed/pkg/chandb"

// Event is one committed change addressed to one recipient. Subscribers
// encode it for their transport; sessions turn it into a change_event push.
type Event struct {
	User   chandb.UserID // Recipient (0 for global subscribers)
	Op     string        // Directory operation that produced the commit
	Actor  chandb.UserID // Who issued the operation
	Change chandb.ChangeEvent
}

// Seq returns the commit sequence number the event belongs to.
func (e Event) Seq() uint64 { return e.Change.Seq }
