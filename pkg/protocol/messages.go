// Package protocol defines the messages exchanged between a channel store
// client and the server, and the transports that carry them. Every message
// is an Envelope; requests and their responses share an id, and server pushes
// carry id 0.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// MessageType names the payload carried by an envelope.
type MessageType string

// Requests (client to server).
const (
	TypeCreateChannel   MessageType = "create_channel"
	TypeInviteMember    MessageType = "invite_member"
	TypeRespondToInvite MessageType = "respond_to_invite"
	TypeRenameChannel   MessageType = "rename_channel"
	TypeMoveChannel     MessageType = "move_channel"
	TypeRemoveMember    MessageType = "remove_member"
	TypePing            MessageType = "ping"
)

// Server to client.
const (
	TypeResponse    MessageType = "response"
	TypeChangeEvent MessageType = "change_event"
	TypeFullSync    MessageType = "full_sync"
)

// Envelope is the unit carried by a Conn.
type Envelope struct {
	ID      uint64          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload reports a rejected request.
type ErrorPayload struct {
	Code    chandb.Code `json:"code"`
	Message string      `json:"message,omitempty"`
}

// Err converts the payload to an error that unwraps to the matching sentinel.
func (e *ErrorPayload) Err() error {
	if e == nil {
		return nil
	}
	return &chandb.RemoteError{Code: e.Code, Message: e.Message}
}

// IsPush reports whether the envelope is an unsolicited server message.
func (e Envelope) IsPush() bool {
	return e.Type == TypeChangeEvent || e.Type == TypeFullSync
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: %s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", e.Type, err)
	}
	return nil
}

// NewMessage builds an envelope around payload. A nil payload is omitted.
func NewMessage(id uint64, typ MessageType, payload any) (Envelope, error) {
	env := Envelope{ID: id, Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return env, fmt.Errorf("protocol: encode %s: %w", typ, err)
		}
		env.Payload = data
	}
	return env, nil
}

// NewErrorResponse builds a response rejecting request id with err.
func NewErrorResponse(id uint64, err error) Envelope {
	return Envelope{
		ID:    id,
		Type:  TypeResponse,
		Error: &ErrorPayload{Code: chandb.CodeOf(err), Message: err.Error()},
	}
}

// CreateChannel asks for a new channel. ParentID 0 creates a root.
type CreateChannel struct {
	Name     string           `json:"name"`
	ParentID chandb.ChannelID `json:"parent_id,omitempty"`
}

// InviteMember invites Invitee to ChannelID.
type InviteMember struct {
	ChannelID chandb.ChannelID `json:"channel_id"`
	Invitee   chandb.UserID    `json:"invitee"`
	Admin     bool             `json:"is_admin"`
}

// RespondToInvite accepts or declines the caller's invitation.
type RespondToInvite struct {
	ChannelID chandb.ChannelID `json:"channel_id"`
	Accept    bool             `json:"accept"`
}

// RenameChannel sets a channel's name.
type RenameChannel struct {
	ChannelID chandb.ChannelID `json:"channel_id"`
	Name      string           `json:"name"`
}

// MoveChannel re-parents a channel. NewParentID 0 moves it to the root.
type MoveChannel struct {
	ChannelID   chandb.ChannelID `json:"channel_id"`
	NewParentID chandb.ChannelID `json:"new_parent_id,omitempty"`
}

// RemoveMember deletes UserID's record on ChannelID.
type RemoveMember struct {
	ChannelID chandb.ChannelID `json:"channel_id"`
	UserID    chandb.UserID    `json:"user_id"`
}

// Response confirms a request. Events are the changes of the request's
// commit that the requester may see, so the response alone brings the
// requester's replica up to date.
type Response struct {
	ChannelID chandb.ChannelID     `json:"channel_id,omitempty"`
	Seq       uint64               `json:"seq"`
	Events    []chandb.ChangeEvent `json:"events,omitempty"`
}

// FullSync replaces a client's projection with the server's view for User.
type FullSync struct {
	User chandb.UserID `json:"user"`
	chandb.VisibleState
}
